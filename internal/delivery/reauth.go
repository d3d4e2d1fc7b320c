package delivery

import (
	"context"

	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// reauthBudget repeats an authority call with a fresh session when the answer is an auth
// failure, at most limit times.
type reauthBudget struct {
	limit         int
	isAuthFailure func(*ksef.Envelope) bool
}

// singleReauth allows exactly one re-authentication per send.
var singleReauth = reauthBudget{
	limit:         1,
	isAuthFailure: (*ksef.Envelope).AuthFailure,
}

type renewFunc func(ctx context.Context, stale *store.Session) (*store.Session, error)

type callFunc func(ctx context.Context, s *store.Session) *ksef.Envelope

// run returns the last envelope and the session it was obtained with. A renew error is returned
// together with the auth failure that caused it.
func (b reauthBudget) run(ctx context.Context, s *store.Session, renew renewFunc, call callFunc) (*ksef.Envelope, *store.Session, error) {
	env := call(ctx, s)
	for used := 0; used < b.limit && b.isAuthFailure(env); used++ {
		fresh, err := renew(ctx, s)
		if err != nil {
			return env, s, err
		}
		s = fresh
		env = call(ctx, s)
	}
	return env, s, nil
}
