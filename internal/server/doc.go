// Package server provides the HTTP service of the KSeF gateway.
//
// the server is configured through environment variables
// (see internal/config/config.go for details)
//
// Routes:
//   - /health/live, /health/ready and /version are public
//   - /v1/... is the operator API (invoices, batches, sessions, queue, audit, config) protected by API_TOKEN
//   - /v1/jobs/... are the scheduler entry points protected by CRON_SECRET (falls back to API_TOKEN)
//
// handlers are in internal/server/handlers, middleware is in internal/server/middleware and the
// error response mapping is in internal/server/respond
package server
