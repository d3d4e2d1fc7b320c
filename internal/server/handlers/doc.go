// Package handlers provides the HTTP handlers of the gateway.
//
// The invoice, batch and session handlers front the delivery pipeline and the session manager.
// The job handlers (jobs.go) are the entry points for the external scheduler: keep-alive, retry
// queue drain, status polling and session purge. They are protected by the job secret rather
// than the API token.
//
// Handlers depend on small interfaces so they can be tested without a running KSeF.
package handlers
