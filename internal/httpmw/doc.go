// Package httpmw provides HTTP middleware for the public-facing server.
//
// Middleware is composed in httpserver.NewHandler: request ID, panic
// recovery, client identity, the edge gate, OTEL tracing, trace headers,
// metrics, structured logging, and the chi router.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// headers) is kept out of access logs.
package httpmw
