// Package server exposes the messaging service over HTTP.
//
// Routes are served by a chi router. Every /api route except /api/login
// requires a bearer token; /ws accepts the token as a query parameter so
// browsers can authenticate the WebSocket handshake. Requests are logged
// through slog, counted in Prometheus and rate limited per user.
//
// The listener is either a plain TCP address or, when tailscale is enabled,
// a tsnet node on the tailnet.
package server
