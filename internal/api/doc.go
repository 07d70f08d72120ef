// Package api hosts the local control server. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session and POST /v1/session/complete to follow and release the
//     manual browser session.
//   - GET/POST /v1/domains and GET /v1/domains/check for the problematic-domain list.
//   - POST /v1/fetch to queue URLs for the background workers.
package api
