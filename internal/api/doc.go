// Package api hosts the HTTP server, middleware, and REST handlers used by the
// chat front end and operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/users/{user_id}/... for registration, submission, accounts and vouchers.
//   - /v1/jobs/{job_id} for status and cancellation.
//   - GET /v1/queue, /v1/proxies, /v1/stats for status screens.
package api
