// Package api hosts the HTTP gateway. Notable routes:
//   - POST /auth/register, /auth/login, /auth/refresh, /auth/logout for the
//     account and session lifecycle. The refresh token travels in an
//     HttpOnly cookie scoped to /auth.
//   - POST /jobs/schedule and GET /jobs/results, GET /jobs/{job_id} behind a
//     bearer access token.
//   - GET /admin/overview for admins.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
