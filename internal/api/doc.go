// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/entities/{kind}/{id}/created to onboard an entity at high priority.
//   - POST /v1/entities/{kind}/{id}/run for a throttled manual trigger.
//   - GET /v1/entities/{kind}/{id} for state and eligibility.
package api
