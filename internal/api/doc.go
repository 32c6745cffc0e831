// Package api hosts the optional status listener for operators and health checks:
//   - GET /healthz reports process liveness.
//   - GET /readyz reports 200 while the worker loop runs and 503 once drained.
//   - GET /metrics serves the Prometheus registry.
package api
