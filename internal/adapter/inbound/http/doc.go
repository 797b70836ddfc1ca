// Package http provides the REST boundary over the PolicyShield engine.
//
// # Usage
//
// Create and start a server:
//
//	srv := http.NewServer(engine,
//	    http.WithAddr(":8080"),
//	    http.WithAPIToken(os.Getenv("POLICYSHIELD_API_TOKEN")),
//	    http.WithCORSOrigins([]string{"https://console.example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	POST /api/v1/check             - evaluate one tool call
//	POST /api/v1/post-check        - scan tool output for PII taint
//	GET  /api/v1/health            - liveness probe (never authenticated)
//	GET  /readyz                   - readiness probe (approval backend health)
//	GET  /api/v1/status            - engine state, mode, rule hash
//	POST /api/v1/reload            - reload rules from disk
//	POST /api/v1/kill              - engage the kill switch
//	POST /api/v1/resume            - clear the kill switch
//	GET  /api/v1/constraints       - active policy summary
//	POST /api/v1/check-approval    - poll one approval request
//	POST /api/v1/respond-approval  - resolve an approval request
//	GET  /api/v1/pending-approvals - list unresolved approval requests
//	POST /api/v1/clear-taint       - drop a session's PII taints
//	GET  /metrics                  - Prometheus metrics
//
// # Contract
//
// When POLICYSHIELD_API_TOKEN is set, every route except /api/v1/health
// requires Authorization: Bearer <token>. Request bodies must be JSON
// (else 415) and under the configured size cap (else 413). tool_name is
// capped at 256 characters of [\w.\-:]; args nesting is capped at depth
// 10 (else 422). Concurrent /check calls are bounded by a semaphore;
// overflow answers 503 with {"verdict":"BLOCK","error":"server_overloaded"}.
// Every response carries an X-Request-ID header and, for map payloads, a
// request_id field, echoed from the client or generated. Panics surface
// as JSON bodies that still carry a verdict per the fail-open policy.
package http
