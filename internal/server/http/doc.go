// Package httpserver provides the JSON+SSE gateway for the streaming
// session coordinator: stream start and observe as Server-Sent Events,
// finalize/abort/lookup as JSON endpoints, plus account credit and
// Prometheus metrics.
//
// Example:
//
//	s := httpserver.New(httpserver.Options{Coordinator: coord, Accounts: ledger, Metrics: m})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
