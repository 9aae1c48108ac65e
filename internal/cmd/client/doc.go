// Package client provides the `skein` command-line client.
//
// The CLI talks to the skein HTTP API to drive streaming sessions from a
// terminal. It is primarily intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it reads
// SKEIN_HTTP and defaults to http://127.0.0.1:8080.
//
// Usage
//
//	# Start a stream and print SSE frames as they arrive. The session id
//	# and correlation token are printed to stderr at stream start.
//	skein session start --owner alice --model claude-small \
//	    --prompt 'write a haiku about rivers'
//
//	# Observe a running (or recently finished) session
//	skein session observe --session SESSION_ID
//	skein session observe --session SESSION_ID --filter 'kind == "chunk"'
//
//	# Settle the session once the client has counted the response
//	skein session finalize --session SESSION_ID --token STREAM_TOKEN \
//	    --tokens 812
//
//	skein session abort --session SESSION_ID --token STREAM_TOKEN
//	skein session get --session SESSION_ID
//
//	# Account operations (memory ledger only)
//	skein account credit --owner alice --amount 500
//	skein account balance --owner alice
//
// Notes
//
//   - start and observe hold the connection open and print one JSON line
//     per SSE frame. Interrupting observe detaches the observer without
//     affecting the session; interrupting start leaves the producer
//     running server-side until finalize, abort or the stream timeout.
//   - finalize is idempotent: repeating it returns the recorded
//     settlement instead of charging again.
package client
