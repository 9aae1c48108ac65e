// Package token generates and validates stream correlation tokens.
//
// Tokens follow the wire format stream-{unixMillis}-{random} and are the
// client-held proof used to finalize a streaming session. The time component
// is monotonic per process so tokens sort in generation order.
package token
