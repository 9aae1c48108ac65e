// Package backoff is the single retry/backoff utility shared by components
// that need bounded retries, most notably the finalize correlation resolver.
package backoff
