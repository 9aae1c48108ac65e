// Package producer adapts generation backends to a uniform chunk stream.
//
// Each adapter pumps its SDK's event iterator from a background goroutine
// into a bounded channel, so Recv is a plain blocking read and Close can
// interrupt it at any point. Backends that report authoritative output
// token usage surface it through Usage after the stream ends; otherwise
// per-chunk estimates stand.
package producer
