// Package coordinator drives streaming sessions end to end: reserve
// credits, stream chunks through the hub, and settle exactly once on any
// terminal path (completion, upstream failure, abort, timeout, or
// reservation expiry).
package coordinator
