// Package serverrun is the composition root for the skein server process.
// It opens the embedded store, builds the ledger, hub, producer registry and
// coordinator, serves the HTTP API and shuts everything down in order on
// SIGINT/SIGTERM.
package serverrun
