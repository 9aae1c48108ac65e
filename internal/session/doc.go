// Package session tracks streaming session records through their lifecycle
// and resolves correlation tokens on finalize.
//
// A session moves reserving -> streaming -> finalizing -> terminal
// (completed, failed or aborted). Terminal records keep the settlement that
// closed them so a replayed finalize returns the original outcome instead
// of settling twice. The Resolver absorbs the race between a finalize call
// and the write that records the session's correlation token.
package session
