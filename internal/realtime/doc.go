// Package realtime turns pushed events into notification state.
//
// Service subscribes to the router: task and notification events become
// store entries (and audio cues when they are new), notification updates
// mark entries read, and every event lands in the debug history. It is
// also the single surface the inspect API and the daemon talk to for
// settings and mark-read/remove operations, which it mirrors to the REST
// API on a best-effort basis.
package realtime
