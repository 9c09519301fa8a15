// Package router dispatches decoded events to registered handlers.
//
// Handlers are kept per event type plus a wildcard list; every handler is
// isolated so one failing consumer cannot starve the others or unwind the
// transport read loop that drives dispatch.
package router
