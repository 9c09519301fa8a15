// Package logx is bouncelink's structured logging: a small Logger over
// zerolog with field helpers, and a Service whose level and sinks
// (console, JSON file) follow config reloads.
//
// Credentials go through Secret, which logs a fingerprint and never the
// value.
package logx
