// Package storage persists the daemon's settings and its most recent
// notifications so a restart does not start from an empty history.
//
// Every driver stores one State. Saves replace it whole.
package storage
