// Package syncer orchestrates sync cycles on a device: per-kind
// checkpoints, the persistent push queue, the pull/push cycle, the
// spool watcher feeding the queue, and the background agent loop.
package syncer
