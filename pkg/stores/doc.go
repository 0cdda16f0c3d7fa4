// Package stores keeps the history of provisioning runs in SQLite.
//
// Every install and uninstall run is recorded with its outcome and the
// result of each step, so `djangoprov history` can show what was changed
// on a host and which step stopped a failed run. The schema is managed by
// embedded golang-migrate migrations; the driver is the pure Go
// modernc.org/sqlite, so the binary stays cgo-free.
package stores
