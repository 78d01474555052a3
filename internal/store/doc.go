// Package store defines interfaces for persistence dependencies (the run
// history repository). Implementations live in other packages; this package
// must not import database drivers or concrete clients.
package store
