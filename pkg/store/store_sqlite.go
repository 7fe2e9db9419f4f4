//go:build !cgo

package store

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

func init() {
	sql.Register(driverLibsql, &sqlite.Driver{})
}

// The pure-Go build serves local files only; remote libsql URLs need the
// native driver from the cgo build.
const remoteSupported = false
