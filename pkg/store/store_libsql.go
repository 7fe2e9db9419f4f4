//go:build cgo

package store

import (
	_ "github.com/tursodatabase/go-libsql"
)

// The cgo build links the native libsql driver, which registers itself under
// "libsql" and can reach remote libsql/Turso databases as well as local
// files.
const remoteSupported = true
