//go:build !(cgo && sqlite3_cgo)

package db

// Pure Go driver (wasm via wazero), no cgo toolchain needed.
import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)
