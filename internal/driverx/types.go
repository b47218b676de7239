// Package driverx declares the interface sets mypp requires of the
// database/sql/driver objects handed out by the go-sql-driver/mysql
// connector. The driver package models these as optional interfaces; the
// engine depends on this exact subset and asserts it once, at the seam.
package driverx

import (
	"database/sql/driver"
	"io"
)

// Conn is the session handle the engine binds statements against.
type Conn interface {
	driver.Conn
	driver.ConnPrepareContext
	driver.ExecerContext
	driver.QueryerContext
	driver.Pinger
	driver.Validator
	io.Closer
}

// Stmt is the server-side prepared-statement handle.
type Stmt interface {
	driver.Stmt
	driver.StmtExecContext
	driver.StmtQueryContext
	io.Closer
}

// Rows is the result-set surface the engine buffers from. The column type
// reporter is what drives the engine's output type dispatch.
type Rows interface {
	driver.Rows
	driver.RowsColumnTypeDatabaseTypeName
	driver.RowsColumnTypeNullable
	io.Closer
}
