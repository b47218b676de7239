package mypp

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/ecodeclub/ekit/slice"
	"github.com/hashicorp/go-multierror"

	"github.com/spaceexpanse/mypp/internal/driverx"
)

// State is the lifecycle state of a Statement.
type State uint8

const (
	// StateInitialised means the statement carries no SQL text yet.
	StateInitialised State = iota
	// StatePrepared means the statement is compiled server-side and its
	// parameter slots accept input bindings.
	StatePrepared
	// StateQueried means a result set is buffered and the slots hold the
	// decoded output columns of the current row.
	StateQueried
	// StateFinished means the statement has been executed, or queried and
	// fully fetched. Prepare recycles it for a new query.
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInitialised:
		return "initialised"
	case StatePrepared:
		return "prepared"
	case StateQueried:
		return "queried"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// slotKind tags the value a slot holds.
type slotKind uint8

const (
	// kindUnset marks an input slot that has not been bound; it is sent
	// to the server as NULL.
	kindUnset slotKind = iota
	kindNull
	kindInt
	kindBytes
)

// slot is one positional storage unit. Before execution it holds an input
// parameter; after a query it is repurposed to hold an output column of
// the current row. It replaces the C protocol's raw-buffer-plus-length
// layout with a tagged union: exactly one of i64 and buf is meaningful,
// selected by kind.
type slot struct {
	kind slotKind
	i64  int64

	// buf backs string/blob values. For output slots its capacity is fixed
	// when the result set is registered and the backing array is never
	// reallocated while the slot is live.
	buf []byte

	// null and length describe the current output value.
	null   bool
	length int
}

// setBytes stores a copy of b as the slot's owned value, so the caller's
// buffer may be freed or mutated immediately afterwards.
func (s *slot) setBytes(b []byte) {
	owned := make([]byte, len(b))
	copy(owned, b)
	*s = slot{kind: kindBytes, buf: owned, length: len(b)}
}

// decode stores one output value of the current row in place.
func (s *slot) decode(v driver.Value) error {
	s.null = v == nil
	s.length = 0
	if s.null {
		return nil
	}
	switch s.kind {
	case kindInt:
		switch n := v.(type) {
		case int64:
			s.i64 = n
		case uint64:
			if n > math.MaxInt64 {
				return fmt.Errorf("%w: unsigned value %d overflows the integer slot", ErrUnsupportedType, n)
			}
			s.i64 = int64(n)
		default:
			return fmt.Errorf("%w: integer column decoded as %T", ErrUnsupportedType, v)
		}
	case kindBytes:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: bytes column decoded as %T", ErrUnsupportedType, v)
		}
		if len(b) > cap(s.buf) {
			return fmt.Errorf("%w: %d bytes do not fit the %d-byte column buffer", ErrTruncated, len(b), cap(s.buf))
		}
		s.buf = s.buf[:len(b)]
		copy(s.buf, b)
		s.length = len(b)
	default:
		return fmt.Errorf("%w: output slot has no type", ErrUnsupportedType)
	}
	return nil
}

// column describes one output column of the current result set.
type column struct {
	name     string
	typeName string
	kind     slotKind
}

// Statement is a prepared statement bound to a Connection's session. It
// tracks an explicit lifecycle (see State) and rejects any operation its
// current state forbids.
//
// A Statement holds a non-owning reference to the session and must not
// outlive its Connection. Like the Connection itself it is purely
// synchronous and not safe for concurrent use.
type Statement struct {
	conn   driverx.Conn
	logger *slog.Logger

	state     State
	stmt      driverx.Stmt
	numParams int
	slots     []slot

	// Result data, present only in StateQueried.
	cols     []column
	colIndex map[string]int
	rows     [][]driver.Value
	next     int
}

// NewStatement creates a statement against the connection's session.
func NewStatement(c *Connection) (*Statement, error) {
	sess, err := c.Session()
	if err != nil {
		return nil, err
	}
	return &Statement{conn: sess, logger: c.logger, state: StateInitialised}, nil
}

// State returns the current lifecycle state.
func (st *Statement) State() State {
	return st.state
}

// NumParams returns the parameter count declared at the last Prepare.
func (st *Statement) NumParams() int {
	return st.numParams
}

func (st *Statement) require(op string, allowed ...State) error {
	for _, a := range allowed {
		if st.state == a {
			return nil
		}
	}
	return stateErr(op, st.state.String())
}

// Prepare compiles sql server-side and allocates numParams zeroed input
// slots. The count must match the number of ? placeholders; a mismatch is
// not validated locally and surfaces as a server-side error. A finished
// statement is torn down and reinitialised first, which is how a Statement
// is recycled for a structurally different query.
func (st *Statement) Prepare(ctx context.Context, numParams int, sql string) error {
	if st.state == StateFinished {
		if err := st.release(); err != nil {
			st.logger.Error("releasing statement before re-prepare", "err", err)
		}
		st.state = StateInitialised
	}
	if err := st.require("Prepare", StateInitialised); err != nil {
		return err
	}
	if numParams < 0 {
		return fmt.Errorf("%w: negative parameter count %d", ErrPrepare, numParams)
	}

	stmt, err := st.conn.PrepareContext(ctx, sql)
	if err != nil {
		return serverErr(ErrPrepare, err)
	}
	ds, ok := stmt.(driverx.Stmt)
	if !ok {
		_ = stmt.Close()
		return fmt.Errorf("%w: driver statement lacks required interfaces", ErrPrepare)
	}

	st.stmt = ds
	st.numParams = numParams
	st.slots = make([]slot, numParams)
	st.state = StatePrepared
	return nil
}

// Reset returns a prepared, queried or finished statement to the prepared
// state: cached result data is dropped and the input slots are reallocated
// at the original parameter count. Prepare must have succeeded before.
func (st *Statement) Reset() error {
	if err := st.require("Reset", StatePrepared, StateQueried, StateFinished); err != nil {
		return err
	}
	if st.stmt == nil {
		return stateErr("Reset", "closed")
	}
	st.discardResult()
	st.slots = make([]slot, st.numParams)
	st.state = StatePrepared
	return nil
}

func (st *Statement) inputSlot(op string, i int) (*slot, error) {
	if err := st.require(op, StatePrepared); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(st.slots) {
		return nil, fmt.Errorf("%w: parameter index %d out of range [0, %d)", ErrState, i, len(st.slots))
	}
	return &st.slots[i], nil
}

// BindNull binds parameter i to NULL.
func (st *Statement) BindNull(i int) error {
	s, err := st.inputSlot("BindNull", i)
	if err != nil {
		return err
	}
	*s = slot{kind: kindNull}
	return nil
}

// BindInt64 binds parameter i to a signed 64-bit integer.
func (st *Statement) BindInt64(i int, v int64) error {
	s, err := st.inputSlot("BindInt64", i)
	if err != nil {
		return err
	}
	*s = slot{kind: kindInt, i64: v}
	return nil
}

// BindBool binds parameter i to an integer 0 or 1.
func (st *Statement) BindBool(i int, v bool) error {
	var n int64
	if v {
		n = 1
	}
	return st.BindInt64(i, n)
}

// BindString binds parameter i to a text value.
func (st *Statement) BindString(i int, v string) error {
	s, err := st.inputSlot("BindString", i)
	if err != nil {
		return err
	}
	s.setBytes([]byte(v))
	return nil
}

// BindBlob binds parameter i to a byte string. The bytes are copied into
// slot-owned storage.
func (st *Statement) BindBlob(i int, v []byte) error {
	s, err := st.inputSlot("BindBlob", i)
	if err != nil {
		return err
	}
	s.setBytes(v)
	return nil
}

// inputValues converts the input slots into driver arguments. Unbound
// slots are sent as NULL.
func (st *Statement) inputValues() []driver.NamedValue {
	return slice.Map(st.slots, func(idx int, src slot) driver.NamedValue {
		nv := driver.NamedValue{Ordinal: idx + 1}
		switch src.kind {
		case kindInt:
			nv.Value = src.i64
		case kindBytes:
			nv.Value = src.buf[:src.length]
		}
		return nv
	})
}

// Execute sends the statement with the bound parameters, expecting no
// result set. Parameters are one-shot: on success the slots are discarded
// and the statement is finished. On a server error the statement stays
// prepared with its bindings intact.
func (st *Statement) Execute(ctx context.Context) error {
	if err := st.require("Execute", StatePrepared); err != nil {
		return err
	}
	if _, err := st.stmt.ExecContext(ctx, st.inputValues()); err != nil {
		return serverErr(ErrExecute, err)
	}
	st.slots = nil
	st.state = StateFinished
	return nil
}

// Query sends the statement like Execute, then buffers the entire result
// set client-side and registers the output columns: integer-family columns
// decode into 64-bit signed integer slots, character and blob families
// into byte-buffer slots sized to the column's maximum length in this
// result set. Any other column type fails with ErrUnsupportedType; such a
// query must be restructured by the caller.
func (st *Statement) Query(ctx context.Context) error {
	if err := st.require("Query", StatePrepared); err != nil {
		return err
	}
	rows, err := st.stmt.QueryContext(ctx, st.inputValues())
	if err != nil {
		return serverErr(ErrQuery, err)
	}

	// On success storeResult has repurposed the slots for output; the
	// input bindings are gone either way.
	err = st.storeResult(rows)
	if cerr := rows.Close(); err == nil {
		err = serverErr(ErrQuery, cerr)
	}
	if err != nil {
		// The send itself already happened, so the statement cannot go
		// back to accepting bindings; it has to be reset or re-prepared.
		st.discardResult()
		st.slots = nil
		st.state = StateFinished
		return err
	}
	st.state = StateQueried
	return nil
}

// storeResult drains the driver rows into client-side buffers and sets up
// the output columns, the name lookup map, and the pre-sized output slots.
func (st *Statement) storeResult(rows driver.Rows) error {
	names := rows.Columns()
	if len(names) == 0 {
		return fmt.Errorf("%w: no result metadata returned", ErrQuery)
	}
	typed, ok := rows.(driverx.Rows)
	if !ok {
		return fmt.Errorf("%w: driver rows lack column type metadata", ErrQuery)
	}

	cols := make([]column, len(names))
	index := make(map[string]int, len(names))
	for i, name := range names {
		typeName := typed.ColumnTypeDatabaseTypeName(i)
		kind, err := outputKind(typeName)
		if err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		cols[i] = column{name: name, typeName: typeName, kind: kind}
		// Later columns win on duplicate names.
		index[name] = i
	}

	// The client-side equivalent of store_result: every row is pulled and
	// copied up front. Byte values delivered by the driver are only valid
	// until the next fetch, hence the copies.
	var buffered [][]driver.Value
	for {
		row := make([]driver.Value, len(names))
		if err := rows.Next(row); err != nil {
			if err == io.EOF {
				break
			}
			return serverErr(ErrQuery, err)
		}
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				owned := make([]byte, len(b))
				copy(owned, b)
				row[i] = owned
			}
		}
		buffered = append(buffered, row)
	}

	// One allocation per bytes slot, sized to the largest value the column
	// takes anywhere in the buffered set. Fetch decodes into these buffers
	// in place without ever growing them.
	slots := make([]slot, len(cols))
	for i, col := range cols {
		slots[i].kind = col.kind
		if col.kind != kindBytes {
			continue
		}
		maxLen := 0
		for _, row := range buffered {
			if b, ok := row[i].([]byte); ok && len(b) > maxLen {
				maxLen = len(b)
			}
		}
		slots[i].buf = make([]byte, 0, maxLen)
	}

	st.cols = cols
	st.colIndex = index
	st.rows = buffered
	st.next = 0
	st.slots = slots
	return nil
}

// outputKind maps a server-reported column type onto the local slot
// representation.
func outputKind(typeName string) (slotKind, error) {
	switch strings.TrimPrefix(typeName, "UNSIGNED ") {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT":
		return kindInt, nil
	case "CHAR", "VARCHAR", "TINYTEXT", "TEXT", "MEDIUMTEXT", "LONGTEXT",
		"BINARY", "VARBINARY", "TINYBLOB", "BLOB", "MEDIUMBLOB", "LONGBLOB":
		return kindBytes, nil
	}
	return kindUnset, fmt.Errorf("%w: %s", ErrUnsupportedType, typeName)
}

// Fetch decodes the next buffered row into the output slots. It returns
// false once the result set is exhausted, at which point the statement is
// finished; further calls keep returning false.
func (st *Statement) Fetch() (bool, error) {
	if st.state == StateFinished {
		return false, nil
	}
	if err := st.require("Fetch", StateQueried); err != nil {
		return false, err
	}
	if st.next >= len(st.rows) {
		st.rows = nil
		st.state = StateFinished
		return false, nil
	}

	row := st.rows[st.next]
	st.next++
	for i := range st.slots {
		if err := st.slots[i].decode(row[i]); err != nil {
			err = fmt.Errorf("column %q: %w", st.cols[i].name, err)
			st.logger.Error("decoding result row", "err", err)
			return false, err
		}
	}
	return true, nil
}

func (st *Statement) outputSlot(op, col string) (*slot, *column, error) {
	if err := st.require(op, StateQueried); err != nil {
		return nil, nil, err
	}
	i, ok := st.colIndex[col]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrColumnNotFound, col)
	}
	return &st.slots[i], &st.cols[i], nil
}

// IsNull reports whether the named column is NULL in the current row.
func (st *Statement) IsNull(col string) (bool, error) {
	s, _, err := st.outputSlot("IsNull", col)
	if err != nil {
		return false, err
	}
	return s.null, nil
}

// GetInt64 returns the named integer column of the current row. The value
// must not be NULL and the column must be of an integer type.
func (st *Statement) GetInt64(col string) (int64, error) {
	s, c, err := st.outputSlot("GetInt64", col)
	if err != nil {
		return 0, err
	}
	if s.null {
		return 0, fmt.Errorf("%w: column %q", ErrNullValue, col)
	}
	if s.kind != kindInt {
		return 0, fmt.Errorf("%w: column %q has type %s, want an integer type", ErrTypeMismatch, col, c.typeName)
	}
	return s.i64, nil
}

// GetBool returns the named column interpreted as a boolean: any non-zero
// integer is true.
func (st *Statement) GetBool(col string) (bool, error) {
	v, err := st.GetInt64(col)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (st *Statement) getBytes(op, col string) ([]byte, error) {
	s, c, err := st.outputSlot(op, col)
	if err != nil {
		return nil, err
	}
	if s.null {
		return nil, fmt.Errorf("%w: column %q", ErrNullValue, col)
	}
	if s.kind != kindBytes {
		return nil, fmt.Errorf("%w: column %q has type %s, want a string or blob type", ErrTypeMismatch, col, c.typeName)
	}
	out := make([]byte, s.length)
	copy(out, s.buf[:s.length])
	return out, nil
}

// GetString returns the named text column of the current row. Embedded
// zero bytes are preserved.
func (st *Statement) GetString(col string) (string, error) {
	b, err := st.getBytes("GetString", col)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetBlob returns a copy of the named byte-string column of the current
// row.
func (st *Statement) GetBlob(col string) ([]byte, error) {
	return st.getBytes("GetBlob", col)
}

func (st *Statement) discardResult() {
	st.cols = nil
	st.colIndex = nil
	st.rows = nil
	st.next = 0
}

// release frees the server-side handle and any buffered result data.
func (st *Statement) release() error {
	var errs *multierror.Error
	st.discardResult()
	if st.stmt != nil {
		errs = multierror.Append(errs, st.stmt.Close())
		st.stmt = nil
	}
	return errs.ErrorOrNil()
}

// Close releases all server-side and client-side resources, regardless of
// state. A failure is logged and returned but never interrupts the
// cleanup; calling Close again is a no-op.
func (st *Statement) Close() error {
	err := st.release()
	if err != nil {
		st.logger.Error("closing statement", "err", err)
	}
	st.slots = nil
	st.state = StateFinished
	return err
}
