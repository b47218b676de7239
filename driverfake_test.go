package mypp

import (
	"context"
	"database/sql/driver"
	"io"

	"github.com/pkg/errors"
)

// Hand-written driver fakes standing in for the go-sql-driver objects.
// They implement exactly the interface sets in internal/driverx, which is
// all the engine is allowed to rely on.

type fakeConn struct {
	stmts    map[string]*fakeStmt
	execed   []string
	execErr  error
	prepErr  error
	pingErr  error
	closeErr error
	closed   bool
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *fakeConn) PrepareContext(_ context.Context, query string) (driver.Stmt, error) {
	if c.prepErr != nil {
		return nil, c.prepErr
	}
	st, ok := c.stmts[query]
	if !ok {
		return nil, errors.Errorf("fake: unexpected prepare %q", query)
	}
	return st, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	if c.execErr != nil {
		return nil, c.execErr
	}
	c.execed = append(c.execed, query)
	return driver.RowsAffected(0), nil
}

func (c *fakeConn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	return nil, driver.ErrSkip
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }
func (c *fakeConn) IsValid() bool              { return !c.closed }
func (c *fakeConn) Begin() (driver.Tx, error)  { return nil, errors.New("fake: transactions unsupported") }

func (c *fakeConn) Close() error {
	c.closed = true
	return c.closeErr
}

type fakeCol struct {
	name     string
	typeName string
}

type fakeStmt struct {
	paramCount int // -1 disables the count check
	execErr    error
	queryErr   error
	closeErr   error

	cols []fakeCol
	rows [][]driver.Value

	execArgs  [][]driver.NamedValue
	queryArgs [][]driver.NamedValue
	closed    int
}

func (s *fakeStmt) NumInput() int {
	return s.paramCount
}

func (s *fakeStmt) checkArgs(args []driver.NamedValue) error {
	if s.paramCount >= 0 && len(args) != s.paramCount {
		return errors.Errorf("fake: argument count mismatch (got %d, want %d)", len(args), s.paramCount)
	}
	return nil
}

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, errors.New("fake: value-based Exec not expected")
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, errors.New("fake: value-based Query not expected")
}

func (s *fakeStmt) ExecContext(_ context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := s.checkArgs(args); err != nil {
		return nil, err
	}
	if s.execErr != nil {
		return nil, s.execErr
	}
	s.execArgs = append(s.execArgs, cloneArgs(args))
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) QueryContext(_ context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := s.checkArgs(args); err != nil {
		return nil, err
	}
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	s.queryArgs = append(s.queryArgs, cloneArgs(args))
	return newFakeRows(s.cols, s.rows), nil
}

func (s *fakeStmt) Close() error {
	s.closed++
	return s.closeErr
}

// cloneArgs deep-copies bound byte values, so that tests observe exactly
// what was live at execution time.
func cloneArgs(args []driver.NamedValue) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, a := range args {
		if b, ok := a.Value.([]byte); ok {
			c := make([]byte, len(b))
			copy(c, b)
			a.Value = c
		}
		out[i] = a
	}
	return out
}

type fakeRows struct {
	cols    []fakeCol
	rows    [][]driver.Value
	next    int
	closed  bool
	nextErr error

	// scratch is reused for every byte value handed to Next, mimicking a
	// driver that recycles its read buffer between rows. Anything the
	// engine keeps without copying would be clobbered by the next row.
	scratch []byte
}

func newFakeRows(cols []fakeCol, rows [][]driver.Value) *fakeRows {
	return &fakeRows{cols: cols, rows: rows, scratch: make([]byte, 64)}
}

func (r *fakeRows) Columns() []string {
	names := make([]string, len(r.cols))
	for i, c := range r.cols {
		names[i] = c.name
	}
	return names
}

func (r *fakeRows) ColumnTypeDatabaseTypeName(i int) string {
	return r.cols[i].typeName
}

func (r *fakeRows) ColumnTypeNullable(int) (nullable, ok bool) {
	return true, true
}

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.nextErr != nil {
		return r.nextErr
	}
	if r.next >= len(r.rows) {
		return io.EOF
	}
	row := r.rows[r.next]
	total := 0
	for _, v := range row {
		if b, ok := v.([]byte); ok {
			total += len(b)
		}
	}
	if total > len(r.scratch) {
		r.scratch = make([]byte, total)
	}
	off := 0
	for i, v := range row {
		if b, ok := v.([]byte); ok {
			buf := r.scratch[off : off+len(b)]
			copy(buf, b)
			dest[i] = buf
			off += len(b)
			continue
		}
		dest[i] = v
	}
	r.next++
	return nil
}

func (r *fakeRows) Close() error {
	r.closed = true
	return nil
}

// testConnection wires a fake session into a Connection without dialing.
func testConnection(fc *fakeConn) *Connection {
	c := NewConnection()
	c.conn = fc
	return c
}
