// Package mypptest provides a temporary-database fixture for tests that
// need a real MySQL/MariaDB server: the database is created on demand,
// handed to the test through a live connection, and dropped again on
// Close.
package mypptest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/spaceexpanse/mypp"
)

// EnvTempDB is the environment variable holding the connection URL for
// the temporary database. The named database must not yet exist on the
// server; it is created and dropped by the fixture.
const EnvTempDB = "MYPP_TEST_TEMPDB"

// TempDB holds a connection to a scratch database.
type TempDB struct {
	conn        *mypp.Connection
	database    string
	initialised bool
	logger      *slog.Logger
	setUp       func(context.Context, *mypp.Connection) error
}

// Option configures a TempDB.
type Option func(*TempDB)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *TempDB) {
		t.logger = l
	}
}

// WithSetUp registers a hook run by Initialise once the database exists
// and is selected, e.g. to install a schema.
func WithSetUp(f func(context.Context, *mypp.Connection) error) Option {
	return func(t *TempDB) {
		t.setUp = f
	}
}

// New connects to the server named by a connection URL. The URL must not
// carry a table part.
func New(ctx context.Context, url string, opts ...Option) (*TempDB, error) {
	u, err := mypp.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if u.Table != "" {
		return nil, errors.New("mypptest: temporary database URL must not name a table")
	}
	return NewParts(ctx, u.Host, u.Port, u.User, u.Password, u.Database, opts...)
}

// NewParts connects to the server from explicit parts. No default
// database is selected until Initialise has created it.
func NewParts(ctx context.Context, host string, port uint16, user, password, db string, opts ...Option) (*TempDB, error) {
	t := &TempDB{database: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.conn = mypp.NewConnection(mypp.WithLogger(t.logger))
	if err := t.conn.Connect(ctx, host, port, user, password, ""); err != nil {
		return nil, errors.Wrap(err, "mypptest: connecting to server")
	}
	return t, nil
}

// Initialise creates the temporary database, selects it as the default,
// and runs the setup hook if one was registered.
func (t *TempDB) Initialise(ctx context.Context) error {
	if err := t.conn.Execute(ctx, fmt.Sprintf("CREATE DATABASE `%s`", t.database)); err != nil {
		return errors.Wrap(err, "mypptest: creating temporary database")
	}
	t.initialised = true
	if err := t.conn.SetDefaultDatabase(ctx, t.database); err != nil {
		return err
	}
	if t.setUp != nil {
		return t.setUp(ctx, t.conn)
	}
	return nil
}

// Conn returns the underlying connection.
func (t *TempDB) Conn() *mypp.Connection {
	return t.conn
}

// Database returns the name of the temporary database.
func (t *TempDB) Database() string {
	return t.database
}

// Close drops the temporary database and releases the connection. A
// failure to drop is logged but never interrupts the teardown.
func (t *TempDB) Close() error {
	var errs *multierror.Error
	if t.initialised {
		if err := t.conn.Execute(context.Background(), fmt.Sprintf("DROP DATABASE `%s`", t.database)); err != nil {
			t.logger.Error("dropping temporary database", "database", t.database, "err", err)
			errs = multierror.Append(errs, err)
		}
		t.initialised = false
	}
	errs = multierror.Append(errs, t.conn.Close())
	return errs.ErrorOrNil()
}

// URLFromEnv returns the connection URL for the temporary database, or
// skips the test when the environment variable is unset.
func URLFromEnv(tb testing.TB) string {
	tb.Helper()
	url := os.Getenv(EnvTempDB)
	if url == "" {
		tb.Skipf("set %s to a MySQL URL to run server round-trip tests", EnvTempDB)
	}
	return url
}
