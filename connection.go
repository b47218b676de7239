package mypp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"

	"github.com/spaceexpanse/mypp/internal/driverx"
)

// Connection state names for precondition failures.
const (
	stateConnected    = "connected"
	stateDisconnected = "disconnected"
)

// tlsConfigSeq numbers the TLS configs this process registers with the
// driver, so that independent connections cannot clash.
var tlsConfigSeq atomic.Uint64

// Connection owns one session to a MySQL/MariaDB server. It exposes the
// raw session handle for the Statement engine and can run unprepared SQL.
//
// A Connection represents one logical conversation with the server; it is
// not safe for concurrent use without external serialization.
type Connection struct {
	logger  *slog.Logger
	conn    driverx.Conn
	tlsName string
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = l
	}
}

// NewConnection returns a Connection that is not yet connected to any
// server.
func NewConnection(opts ...Option) *Connection {
	c := &Connection{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether a session is established.
func (c *Connection) Connected() bool {
	return c.conn != nil
}

// UseClientCertificate configures TLS with a client certificate for the
// upcoming handshake. The arguments are paths to the PEM files holding the
// CA certificate, the client certificate and the private key. Must be
// called before Connect.
func (c *Connection) UseClientCertificate(ca, cert, key string) error {
	if c.Connected() {
		return stateErr("UseClientCertificate", stateConnected)
	}
	pem, err := os.ReadFile(ca)
	if err != nil {
		return fmt.Errorf("%w: reading CA certificate: %v", ErrConnection, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("%w: no usable CA certificate in %s", ErrConnection, ca)
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return fmt.Errorf("%w: loading client certificate: %v", ErrConnection, err)
	}

	name := "mypp-" + strconv.FormatUint(tlsConfigSeq.Add(1), 10)
	err = mysql.RegisterTLSConfig(name, &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{pair},
	})
	if err != nil {
		return fmt.Errorf("%w: registering TLS config: %v", ErrConnection, err)
	}
	if c.tlsName != "" {
		mysql.DeregisterTLSConfig(c.tlsName)
	}
	c.tlsName = name
	return nil
}

// Connect establishes the session. It must be called at most once per
// Connection; db may be empty to select no default database.
func (c *Connection) Connect(ctx context.Context, host string, port uint16, user, password, db string) error {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
	cfg.DBName = db
	cfg.MultiStatements = true
	return c.ConnectConfig(ctx, cfg)
}

// ConnectURL establishes the session from a parsed URL. The URL's options
// are handed to the driver without interpretation.
func (c *Connection) ConnectURL(ctx context.Context, u *URL) error {
	return c.ConnectConfig(ctx, u.Config())
}

// ConnectConfig establishes the session from a full driver configuration.
// Multi-statement support is forced on, since Execute relies on it.
func (c *Connection) ConnectConfig(ctx context.Context, cfg *mysql.Config) error {
	if c.Connected() {
		return fmt.Errorf("%w: already connected", ErrConnection)
	}
	cfg.MultiStatements = true
	if c.tlsName != "" {
		cfg.TLSConfig = c.tlsName
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return serverErr(ErrConnection, err)
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		return serverErr(ErrConnection, err)
	}
	dc, ok := conn.(driverx.Conn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("%w: driver connection lacks required interfaces", ErrConnection)
	}
	c.conn = dc
	return nil
}

// Execute runs one or more semicolon-separated statements that are not
// expected to produce a result set. The driver drains every result
// indicator the server announces before returning, so a later statement's
// failure is still reported.
func (c *Connection) Execute(ctx context.Context, sql string) error {
	if !c.Connected() {
		return stateErr("Execute", stateDisconnected)
	}
	_, err := c.conn.ExecContext(ctx, sql, nil)
	return serverErr(ErrQuery, err)
}

// SetDefaultDatabase switches the session's default database.
func (c *Connection) SetDefaultDatabase(ctx context.Context, db string) error {
	if !c.Connected() {
		return stateErr("SetDefaultDatabase", stateDisconnected)
	}
	quoted := "`" + strings.ReplaceAll(db, "`", "``") + "`"
	return c.Execute(ctx, "USE "+quoted)
}

// Ping checks that the session is still alive.
func (c *Connection) Ping(ctx context.Context) error {
	if !c.Connected() {
		return stateErr("Ping", stateDisconnected)
	}
	return serverErr(ErrConnection, c.conn.Ping(ctx))
}

// Session returns the raw driver session handle for the statement engine.
func (c *Connection) Session() (driverx.Conn, error) {
	if !c.Connected() {
		return nil, stateErr("Session", stateDisconnected)
	}
	return c.conn, nil
}

// Close releases the session. A close failure is logged and returned, but
// cleanup always runs to completion; calling Close again is a no-op.
func (c *Connection) Close() error {
	var errs *multierror.Error
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("closing connection", "err", err)
			errs = multierror.Append(errs, err)
		}
		c.conn = nil
	}
	if c.tlsName != "" {
		mysql.DeregisterTLSConfig(c.tlsName)
		c.tlsName = ""
	}
	return errs.ErrorOrNil()
}
