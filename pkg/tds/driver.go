package tds

import (
	"github.com/ha1tch/minitds/pkg/errors"
	"github.com/ha1tch/minitds/pkg/log"
)

// Driver ties a session, a login context, and a command context together
// behind a small connect/query/logout surface. A driver owns exactly one
// connection; callers that want concurrency own multiple drivers.
type Driver struct {
	sess   *Session
	cmd    *CommandContext
	logger *log.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the logger used by the driver and its session.
func WithLogger(l *log.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = l
	}
}

// NewDriver creates a driver over the given transport.
func NewDriver(transport Transport, opts ...DriverOption) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.Default()
	}
	d.sess = NewSession(transport, d.logger)
	d.cmd = NewCommandContext(d.sess)
	return d
}

// Session exposes the underlying session, mainly for callback registration.
func (d *Driver) Session() *Session {
	return d.sess
}

// SetInfoCallback installs a callback for INFO and ERROR tokens.
func (d *Driver) SetInfoCallback(cb func(InfoToken)) {
	d.sess.RegisterInfoCallback(cb)
}

// ReadColumnNames controls whether column names are decoded into metadata.
func (d *Driver) ReadColumnNames(on bool) {
	d.cmd.ReadColumnNames(on)
}

// Connect establishes the transport connection and performs the login
// handshake. A non-zero transport result aborts the login.
func (d *Driver) Connect(p ConnectionParameters) error {
	p = p.withDefaults()

	if err := d.sess.Connect(p.ServerName, p.Port); err != nil {
		return err
	}

	status, err := NewLoginContext(d.sess).DoLogin(p.LoginParameters)
	if status != LoginSuccess {
		d.sess.transport.Close()
		d.sess.state = StateDisconnected
		if err == nil {
			err = errors.Newf(errors.ErrCodeLoginFailed, "login status %s", status)
		}
		return err
	}
	return nil
}

// ExecuteQuery runs a SQL batch, dispatching rows to cb, and returns the
// rows-affected count of the batch's last statement.
func (d *Driver) ExecuteQuery(sql string, cb RowCallback) (uint64, error) {
	if !d.sess.IsAuthenticated() {
		return 0, errors.New(errors.ErrCodeNotAuthenticated, "not logged in")
	}
	return d.cmd.ExecuteQuery(sql, cb)
}

// Cancel aborts the in-flight batch with an ATTENTION message and drains
// the stream until the server acknowledges the cancellation.
func (d *Driver) Cancel() error {
	if d.sess.State() == StateDisconnected {
		return errors.New(errors.ErrCodeConnectionClosed, "not connected")
	}
	return d.sess.SendAttention()
}

// Logout disconnects. When the transport supports a graceful close it is
// preferred; otherwise the connection is dropped.
func (d *Driver) Logout() error {
	if d.sess.State() == StateDisconnected {
		return nil
	}
	d.sess.state = StateDisconnected
	d.logger.Audit().Info("logout")

	if gc, ok := d.sess.transport.(GracefulCloser); ok {
		return gc.CloseGraceful()
	}
	return d.sess.transport.Close()
}
