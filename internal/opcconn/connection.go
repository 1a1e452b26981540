// Package opcconn implements the Connection component: ownership of the
// native OPC UA client handle, credentials, publishing interval, the
// serializing client mutex, and the atomic channel/session states that
// the rest of the backend reads to decide whether it is safe to transfer.
package opcconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/hzdr-desy/opcua-register-backend/internal/opcerr"
)

// Client is the subset of *opcua.Client's method set this package and its
// callers (internal/subscription, internal/accessor) actually invoke.
// *opcua.Client satisfies it structurally, so production code never
// constructs anything but a real client; internal/opcuatest supplies a
// fake implementation so the rest of the backend can be exercised without
// a live OPC UA server.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan *opcua.PublishNotificationData) (*opcua.Subscription, error)
}

// ChannelState mirrors the OPC UA secure channel's open/closed state.
type ChannelState int32

const (
	ChannelClosed ChannelState = iota
	ChannelOpen
)

// SessionState mirrors the OPC UA session's activated/closed state.
type SessionState int32

const (
	SessionClosed SessionState = iota
	SessionActivated
)

// Credentials bundles the two supported authentication mechanisms:
// username/password, and certificate+key for sign-and-encrypt mode. Both
// are optional; with neither set the connection is anonymous/unencrypted.
type Credentials struct {
	Username        string
	Password        string
	CertificateFile string
	PrivateKeyFile  string
}

func (c Credentials) hasCertificate() bool {
	return c.CertificateFile != "" && c.PrivateKeyFile != ""
}

func (c Credentials) hasUserPass() bool {
	return c.Username != ""
}

// Config is the construction-time parameter surface of a Connection,
// matching spec.md §6's address/parameter surface.
type Config struct {
	ServerAddress      string
	Credentials        Credentials
	PublishingInterval time.Duration
	ConnectionTimeout  time.Duration
}

// StateChangeFunc is invoked whenever the Connection observes a
// channel/session state transition, so a Backend can react (spec.md §4.7
// "state callbacks route through the handle→Backend map" — here the
// Backend registers directly as a callback instead of a separate global
// map, since gopcua does not expose a native C-style callback-pointer
// slot the way the original client library does; functionally equivalent,
// see DESIGN.md).
type StateChangeFunc func(channel ChannelState, session SessionState)

// Connection owns exactly one *opcua.Client. Any operation that reaches
// into the client holds clientMutex for its duration.
type Connection struct {
	cfg    Config
	logger zerolog.Logger

	clientMutex sync.Mutex
	client      Client

	channelState atomic.Int32
	sessionState atomic.Int32

	breaker *gobreaker.CircuitBreaker

	onStateChange StateChangeFunc
}

// New constructs a Connection. Connect must be called before any transfer.
func New(cfg Config, logger zerolog.Logger) *Connection {
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}
	if cfg.PublishingInterval == 0 {
		cfg.PublishingInterval = 500 * time.Millisecond
	}

	c := &Connection{
		cfg:    cfg,
		logger: logger.With().Str("component", "opcconn").Str("address", cfg.ServerAddress).Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "opcua-connect",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("reconnect circuit breaker state change")
		},
	})
	return c
}

// NewWithClient constructs a Connection already bound to client and marked
// connected, bypassing the real opcua.NewClient/Connect dance. This is the
// seam internal/opcuatest uses to exercise the rest of the backend without
// a live OPC UA server; production callers always use New followed by
// Connect.
func NewWithClient(cfg Config, logger zerolog.Logger, client Client) *Connection {
	c := New(cfg, logger)
	c.client = client
	c.setState(ChannelOpen, SessionActivated)
	return c
}

// OnStateChange registers the callback invoked on channel/session
// transitions. Only one callback is supported, matching the single
// Backend-per-Connection ownership model.
func (c *Connection) OnStateChange(fn StateChangeFunc) { c.onStateChange = fn }

func (c *Connection) setState(channel ChannelState, session SessionState) {
	c.channelState.Store(int32(channel))
	c.sessionState.Store(int32(session))
	if c.onStateChange != nil {
		c.onStateChange(channel, session)
	}
}

// IsConnected ⇔ session = ACTIVATED ∧ channel = OPEN.
func (c *Connection) IsConnected() bool {
	return ChannelState(c.channelState.Load()) == ChannelOpen &&
		SessionState(c.sessionState.Load()) == SessionActivated
}

func (c *Connection) buildOptions() []opcua.Option {
	var opts []opcua.Option
	if c.cfg.Credentials.hasCertificate() {
		opts = append(opts,
			opcua.SecurityFromEndpoint(nil, ua.UserTokenTypeAnonymous),
			opcua.CertificateFile(c.cfg.Credentials.CertificateFile),
			opcua.PrivateKeyFile(c.cfg.Credentials.PrivateKeyFile),
			opcua.SecurityMode(ua.MessageSecurityModeSignAndEncrypt),
		)
	}
	if c.cfg.Credentials.hasUserPass() {
		opts = append(opts,
			opcua.AuthUsername(c.cfg.Credentials.Username, c.cfg.Credentials.Password),
			opcua.SecurityFromEndpoint(nil, ua.UserTokenTypeUserName),
		)
	}
	return opts
}

// Connect (re)establishes the secure channel and session. It always
// starts from scratch: callers resetting the connection must have already
// torn down the previous client.
func (c *Connection) Connect(ctx context.Context) error {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	client, err := opcua.NewClient(c.cfg.ServerAddress, c.buildOptions()...)
	if err != nil {
		return opcerr.Runtimef(opcerr.ErrConnectFailed, "building client for %s: %v", c.cfg.ServerAddress, err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, client.Connect(ctx)
	})
	if err != nil {
		c.setState(ChannelClosed, SessionClosed)
		return opcerr.Runtimef(opcerr.ErrConnectFailed, "connecting to %s: %v", c.cfg.ServerAddress, err)
	}

	c.client = client
	c.setState(ChannelOpen, SessionActivated)
	c.logger.Info().Msg("connected")
	return nil
}

// Close disconnects under clientMutex. Failures are logged, never
// returned as fatal: spec.md §4.4 requires close() to log but not throw.
func (c *Connection) Close(ctx context.Context) {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()

	if c.client != nil {
		if err := c.client.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("error while closing OPC UA client (ignored)")
		}
		c.client = nil
	}
	c.setState(ChannelClosed, SessionClosed)
}

// MarkDisconnected force-sets the session to CLOSED, as the
// subscription-inactivity callback does in spec.md §4.7, so the next
// open() reconnects cleanly instead of observing a stale ACTIVATED state.
func (c *Connection) MarkDisconnected() {
	c.setState(ChannelClosed, SessionClosed)
}

// errNotConnected is returned by the transfer wrappers below when no
// client is installed.
var errNotConnected = fmt.Errorf("connection has no active client")

// Browse performs a browse request under clientMutex.
func (c *Connection) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client.Browse(ctx, req)
}

// Read performs a read request under clientMutex.
func (c *Connection) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client.Read(ctx, req)
}

// Write performs a write request under clientMutex.
func (c *Connection) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client.Write(ctx, req)
}

// WithClient runs fn with exclusive access to the underlying Client,
// holding clientMutex for fn's duration. Used by internal/subscription and
// internal/accessor, which need operations (Subscribe, read-modify-write)
// this package does not wrap individually.
func (c *Connection) WithClient(fn func(client Client) error) error {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()
	if c.client == nil {
		return errNotConnected
	}
	return fn(c.client)
}

// PublishingInterval reports the connection's configured publishing
// interval (the default sampling interval for new monitored items).
func (c *Connection) PublishingInterval() time.Duration { return c.cfg.PublishingInterval }

// ServerAddress reports the configured server endpoint URL.
func (c *Connection) ServerAddress() string { return c.cfg.ServerAddress }
