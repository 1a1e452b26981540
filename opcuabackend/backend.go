// Package opcuabackend is the composition root: it owns the Connection,
// the Catalogue, and (lazily) the SubscriptionManager, and implements
// Open/Close/Connect/ActivateAsyncRead/SetException/GetRegisterAccessor
// exactly as spec.md §4.7 names them.
package opcuabackend

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/accessor"
	"github.com/hzdr-desy/opcua-register-backend/internal/catalogue"
	"github.com/hzdr-desy/opcua-register-backend/internal/codec"
	"github.com/hzdr-desy/opcua-register-backend/internal/metrics"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcconn"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcerr"
	"github.com/hzdr-desy/opcua-register-backend/internal/subscription"
	"github.com/hzdr-desy/opcua-register-backend/internal/version"
)

// RegisterAccessor is the narrow read/write surface GetRegisterAccessor
// returns: every internal/accessor.Accessor[Wire, User], whatever Wire
// the catalogue's TypeCode dispatch picked, satisfies it structurally.
type RegisterAccessor[User any] interface {
	Read(ctx context.Context) ([]User, version.Number, accessor.DataValidity, error)
	Write(ctx context.Context, values []User) error
	Close() error
	Validity() accessor.DataValidity
}

// Backend is the top-level handle a caller opens once and uses to mint
// RegisterAccessors. Safe for concurrent use by multiple goroutines.
type Backend struct {
	cfg    Config
	logger zerolog.Logger

	conn       *opcconn.Connection
	cat        *catalogue.Catalogue
	versionMap *version.Map
	metrics    *metrics.Registry

	ctrlMu sync.Mutex // guards opened/subs below
	opened bool
	subs   *subscription.Manager

	asyncMu            sync.Mutex // L4: serializes ActivateAsyncRead
	asyncReadRequested bool

	isFunctional atomic.Bool
}

// New constructs a Backend bound to cfg. No network I/O happens until
// Open is called.
func New(cfg Config, logger zerolog.Logger) *Backend {
	logger = logger.With().Str("component", "backend").Str("address", cfg.ServerAddress).Logger()

	b := &Backend{
		cfg:        cfg,
		logger:     logger,
		cat:        catalogue.New(logger),
		versionMap: version.Singleton(),
		metrics:    metrics.NewRegistry(),
	}
	b.conn = opcconn.New(opcconn.Config{
		ServerAddress: cfg.ServerAddress,
		Credentials: opcconn.Credentials{
			Username:        cfg.Username,
			Password:        cfg.Password,
			CertificateFile: cfg.CertificateFile,
			PrivateKeyFile:  cfg.PrivateKeyFile,
		},
		PublishingInterval: cfg.PublishingInterval,
		ConnectionTimeout:  cfg.ConnectionTimeout,
	}, logger)
	b.conn.OnStateChange(b.onStateChange)
	return b
}

// parseRootNode decodes Config.RootNode's "ns:nodeid"/"ns:nodename" form.
// The second return value is the text used both as the browse
// path-stripping prefix and, for a mapfile, as the string-nodeId prefix —
// for a numeric root this is simply the numeric token's own text, since
// there is no separate browse name available without a live read.
func parseRootNode(spec string) (*ua.NodeID, string) {
	if spec == "" {
		return nil, ""
	}
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return nil, ""
	}
	ns, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return nil, ""
	}
	token := parts[1]
	if n, err := strconv.ParseUint(token, 10, 32); err == nil {
		return ua.NewNumericNodeID(uint16(ns), uint32(n)), token
	}
	return ua.NewStringNodeID(uint16(ns), token), token
}

// fillCatalogue populates b.cat from the cache file (if configured and
// present), the mapfile (if configured), or a live server browse,
// matching spec.md §4.3's three population paths. A cache hit skips
// browsing entirely; otherwise, after a successful browse/mapfile
// population, the result is written back to CacheFile (best effort: a
// save failure is logged, never fatal).
func (b *Backend) fillCatalogue(ctx context.Context) error {
	store := catalogue.CatalogueCacheStore{ServerAddress: b.cfg.ServerAddress}

	if b.cfg.CacheFile != "" {
		if err := store.Load(b.cfg.CacheFile, b.cat); err == nil && b.cat.Len() > 0 {
			b.logger.Info().Str("cache_file", b.cfg.CacheFile).Int("count", b.cat.Len()).Msg("catalogue loaded from cache")
			return nil
		}
	}

	rootID, rootName := parseRootNode(b.cfg.RootNode)

	if b.cfg.MapFile != "" {
		if err := b.fillFromMapFile(ctx, rootName); err != nil {
			return opcerr.Runtimef(opcerr.ErrMapfileParse, "%v", err)
		}
	} else if err := catalogue.PopulateFromBrowse(ctx, b.conn, b.cat, rootID, rootName); err != nil {
		return opcerr.Runtimef(opcerr.ErrConnectFailed, "browsing catalogue: %v", err)
	}

	if b.cfg.CacheFile != "" {
		if err := store.Save(b.cfg.CacheFile, b.cat); err != nil {
			b.logger.Warn().Err(err).Msg("failed to save catalogue cache (ignored)")
		}
	}
	return nil
}

func (b *Backend) fillFromMapFile(ctx context.Context, rootName string) error {
	f, err := os.Open(b.cfg.MapFile)
	if err != nil {
		return err
	}
	defer f.Close()

	var reader catalogue.MapFileReader
	switch b.cfg.MapFileFormat {
	case MapFileXML:
		reader = catalogue.XMLMapFileReader{Logger: b.logger}
	default:
		reader = catalogue.LegacyMapFileReader{Logger: b.logger}
	}

	entries, err := reader.ReadMapFile(f, rootName)
	if err != nil {
		return err
	}
	catalogue.PopulateFromMapFile(ctx, b.conn, b.cat, entries)
	return nil
}

// ensureSubscriptionManagerLocked lazily creates b.subs, wiring the
// inactivity hook, and returns it. Callers must hold ctrlMu.
func (b *Backend) ensureSubscriptionManagerLocked() *subscription.Manager {
	if b.subs == nil {
		b.subs = subscription.New(b.conn, b.metrics, b.logger)
		b.subs.OnInactivity(b.onSubscriptionInactive)
	}
	return b.subs
}

// resetClient tears down any existing subscription state and closes the
// connection, so Connect always starts from a clean slate (spec.md §4.7).
func (b *Backend) resetClient(ctx context.Context) {
	b.ctrlMu.Lock()
	subs := b.subs
	b.ctrlMu.Unlock()

	if subs != nil {
		subs.Deactivate()
		subs.Reset()
	}
	b.conn.Close(ctx)
}

// Connect (re)establishes the connection: resetClient, then connect, then
// — if a SubscriptionManager exists and async read was ever requested —
// re-arm it, matching spec.md §2's "Backend's open() reconnects and
// re-arms the subscription".
func (b *Backend) Connect(ctx context.Context) error {
	b.resetClient(ctx)

	if err := b.conn.Connect(ctx); err != nil {
		return opcerr.Runtimef(opcerr.ErrConnectFailed, "%v", err)
	}
	b.metrics.IncReconnects()

	b.ctrlMu.Lock()
	subs := b.subs
	wantsAsync := b.asyncReadRequested
	b.ctrlMu.Unlock()

	if subs != nil && wantsAsync {
		if err := subs.Activate(); err != nil {
			return opcerr.Runtimef(opcerr.ErrSubscriptionFailed, "re-arming subscription: %v", err)
		}
	}
	return nil
}

// Open joins any prior state, connects, fills the catalogue if empty, and
// polls IsConnected for up to 100ms in 20ms steps before giving up.
func (b *Backend) Open(ctx context.Context) error {
	if !b.isFunctional.Load() || !b.conn.IsConnected() {
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}

	if b.cat.Len() == 0 {
		if err := b.fillCatalogue(ctx); err != nil {
			return err
		}
	}

	b.ctrlMu.Lock()
	b.opened = true
	b.ctrlMu.Unlock()

	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		if b.conn.IsConnected() {
			return nil
		}
		if time.Now().After(deadline) {
			return opcerr.Runtime(opcerr.ErrConnectFailed)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Close marks the Backend closed, tears down subscription state, and
// closes the connection.
func (b *Backend) Close(ctx context.Context) error {
	b.ctrlMu.Lock()
	b.opened = false
	b.ctrlMu.Unlock()

	b.isFunctional.Store(false)
	b.resetClient(ctx)
	return nil
}

// ActivateAsyncRead lazily creates the SubscriptionManager, activates it,
// and — the first time a publish loop starts — sleeps twice the
// publishing interval to let initial values arrive. Guarded by asyncMu
// (L4) so concurrent callers through a logical-name-mapping layer never
// race each other. A no-op (not an error) if the Backend is not open.
func (b *Backend) ActivateAsyncRead(ctx context.Context) error {
	b.asyncMu.Lock()
	defer b.asyncMu.Unlock()

	b.ctrlMu.Lock()
	opened := b.opened
	b.ctrlMu.Unlock()
	if !opened {
		return nil
	}

	b.ctrlMu.Lock()
	subs := b.ensureSubscriptionManagerLocked()
	b.ctrlMu.Unlock()

	wasAlreadyActive := subs.AsyncReadActive()
	if err := subs.Activate(); err != nil {
		b.metrics.IncSubscriptionFailures()
		return opcerr.Runtimef(opcerr.ErrSubscriptionFailed, "%v", err)
	}

	b.ctrlMu.Lock()
	b.asyncReadRequested = true
	b.ctrlMu.Unlock()

	if !wasAlreadyActive {
		time.Sleep(2 * b.conn.PublishingInterval())
	}
	return nil
}

// SetException deactivates any active subscription and pushes an
// exception into every subscribed accessor's queue, the primary
// cancellation vehicle per spec.md §5.
func (b *Backend) SetException(reason string) {
	b.ctrlMu.Lock()
	subs := b.subs
	b.ctrlMu.Unlock()

	if subs != nil {
		subs.DeactivateAllAndPushException(reason)
	}
}

// GetRegisterAccessor resolves path against the catalogue, validates the
// requested element window, and dispatches on the register's TypeCode to
// construct the correctly wire-typed Accessor. numberOfWords=0 means "all
// elements from offset"; numberOfWords=0 with offset>0 is rejected.
func GetRegisterAccessor[User any](b *Backend, path string, flags accessor.AccessFlags, numberOfWords, offsetInRegister uint32) (RegisterAccessor[User], error) {
	info, ok := b.cat.Lookup(path)
	if !ok {
		return nil, opcerr.Logicf(opcerr.ErrRegisterNotFound, "path=%s", path)
	}

	if numberOfWords == 0 {
		if offsetInRegister > 0 {
			return nil, opcerr.Logic(opcerr.ErrInvalidOffset)
		}
		numberOfWords = info.ArrayLength - offsetInRegister
	}
	if numberOfWords+offsetInRegister > info.ArrayLength {
		return nil, opcerr.Logic(opcerr.ErrRequestExceedsLength)
	}

	b.ctrlMu.Lock()
	var subs *subscription.Manager
	if flags.WaitForNewData {
		subs = b.ensureSubscriptionManagerLocked()
	} else {
		subs = b.subs
	}
	b.ctrlMu.Unlock()

	return dispatchAccessor[User](path, info, b, subs, flags, numberOfWords, offsetInRegister)
}

// dispatchAccessor instantiates the Wire-parameterized Accessor matching
// info.TypeCode. Unknown typecodes fail RuntimeError (this should not
// happen in practice: the catalogue only ever admits the twelve checked
// typecodes via AddChecked, so this branch is defensive).
func dispatchAccessor[User any](path string, info *catalogue.RegisterInfo, b *Backend, subs *subscription.Manager, flags accessor.AccessFlags, numberOfWords, offsetInRegister uint32) (RegisterAccessor[User], error) {
	switch info.TypeCode {
	case codec.Bool:
		a, err := accessor.New[bool, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.I8:
		a, err := accessor.New[int8, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.U8:
		a, err := accessor.New[uint8, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.I16:
		a, err := accessor.New[int16, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.U16:
		a, err := accessor.New[uint16, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.I32:
		a, err := accessor.New[int32, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.U32:
		a, err := accessor.New[uint32, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.I64:
		a, err := accessor.New[int64, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.U64:
		a, err := accessor.New[uint64, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.F32:
		a, err := accessor.New[float32, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.F64:
		a, err := accessor.New[float64, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	case codec.String:
		a, err := accessor.New[string, User](path, info, b.conn, subs, b.versionMap, b.metrics, flags, numberOfWords, offsetInRegister, b.logger)
		return returnOrNil[User](a, err)
	default:
		return nil, opcerr.Runtimef(opcerr.ErrUnknownTypeCode, "path=%s typeCode=%v", path, info.TypeCode)
	}
}

// returnOrNil converts a possibly-nil *accessor.Accessor[Wire, User] into
// the RegisterAccessor[User] interface without ever wrapping a nil
// pointer inside a non-nil interface value — the classic Go footgun that
// a direct "return accessor.New(...)" would otherwise hit on the error
// path.
func returnOrNil[User, Wire any](a *accessor.Accessor[Wire, User], err error) (RegisterAccessor[User], error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}
