// Package accessor implements the Accessor component: the per-register
// handle a caller uses for synchronous reads, synchronous writes, and
// subscription-driven asynchronous reads with exception-carrying
// notification. A generic Accessor[Wire, User] stands in for the template
// OpcUABackendRegisterAccessor<UAType, CTKType> of the original backend.
package accessor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/catalogue"
	"github.com/hzdr-desy/opcua-register-backend/internal/codec"
	"github.com/hzdr-desy/opcua-register-backend/internal/metrics"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcconn"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcerr"
	"github.com/hzdr-desy/opcua-register-backend/internal/subscription"
	"github.com/hzdr-desy/opcua-register-backend/internal/version"
)

// AccessFlags mirrors the construction-time request flags.
type AccessFlags struct {
	Raw            bool // forbidden: Construction fails with LogicError
	WaitForNewData bool
}

// DataValidity reports the outcome of the most recent postRead.
type DataValidity int

const (
	ValidityOK DataValidity = iota
	ValidityFaulty
)

// notification is what the SubscriptionManager (or a synchronous read)
// hands to an Accessor: either a fresh wire-native DataValue, or an
// exception to surface to the next Read call.
type notification struct {
	value *ua.DataValue
	err   error
}

// Accessor is the per-register, per-caller handle. Wire is the OPC UA
// wire-native Go type (bool, int32, string, ...); User is the caller's
// requested numeric/string/bool type. They may differ — e.g. a float64
// register read into an int32 user buffer saturates via internal/codec.
type Accessor[Wire, User any] struct {
	path       string
	info       *catalogue.RegisterInfo
	conn       *opcconn.Connection
	subs       *subscription.Manager
	versionMap *version.Map
	metrics    *metrics.Registry
	logger     zerolog.Logger

	numberOfWords    uint32
	offsetInRegister uint32
	isPartial        bool
	subscribed       bool

	dataMu         sync.Mutex
	lastDataValue  *ua.DataValue
	buffer         []User
	validity       DataValidity
	currentVersion version.Number

	notifyCh chan notification
}

// New constructs an Accessor bound to info, enforcing the construction-time
// invariants of spec.md §4.6: the raw access flag is forbidden, and
// numberOfWords/offset must already have been validated by the caller
// (backend.GetRegisterAccessor) against info.ArrayLength.
func New[Wire, User any](
	path string,
	info *catalogue.RegisterInfo,
	conn *opcconn.Connection,
	subs *subscription.Manager,
	versionMap *version.Map,
	reg *metrics.Registry,
	flags AccessFlags,
	numberOfWords, offsetInRegister uint32,
	logger zerolog.Logger,
) (*Accessor[Wire, User], error) {
	if flags.Raw {
		return nil, opcerr.Logic(opcerr.ErrRawAccessMode)
	}

	a := &Accessor[Wire, User]{
		path:             path,
		info:             info,
		conn:             conn,
		subs:             subs,
		versionMap:       versionMap,
		metrics:          reg,
		logger:           logger.With().Str("component", "accessor").Str("path", path).Logger(),
		numberOfWords:    numberOfWords,
		offsetInRegister: offsetInRegister,
		isPartial:        numberOfWords != info.ArrayLength,
		buffer:           make([]User, numberOfWords),
	}

	if flags.WaitForNewData {
		// Capacity 3, overwrite-oldest: see Deliver below.
		a.notifyCh = make(chan notification, 3)

		wasActive := subs.AsyncReadActive()
		if err := subs.Subscribe(path, info.NodeID, info.IndexRange, a, a.initialValueForNewcomer); err != nil {
			return nil, err
		}
		a.subscribed = true

		if wasActive {
			time.Sleep(2 * conn.PublishingInterval())
		}
	}

	return a, nil
}

// Deliver implements subscription.AccessorRef: push a cloned DataValue,
// overwrite-oldest if the bounded queue is full.
func (a *Accessor[Wire, User]) Deliver(value *ua.DataValue) {
	a.push(notification{value: value})
}

// DeliverException implements subscription.AccessorRef.
func (a *Accessor[Wire, User]) DeliverException(err error) {
	a.push(notification{err: err})
}

func (a *Accessor[Wire, User]) push(n notification) {
	select {
	case a.notifyCh <- n:
	default:
		select {
		case <-a.notifyCh:
		default:
		}
		select {
		case a.notifyCh <- n:
		default:
		}
	}
}

// initialValueForNewcomer hands a joining accessor the most recently
// delivered value held by this accessor, if any — used by
// subscription.Manager only when this accessor is itself the incumbent
// front of an already-active MonitorItem; for a brand new MonitorItem
// there is nothing to hand over yet.
func (a *Accessor[Wire, User]) initialValueForNewcomer() (*ua.DataValue, bool) {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	if a.lastDataValue == nil {
		return nil, false
	}
	return a.lastDataValue, true
}

// Interrupt unblocks a pending Read by pushing a sentinel exception; used
// by Close to wake a blocked caller instead of leaving it stuck forever.
func (a *Accessor[Wire, User]) Interrupt() {
	a.push(notification{err: opcerr.Runtime(opcerr.ErrConnectionLost)})
}

// readRaw issues the read-value-attribute call against an already-locked
// client. It never takes clientMutex itself: callers either hold it via
// conn.WithClient (doWriteTransfer's read-modify-write) or acquire it for
// the single call (doReadTransferSynchronously).
func (a *Accessor[Wire, User]) readRaw(ctx context.Context, client opcconn.Client) (*ua.DataValue, error) {
	req := &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: a.info.NodeID, AttributeID: ua.AttributeIDValue, IndexRange: a.info.IndexRange},
		},
	}
	resp, err := client.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, opcerr.Runtime(opcerr.ErrTransferFailed)
	}
	return resp.Results[0], nil
}

// doReadTransferSynchronously performs a blocking read under clientMutex
// and installs the result as lastDataValue, matching spec.md §4.6.
func (a *Accessor[Wire, User]) doReadTransferSynchronously(ctx context.Context) error {
	var dv *ua.DataValue
	err := a.conn.WithClient(func(client opcconn.Client) error {
		var readErr error
		dv, readErr = a.readRaw(ctx, client)
		return readErr
	})
	if err != nil {
		return a.handleError(ua.StatusBad, err)
	}
	if dv.Status != ua.StatusOK {
		return a.handleError(dv.Status, nil)
	}

	dv.SourceTimestamp = time.Now()

	a.dataMu.Lock()
	a.lastDataValue = dv
	a.dataMu.Unlock()
	return nil
}

// doPostRead decodes the most recently received wire value into the user
// buffer, publishing a VersionNumber derived from its source timestamp.
// hasNewData=false is a no-op: the caller simply keeps the previous
// buffer/version (spec.md §4.6).
func (a *Accessor[Wire, User]) doPostRead(hasNewData bool) error {
	if !hasNewData {
		return nil
	}

	a.dataMu.Lock()
	defer a.dataMu.Unlock()

	if a.lastDataValue == nil {
		a.validity = ValidityFaulty
		return nil
	}

	elements, err := toElementSlice(a.lastDataValue.Value.Value())
	if err != nil {
		a.validity = ValidityFaulty
		return err
	}

	for i := uint32(0); i < a.numberOfWords; i++ {
		srcIdx := a.offsetInRegister + i
		var wireElem any
		if int(srcIdx) < len(elements) {
			wireElem = elements[srcIdx]
		}
		decoded, err := codec.DecodeAny[User](wireElem)
		if err != nil {
			a.validity = ValidityFaulty
			return err
		}
		a.buffer[i] = decoded
	}

	a.validity = ValidityOK
	a.currentVersion = a.versionMap.GetVersion(a.lastDataValue.SourceTimestamp)
	return nil
}

// Read performs a full read-decode-postRead cycle: if subscribed, it waits
// for the next queued notification (no timeout — only Interrupt or an
// exception unblocks it, per spec.md §5); otherwise it performs a
// synchronous transfer. Instruments the completed-reads/read-errors
// counters and the read-duration histogram regardless of which path was
// taken.
func (a *Accessor[Wire, User]) Read(ctx context.Context) ([]User, version.Number, DataValidity, error) {
	start := time.Now()
	values, ver, validity, err := a.readLocked(ctx)
	if a.metrics != nil {
		a.metrics.ObserveReadDuration(time.Since(start).Seconds())
		if err != nil {
			a.metrics.IncReadErrors()
		} else {
			a.metrics.IncReads()
		}
	}
	return values, ver, validity, err
}

func (a *Accessor[Wire, User]) readLocked(ctx context.Context) ([]User, version.Number, DataValidity, error) {
	if a.subscribed {
		n := <-a.notifyCh
		if n.err != nil {
			return nil, version.Number{}, ValidityFaulty, n.err
		}
		a.dataMu.Lock()
		a.lastDataValue = n.value
		a.dataMu.Unlock()
		if err := a.doPostRead(true); err != nil {
			return nil, version.Number{}, a.validity, err
		}
		return a.buffer, a.currentVersion, a.validity, nil
	}

	if err := a.doReadTransferSynchronously(ctx); err != nil {
		return nil, version.Number{}, ValidityFaulty, err
	}
	if err := a.doPostRead(true); err != nil {
		return nil, version.Number{}, a.validity, err
	}
	return a.buffer, a.currentVersion, a.validity, nil
}

// doWriteTransfer implements the two REDESIGN-FLAG-fixed behaviors: a
// strict sub-range write always forces a read-modify-write, and clientMutex
// is held across the full read-modify-write via conn.WithClient so no
// other writer can interleave.
func (a *Accessor[Wire, User]) doWriteTransfer(ctx context.Context, userValues []User, versionNumber version.Number) error {
	forcePartial := a.isPartial || a.offsetInRegister > 0
	// userValues may be the slice an earlier Read returned, which aliases
	// a.buffer; the read-modify-write below refills a.buffer, so encode
	// from a private copy.
	userValues = append([]User(nil), userValues...)

	return a.conn.WithClient(func(client opcconn.Client) error {
		if forcePartial {
			dv, err := a.readRaw(ctx, client)
			if err != nil {
				return a.handleError(ua.StatusBad, err)
			}
			if dv.Status != ua.StatusOK {
				return a.handleError(dv.Status, nil)
			}
			dv.SourceTimestamp = time.Now()
			a.dataMu.Lock()
			a.lastDataValue = dv
			a.dataMu.Unlock()
			if err := a.doPostRead(true); err != nil {
				return err
			}
		}

		elements := make([]any, a.info.ArrayLength)
		if forcePartial {
			a.dataMu.Lock()
			existing, _ := toElementSlice(a.lastDataValue.Value.Value())
			copy(elements, existing)
			a.dataMu.Unlock()
		}

		for i, uv := range userValues {
			encoded, err := codec.EncodeAny(uv, a.info.TypeCode)
			if err != nil {
				return err
			}
			idx := a.offsetInRegister + uint32(i)
			if int(idx) < len(elements) {
				elements[idx] = encoded
			}
		}

		var variant *ua.Variant
		var err error
		if len(userValues) == 1 && a.info.ArrayLength == 1 {
			variant, err = ua.NewVariant(elements[0])
		} else {
			variant, err = ua.NewVariant(elements)
		}
		if err != nil {
			return opcerr.Runtimef(opcerr.ErrTransferFailed, "encoding write variant: %v", err)
		}

		req := &ua.WriteRequest{
			NodesToWrite: []*ua.WriteValue{
				{
					NodeID:      a.info.NodeID,
					AttributeID: ua.AttributeIDValue,
					Value:       &ua.DataValue{Value: variant, EncodingMask: ua.DataValueValue},
				},
			},
		}

		resp, writeErr := client.Write(ctx, req)
		if writeErr != nil {
			return a.handleError(ua.StatusBad, writeErr)
		}
		if len(resp.Results) == 0 {
			return a.handleError(ua.StatusBad, nil)
		}
		status := resp.Results[0]
		if status == ua.StatusBadNotWritable || status == ua.StatusBadWriteNotSupported {
			if a.subs != nil {
				a.subs.SetExternalError(a.path, opcerr.Logic(opcerr.ErrNotWritable))
			}
			return opcerr.Logic(opcerr.ErrNotWritable)
		}
		if status != ua.StatusOK {
			return a.handleError(status, nil)
		}

		a.dataMu.Lock()
		a.currentVersion = versionNumber
		a.dataMu.Unlock()
		return nil
	})
}

// Write validates the buffer length against numberOfWords and performs the
// write transfer, stamping a fresh version on success. Instruments the
// completed-writes/write-errors/not-writable counters and the
// write-duration histogram.
func (a *Accessor[Wire, User]) Write(ctx context.Context, values []User) error {
	start := time.Now()
	err := a.writeLocked(ctx, values)
	if a.metrics != nil {
		a.metrics.ObserveWriteDuration(time.Since(start).Seconds())
		switch {
		case errors.Is(err, opcerr.ErrNotWritable):
			a.metrics.IncNotWritable()
		case err != nil:
			a.metrics.IncWriteErrors()
		default:
			a.metrics.IncWrites()
		}
	}
	return err
}

func (a *Accessor[Wire, User]) writeLocked(ctx context.Context, values []User) error {
	if !a.info.IsWriteable() {
		return opcerr.Logic(opcerr.ErrNotWritable)
	}
	if len(values) != int(a.numberOfWords) {
		return opcerr.Logicf(opcerr.ErrRequestExceedsLength, "buffer of %d values for an accessor of %d elements", len(values), a.numberOfWords)
	}
	v := a.versionMap.GetVersion(time.Now())
	return a.doWriteTransfer(ctx, values, v)
}

// handleError marks an external error on the SubscriptionManager (if one
// is present), marks the connection disconnected so the next Open
// reconnects, and fails RuntimeError. The client itself is not closed
// here; Backend.Connect closes it on the next Open.
func (a *Accessor[Wire, User]) handleError(status ua.StatusCode, cause error) error {
	if a.subs != nil {
		a.subs.SetExternalError(a.path, opcerr.Runtimef(opcerr.ErrTransferFailed, "status %s", status))
	}
	a.conn.MarkDisconnected()
	if cause != nil {
		return opcerr.Runtimef(opcerr.ErrTransferFailed, "node %s status %s: %v", a.path, status, cause)
	}
	return opcerr.Runtimef(opcerr.ErrTransferFailed, "node %s status %s", a.path, status)
}

// Close is the destructor-equivalent: it unsubscribes from the
// SubscriptionManager (a no-op if this accessor never subscribed) and
// interrupts any caller still blocked in Read.
func (a *Accessor[Wire, User]) Close() error {
	a.Interrupt()
	if a.subscribed && a.subs != nil {
		return a.subs.Unsubscribe(a.path, a)
	}
	return nil
}

// Validity reports the outcome of the most recent postRead.
func (a *Accessor[Wire, User]) Validity() DataValidity { return a.validity }

// toElementSlice normalizes a ua.Variant's decoded Value (scalar or
// []any-equivalent array) into a flat []any so offset/length arithmetic is
// uniform regardless of whether the register is scalar or array-typed.
func toElementSlice(value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []bool:
		return anySliceOf(v), nil
	case []int8:
		return anySliceOf(v), nil
	case []uint8:
		return anySliceOf(v), nil
	case []int16:
		return anySliceOf(v), nil
	case []uint16:
		return anySliceOf(v), nil
	case []int32:
		return anySliceOf(v), nil
	case []uint32:
		return anySliceOf(v), nil
	case []int64:
		return anySliceOf(v), nil
	case []uint64:
		return anySliceOf(v), nil
	case []float32:
		return anySliceOf(v), nil
	case []float64:
		return anySliceOf(v), nil
	case []string:
		return anySliceOf(v), nil
	default:
		return []any{value}, nil
	}
}

func anySliceOf[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
