// Package subscription implements the SubscriptionManager component: the
// single OPC UA subscription multiplexing many monitored items, the
// publish-loop goroutine, and the fan-out of values/exceptions into
// subscribed accessors' notification queues.
package subscription

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/metrics"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcconn"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcerr"
)

// AccessorRef is the narrow surface the SubscriptionManager needs from a
// subscribed Accessor: push a fresh value or an exception into its
// notification queue. internal/accessor.Accessor implements this.
type AccessorRef interface {
	Deliver(value *ua.DataValue)
	DeliverException(err error)
}

// MonitorItem is one subscribed OPC UA variable, keyed by BrowseName
// within the Manager. Invariant: IsMonitored ⇔ MonitoredItemID != 0 ∧
// present in Manager.idMap.
type MonitorItem struct {
	BrowseName      string
	NodeID          *ua.NodeID
	IndexRange      string
	MonitoredItemID uint32
	IsMonitored     bool
	Active          bool
	HasException    bool
	Accessors       []AccessorRef
}

// Manager owns exactly one *opcua.Subscription. itemsMu (L2) guards items
// and idMap; the connection's client mutex (L1) guards native calls.
// Lock order is always items-mutex before client-mutex: wherever a call
// needs both, itemsMu is dropped, the native call made, and itemsMu
// re-acquired to install the result.
type Manager struct {
	conn    *opcconn.Connection
	metrics *metrics.Registry
	logger  zerolog.Logger

	itemsMu sync.Mutex
	items   []*MonitorItem
	idMap   map[uint32]*MonitorItem

	subscriptionActive bool
	asyncReadActive    bool
	subscriptionID     uint32
	sub                *opcua.Subscription
	notifyCh           chan *opcua.PublishNotificationData

	running      atomic.Bool
	needsRemoval atomic.Bool

	externalErrors map[string]error
	errMu          sync.Mutex

	onInactivity func(reason string)

	wg sync.WaitGroup
}

// OnInactivity registers fn to be invoked, in addition to the normal
// exception fan-out, whenever the publish loop observes a notification
// error — the subscription-inactivity case spec.md §4.7 calls out
// separately because it additionally requires forcing the Connection's
// session state to CLOSED, which only the Backend (owner of the
// Connection) can do.
func (m *Manager) OnInactivity(fn func(reason string)) { m.onInactivity = fn }

// New constructs a Manager bound to conn. No subscription is created
// until CreateSubscription (typically via Activate) is called.
func New(conn *opcconn.Connection, reg *metrics.Registry, logger zerolog.Logger) *Manager {
	return &Manager{
		conn:           conn,
		metrics:        reg,
		logger:         logger.With().Str("component", "subscription").Logger(),
		idMap:          make(map[uint32]*MonitorItem),
		externalErrors: make(map[string]error),
	}
}

func (m *Manager) findItem(browseName string) *MonitorItem {
	for _, it := range m.items {
		if it.BrowseName == browseName {
			return it
		}
	}
	return nil
}

// Subscribe registers accessor against browseName/nodeID. If the
// MonitorItem already exists and is active, the newcomer receives an
// immediate initial-value handoff from the incumbent front accessor: its
// queue head if non-empty, else nothing (the accessor's own decode path
// handles the "no initial value yet" case). The handoff is guarded by the
// accessor's own per-accessor mutex via its Deliver method, so it never
// races the decode step.
func (m *Manager) Subscribe(browseName string, nodeID *ua.NodeID, indexRange string, accessor AccessorRef, initialValue func() (*ua.DataValue, bool)) error {
	m.itemsMu.Lock()

	item := m.findItem(browseName)
	isNew := item == nil
	if isNew {
		item = &MonitorItem{BrowseName: browseName, NodeID: nodeID, IndexRange: indexRange}
		m.items = append(m.items, item)
	}
	item.Accessors = append(item.Accessors, accessor)
	active := item.Active

	m.itemsMu.Unlock()

	if !isNew && active && initialValue != nil {
		if dv, ok := initialValue(); ok {
			accessor.Deliver(dv)
		}
	}

	if m.AsyncReadActive() {
		return m.addMonitoredItems()
	}
	return nil
}

// addMonitoredItems builds monitored-item requests for every item with
// ¬IsMonitored, issuing the native call with itemsMu released (the call
// can re-enter via notifyCh delivery, which would deadlock if itemsMu
// were held), then re-acquires itemsMu to install results.
func (m *Manager) addMonitoredItems() error {
	m.itemsMu.Lock()
	var pending []*MonitorItem
	for _, it := range m.items {
		if !it.IsMonitored {
			pending = append(pending, it)
		}
	}
	m.itemsMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := m.ensureSubscription(); err != nil {
		return err
	}

	requests := make([]*ua.MonitoredItemCreateRequest, len(pending))
	for i, it := range pending {
		requests[i] = &ua.MonitoredItemCreateRequest{
			ItemToMonitor: &ua.ReadValueID{
				NodeID:      it.NodeID,
				AttributeID: ua.AttributeIDValue,
				IndexRange:  it.IndexRange,
			},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: &ua.MonitoringParameters{
				ClientHandle:     nextClientHandle(),
				SamplingInterval: float64(m.conn.PublishingInterval().Milliseconds()),
				QueueSize:        1,
				DiscardOldest:    true,
			},
		}
	}

	var results []*ua.MonitoredItemCreateResult
	err := m.conn.WithClient(func(client opcconn.Client) error {
		resp, err := m.sub.Monitor(context.Background(), ua.TimestampsToReturnBoth, requests...)
		if err != nil {
			return err
		}
		results = resp.Results
		return nil
	})
	if err != nil {
		return opcerr.Runtimef(opcerr.ErrSubscriptionFailed, "adding monitored items: %v", err)
	}

	m.itemsMu.Lock()
	defer m.itemsMu.Unlock()
	for i, it := range pending {
		if i >= len(results) {
			break
		}
		res := results[i]
		if res.StatusCode != ua.StatusOK {
			m.logger.Warn().Str("browse_name", it.BrowseName).Stringer("status", res.StatusCode).Msg("failed to create monitored item")
			continue
		}
		it.MonitoredItemID = res.MonitoredItemID
		it.IsMonitored = true
		m.idMap[res.MonitoredItemID] = it
		if m.asyncReadActive {
			it.Active = true
		}
	}
	if m.metrics != nil {
		m.metrics.SetActiveMonitoredItems(len(m.idMap))
	}
	return nil
}

var clientHandleSeq atomic.Uint32

func nextClientHandle() uint32 { return clientHandleSeq.Add(1) }

// ensureSubscription lazily creates the single server-side subscription.
func (m *Manager) ensureSubscription() error {
	if m.subscriptionActive {
		return nil
	}
	return m.createSubscription()
}

// createSubscription issues a create-subscription request. If the server
// revises the publishing interval (gopcua exposes it as
// sub.Parameters.Interval), the revision is logged as a warning only:
// monitored items keep requesting the configured PublishingInterval as
// their sampling interval.
func (m *Manager) createSubscription() error {
	notifyCh := make(chan *opcua.PublishNotificationData, 16)

	var sub *opcua.Subscription
	err := m.conn.WithClient(func(client opcconn.Client) error {
		params := &opcua.SubscriptionParameters{Interval: m.conn.PublishingInterval()}
		created, err := client.Subscribe(context.Background(), params, notifyCh)
		if err != nil {
			return err
		}
		sub = created
		return nil
	})
	if err != nil {
		return opcerr.Runtimef(opcerr.ErrSubscriptionFailed, "creating subscription: %v", err)
	}

	if sub.Parameters != nil && sub.Parameters.Interval != m.conn.PublishingInterval() {
		m.logger.Warn().
			Dur("requested", m.conn.PublishingInterval()).
			Dur("revised", sub.Parameters.Interval).
			Msg("server revised publishing interval")
	}

	m.sub = sub
	m.subscriptionID = sub.SubscriptionID
	m.notifyCh = notifyCh
	m.subscriptionActive = true

	m.startRunLoop()
	return nil
}

// startRunLoop starts the single extra goroutine per active subscription:
// it drains notifyCh and invokes responseHandler, matching the
// single-extra-thread model of the original C client (gopcua's own
// internal pump already performs the iterate-equivalent work).
func (m *Manager) startRunLoop() {
	if m.running.Load() {
		return
	}
	m.running.Store(true)
	m.wg.Add(1)
	go m.runClient()
}

func (m *Manager) runClient() {
	defer m.wg.Done()
	for {
		if m.needsRemoval.Load() {
			m.performRemoval()
			m.running.Store(false)
			return
		}
		select {
		case notif, ok := <-m.notifyCh:
			if !ok {
				m.running.Store(false)
				return
			}
			m.handleNotification(notif)
		case <-time.After(m.conn.PublishingInterval() / 2):
		}
	}
}

func (m *Manager) handleNotification(notif *opcua.PublishNotificationData) {
	if notif == nil {
		return
	}
	if notif.Error != nil {
		m.handleException(notif.Error.Error())
		if m.onInactivity != nil {
			m.onInactivity(notif.Error.Error())
		}
		return
	}
	dcn, ok := notif.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	for _, item := range dcn.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		m.responseHandler(item.ClientHandle, item.Value)
	}
}

// responseHandler is the single native callback: it locates the
// MonitorItem by monitored-item id and fans a deep copy of value out to
// every subscribed accessor, overwrite-oldest. A response for an unknown
// id is logged and dropped (race: the item was just removed).
func (m *Manager) responseHandler(monID uint32, value *ua.DataValue) {
	m.itemsMu.Lock()
	item, ok := m.idMap[monID]
	if !ok {
		m.itemsMu.Unlock()
		m.logger.Debug().Uint32("monitored_item_id", monID).Msg("dropping notification for unknown monitored item")
		return
	}
	item.HasException = false
	accessors := append([]AccessorRef(nil), item.Accessors...)
	m.itemsMu.Unlock()

	for _, a := range accessors {
		a.Deliver(cloneDataValue(value))
	}
}

// cloneDataValue produces an independent copy of value so that each
// subscribed accessor's queue holds storage disjoint from the publish
// loop's own buffer and from every other accessor's copy (spec.md §5
// "ownership of wire values ... deep-copied").
func cloneDataValue(v *ua.DataValue) *ua.DataValue {
	if v == nil {
		return nil
	}
	clone := *v
	if v.Value != nil {
		val := v.Value.Value()
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.Slice {
			cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
			reflect.Copy(cp, rv)
			val = cp.Interface()
		}
		if nv, err := ua.NewVariant(val); err == nil {
			clone.Value = nv
		}
	}
	return &clone
}

// Activate ensures the subscription exists, marks asyncReadActive, adds
// any pending monitored items, and marks all existing items active.
func (m *Manager) Activate() error {
	if err := m.ensureSubscription(); err != nil {
		return err
	}
	m.asyncReadActive = true
	if err := m.addMonitoredItems(); err != nil {
		return err
	}
	m.itemsMu.Lock()
	for _, it := range m.items {
		it.Active = true
	}
	m.itemsMu.Unlock()
	return nil
}

// Deactivate marks all items inactive. If the run loop is active it sets
// the deferred-removal flag (consumed at the next iteration boundary,
// never a synchronous client-mutex acquisition from inside a callback);
// otherwise it removes the subscription synchronously.
func (m *Manager) Deactivate() {
	m.itemsMu.Lock()
	for _, it := range m.items {
		it.Active = false
	}
	m.asyncReadActive = false
	running := m.running.Load()
	m.itemsMu.Unlock()

	if running {
		m.needsRemoval.Store(true)
		return
	}
	m.performRemoval()
}

func (m *Manager) performRemoval() {
	if !m.subscriptionActive {
		return
	}
	_ = m.conn.WithClient(func(client opcconn.Client) error {
		if m.sub != nil {
			return m.sub.Cancel(context.Background())
		}
		return nil
	})
	m.subscriptionActive = false
	m.sub = nil
	m.subscriptionID = 0
	m.needsRemoval.Store(false)
}

// handleException marks hasException on every active item lacking it and
// pushes an exception payload into every subscribed accessor's queue,
// overwrite semantics.
func (m *Manager) handleException(message string) {
	m.itemsMu.Lock()
	var toNotify []AccessorRef
	for _, it := range m.items {
		if it.Active && !it.HasException {
			it.HasException = true
			toNotify = append(toNotify, it.Accessors...)
		}
	}
	m.itemsMu.Unlock()

	err := opcerr.Runtimef(opcerr.ErrConnectionLost, "%s", message)
	for _, a := range toNotify {
		a.DeliverException(err)
	}
}

// DeactivateAllAndPushException is handleException followed by Deactivate.
func (m *Manager) DeactivateAllAndPushException(message string) {
	m.handleException(message)
	m.Deactivate()
}

// SetExternalError records the last external error for browseName: a
// not-writable LogicError or a transfer RuntimeError passed in by the
// accessor's handleError. Recording it does not tear the subscription
// down, matching S6.
func (m *Manager) SetExternalError(browseName string, err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.externalErrors[browseName] = err
}

// Reset marks every MonitorItem as unmonitored and drops the native
// monitored-item id map, used by a reconnect: the previous session's
// monitored-item ids are invalid against the fresh subscription a
// reconnect creates, so addMonitoredItems must treat every item as
// pending again instead of skipping it as already-monitored.
func (m *Manager) Reset() {
	m.itemsMu.Lock()
	defer m.itemsMu.Unlock()
	for _, it := range m.items {
		it.IsMonitored = false
		it.MonitoredItemID = 0
		it.Active = false
	}
	m.idMap = make(map[uint32]*MonitorItem)
	if m.metrics != nil {
		m.metrics.SetActiveMonitoredItems(0)
	}
}

// AsyncReadActive reports whether ActivateAsyncRead has been called and not
// yet deactivated — used by internal/accessor to decide whether a newly
// constructed accessor must wait out the publish-loop warm-up sleep.
func (m *Manager) AsyncReadActive() bool {
	m.itemsMu.Lock()
	defer m.itemsMu.Unlock()
	return m.asyncReadActive
}

// ExternalError returns the last recorded external error for browseName.
func (m *Manager) ExternalError(browseName string) (error, bool) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	err, ok := m.externalErrors[browseName]
	return err, ok
}

// Unsubscribe removes accessor from browseName's MonitorItem. If it was
// the last accessor, the item is removed entirely and the server-side
// monitored item deleted. If no items remain, the subscription itself is
// torn down and the run loop stopped and joined.
func (m *Manager) Unsubscribe(browseName string, accessor AccessorRef) error {
	m.itemsMu.Lock()
	item := m.findItem(browseName)
	if item == nil {
		m.itemsMu.Unlock()
		return nil
	}

	removeItem := len(item.Accessors) <= 1
	if !removeItem {
		item.Accessors = removeAccessor(item.Accessors, accessor)
		m.itemsMu.Unlock()
		return nil
	}

	monID := item.MonitoredItemID
	m.items = removeMonitorItem(m.items, item)
	delete(m.idMap, monID)
	noItemsLeft := len(m.items) == 0
	activeCount := len(m.idMap)
	m.itemsMu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveMonitoredItems(activeCount)
	}

	if monID != 0 {
		_ = m.conn.WithClient(func(client opcconn.Client) error {
			if m.sub == nil {
				return nil
			}
			_, err := m.sub.Unmonitor(context.Background(), monID)
			return err
		})
	}

	if noItemsLeft {
		m.Deactivate()
		m.wg.Wait()
	}
	return nil
}

func removeAccessor(list []AccessorRef, target AccessorRef) []AccessorRef {
	out := list[:0]
	for _, a := range list {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}

func removeMonitorItem(list []*MonitorItem, target *MonitorItem) []*MonitorItem {
	out := list[:0]
	for _, it := range list {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}

// Items returns a snapshot of the current MonitorItems, for tests
// asserting invariant 1 (isMonitored ⇔ monitoredItemId != 0 ∧ in idMap)
// and invariant 3 (at most one MonitorItem per browseName).
func (m *Manager) Items() []MonitorItem {
	m.itemsMu.Lock()
	defer m.itemsMu.Unlock()
	out := make([]MonitorItem, len(m.items))
	for i, it := range m.items {
		out[i] = *it
	}
	return out
}
