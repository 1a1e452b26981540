package subscription_test

import (
	"errors"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/opcconn"
	"github.com/hzdr-desy/opcua-register-backend/internal/subscription"
)

type fakeAccessor struct {
	delivered  []*ua.DataValue
	exceptions []error
}

func (f *fakeAccessor) Deliver(v *ua.DataValue)    { f.delivered = append(f.delivered, v) }
func (f *fakeAccessor) DeliverException(err error) { f.exceptions = append(f.exceptions, err) }

func newManager() *subscription.Manager {
	conn := opcconn.New(opcconn.Config{ServerAddress: "opc.tcp://localhost:4840"}, zerolog.Nop())
	return subscription.New(conn, nil, zerolog.Nop())
}

func TestSubscribeCreatesAtMostOneMonitorItemPerBrowseName(t *testing.T) {
	m := newManager()
	nodeID := ua.NewNumericNodeID(2, 1)
	a1 := &fakeAccessor{}
	a2 := &fakeAccessor{}

	if err := m.Subscribe("Dummy/scalar/int32", nodeID, "", a1, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Subscribe("Dummy/scalar/int32", nodeID, "", a2, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items := m.Items()
	count := 0
	for _, it := range items {
		if it.BrowseName == "Dummy/scalar/int32" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("invariant 3 violated: expected exactly one MonitorItem for browseName, found %d", count)
	}
	if len(items[0].Accessors) != 2 {
		t.Fatalf("expected both accessors registered on the shared MonitorItem, got %d", len(items[0].Accessors))
	}
}

func TestMonitorItemInvariantOnUnmonitoredInsert(t *testing.T) {
	m := newManager()
	nodeID := ua.NewNumericNodeID(2, 2)
	a := &fakeAccessor{}

	_ = m.Subscribe("Dummy/scalar/uint16", nodeID, "", a, nil)

	for _, it := range m.Items() {
		if it.IsMonitored && it.MonitoredItemID == 0 {
			t.Fatalf("invariant 1 violated: IsMonitored true with zero MonitoredItemID")
		}
		if !it.IsMonitored && it.MonitoredItemID != 0 {
			t.Fatalf("invariant 1 violated: MonitoredItemID set without IsMonitored")
		}
	}
}

func TestUnsubscribeRemovesOnlyRequestedAccessor(t *testing.T) {
	m := newManager()
	nodeID := ua.NewNumericNodeID(2, 3)
	a1 := &fakeAccessor{}
	a2 := &fakeAccessor{}

	_ = m.Subscribe("Dummy/scalar/int32", nodeID, "", a1, nil)
	_ = m.Subscribe("Dummy/scalar/int32", nodeID, "", a2, nil)

	if err := m.Unsubscribe("Dummy/scalar/int32", a1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items := m.Items()
	if len(items) != 1 {
		t.Fatalf("expected MonitorItem to survive while a2 remains, got %d items", len(items))
	}
	if len(items[0].Accessors) != 1 || items[0].Accessors[0] != a2 {
		t.Fatalf("expected only a2 to remain registered")
	}
}

func TestUnsubscribeLastAccessorRemovesItem(t *testing.T) {
	m := newManager()
	nodeID := ua.NewNumericNodeID(2, 4)
	a := &fakeAccessor{}

	_ = m.Subscribe("Dummy/scalar/int32", nodeID, "", a, nil)
	if err := m.Unsubscribe("Dummy/scalar/int32", a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.Items()) != 0 {
		t.Fatalf("expected MonitorItem to be removed once its last accessor unsubscribes")
	}
}

func TestDeactivateAllAndPushExceptionSkipsInactiveItems(t *testing.T) {
	m := newManager()
	nodeID := ua.NewNumericNodeID(2, 5)
	a1 := &fakeAccessor{}
	a2 := &fakeAccessor{}

	_ = m.Subscribe("Dummy/scalar/int32", nodeID, "", a1, nil)
	_ = m.Subscribe("Dummy/scalar/uint16", ua.NewNumericNodeID(2, 6), "", a2, nil)

	// Both items must be Active for handleException to notify them; since
	// neither ever went through Activate()/addMonitoredItems() (no live
	// server here), mark them active via a second Subscribe call is not
	// possible from the test, so this asserts the zero-notification case
	// instead: an inactive item must not receive an exception push.
	m.DeactivateAllAndPushException("server unreachable")

	if len(a1.exceptions) != 0 {
		t.Fatalf("expected no exception delivered to an item that was never activated, got %d", len(a1.exceptions))
	}
}

func TestSetExternalErrorDoesNotTearDownSubscription(t *testing.T) {
	m := newManager()
	nodeID := ua.NewNumericNodeID(2, 7)
	a := &fakeAccessor{}
	_ = m.Subscribe("Dummy/scalar_ro/int32", nodeID, "", a, nil)

	m.SetExternalError("Dummy/scalar_ro/int32", errors.New("BadNotWritable"))

	if _, ok := m.ExternalError("Dummy/scalar_ro/int32"); !ok {
		t.Fatalf("expected external error to be recorded")
	}
	if len(m.Items()) != 1 {
		t.Fatalf("expected the MonitorItem to remain after an external (not-writable) error")
	}
}
