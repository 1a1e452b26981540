package opcuabackend

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/accessor"
	"github.com/hzdr-desy/opcua-register-backend/internal/catalogue"
	"github.com/hzdr-desy/opcua-register-backend/internal/codec"
	"github.com/hzdr-desy/opcua-register-backend/internal/metrics"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcconn"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcuatest"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcerr"
	"github.com/hzdr-desy/opcua-register-backend/internal/version"
)

// newTestBackend wires a Backend directly onto a fake transport, bypassing
// Open/Connect (which always dials a real *opcua.Client — see DESIGN.md
// for why that seam stops at opcconn.Client rather than reaching into
// opcconn.Connection.Connect).
// Tests populate the catalogue by hand instead of via fillCatalogue.
func newTestBackend(srv *opcuatest.Server) *Backend {
	logger := zerolog.Nop()
	b := &Backend{
		cfg:        Config{ServerAddress: "opc.tcp://test", PublishingInterval: 10 * time.Millisecond},
		logger:     logger,
		cat:        catalogue.New(logger),
		versionMap: version.New(),
		metrics:    metrics.NewRegistry(),
		opened:     true,
	}
	b.conn = opcconn.NewWithClient(opcconn.Config{
		ServerAddress:      b.cfg.ServerAddress,
		PublishingInterval: b.cfg.PublishingInterval,
	}, logger, opcuatest.NewClient(srv))
	b.conn.OnStateChange(b.onStateChange)
	return b
}

func TestSimpleReadReturnsSeededScalar(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Dummy/scalar/int32")
	if err := srv.AddNode(nodeID, int32(42), true); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	b := newTestBackend(srv)
	b.cat.Add(catalogue.RegisterInfo{
		Path: "Dummy/scalar/int32", NodeID: nodeID, TypeCode: codec.I32, ArrayLength: 1,
		AccessModes: catalogue.AccessRead | catalogue.AccessWrite,
	})

	acc, err := GetRegisterAccessor[int32](b, "Dummy/scalar/int32", accessor.AccessFlags{}, 1, 0)
	if err != nil {
		t.Fatalf("GetRegisterAccessor: %v", err)
	}
	defer acc.Close()

	values, v1, validity, err := acc.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(values) != 1 || values[0] != 42 {
		t.Fatalf("expected [42], got %v", values)
	}
	if validity != accessor.ValidityOK {
		t.Fatalf("expected ValidityOK")
	}
	if v1.IsZero() {
		t.Fatalf("expected a non-zero VersionNumber")
	}

	_, v2, _, err := acc.Read(context.Background())
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if v2.Sequence() < v1.Sequence() {
		t.Fatalf("expected VersionNumber to be monotonic, got %v then %v", v1, v2)
	}
}

func TestPartialArrayWriteThenReadRoundTrips(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Dummy/array/string")
	initial := []string{"42", "42", "42", "42", "42"}
	if err := srv.AddNode(nodeID, initial, true); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	b := newTestBackend(srv)
	b.cat.Add(catalogue.RegisterInfo{
		Path: "Dummy/array/string", NodeID: nodeID, TypeCode: codec.String, ArrayLength: 5,
		AccessModes: catalogue.AccessRead | catalogue.AccessWrite,
	})

	full, err := GetRegisterAccessor[string](b, "Dummy/array/string", accessor.AccessFlags{}, 5, 0)
	if err != nil {
		t.Fatalf("GetRegisterAccessor(full): %v", err)
	}
	defer full.Close()

	values, _, _, err := full.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	values = append([]string(nil), values...)
	values[2] = "new value at 2"
	if err := full.Write(context.Background(), values); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reread, _, _, err := full.Read(context.Background())
	if err != nil {
		t.Fatalf("re-Read: %v", err)
	}
	want := []string{"42", "42", "new value at 2", "42", "42"}
	for i := range want {
		if reread[i] != want[i] {
			t.Fatalf("element %d: expected %q, got %q (full %v)", i, want[i], reread[i], reread)
		}
	}

	sub, err := GetRegisterAccessor[string](b, "Dummy/array/string", accessor.AccessFlags{}, 2, 1)
	if err != nil {
		t.Fatalf("GetRegisterAccessor(sub): %v", err)
	}
	defer sub.Close()

	subValues, _, _, err := sub.Read(context.Background())
	if err != nil {
		t.Fatalf("sub Read: %v", err)
	}
	if subValues[0] != "42" || subValues[1] != "new value at 2" {
		t.Fatalf("expected sub window [42 \"new value at 2\"], got %v", subValues)
	}
	subValues[1] = "new value at 2 from partial write"
	if err := sub.Write(context.Background(), subValues); err != nil {
		t.Fatalf("sub Write: %v", err)
	}

	final, _, _, err := full.Read(context.Background())
	if err != nil {
		t.Fatalf("final Read: %v", err)
	}
	wantFinal := []string{"42", "42", "new value at 2", "new value at 2 from partial write", "42"}
	for i := range wantFinal {
		if final[i] != wantFinal[i] {
			t.Fatalf("element %d: expected %q, got %q (full %v)", i, wantFinal[i], final[i], final)
		}
	}
}

func TestWriteToReadOnlyRegisterFailsWithLogicError(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Dummy/scalar_ro/int32")
	if err := srv.AddNode(nodeID, int32(1), false); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	b := newTestBackend(srv)
	b.cat.Add(catalogue.RegisterInfo{
		Path: "Dummy/scalar_ro/int32", NodeID: nodeID, TypeCode: codec.I32, ArrayLength: 1,
		ReadOnly: true, AccessModes: catalogue.AccessRead,
	})

	acc, err := GetRegisterAccessor[int32](b, "Dummy/scalar_ro/int32", accessor.AccessFlags{}, 1, 0)
	if err != nil {
		t.Fatalf("GetRegisterAccessor: %v", err)
	}
	defer acc.Close()

	err = acc.Write(context.Background(), []int32{99})
	if err == nil || !opcerr.Is(err, opcerr.KindLogic) {
		t.Fatalf("expected a LogicError, got %v", err)
	}
}

func TestGetRegisterAccessorRejectsUnknownPath(t *testing.T) {
	b := newTestBackend(opcuatest.NewServer())
	_, err := GetRegisterAccessor[int32](b, "Dummy/missing", accessor.AccessFlags{}, 1, 0)
	if err == nil || !opcerr.Is(err, opcerr.KindLogic) {
		t.Fatalf("expected a LogicError for an unknown path, got %v", err)
	}
}

func TestGetRegisterAccessorRejectsOffsetWithoutLength(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Dummy/array/int32")
	if err := srv.AddNode(nodeID, []int32{1, 2, 3}, true); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	b := newTestBackend(srv)
	b.cat.Add(catalogue.RegisterInfo{Path: "Dummy/array/int32", NodeID: nodeID, TypeCode: codec.I32, ArrayLength: 3})

	_, err := GetRegisterAccessor[int32](b, "Dummy/array/int32", accessor.AccessFlags{}, 0, 1)
	if err == nil || !opcerr.Is(err, opcerr.KindLogic) {
		t.Fatalf("expected a LogicError for offset>0 with numberOfWords=0, got %v", err)
	}
}

func TestGetRegisterAccessorRejectsWindowExceedingLength(t *testing.T) {
	srv := opcuatest.NewServer()
	nodeID := ua.NewStringNodeID(2, "Dummy/array/int32")
	if err := srv.AddNode(nodeID, []int32{1, 2, 3}, true); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	b := newTestBackend(srv)
	b.cat.Add(catalogue.RegisterInfo{Path: "Dummy/array/int32", NodeID: nodeID, TypeCode: codec.I32, ArrayLength: 3})

	_, err := GetRegisterAccessor[int32](b, "Dummy/array/int32", accessor.AccessFlags{}, 2, 2)
	if err == nil || !opcerr.Is(err, opcerr.KindLogic) {
		t.Fatalf("expected a LogicError for a window exceeding ArrayLength, got %v", err)
	}
}
