package accessor

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/hzdr-desy/opcua-register-backend/internal/catalogue"
	"github.com/hzdr-desy/opcua-register-backend/internal/codec"
	"github.com/hzdr-desy/opcua-register-backend/internal/opcerr"
	"github.com/hzdr-desy/opcua-register-backend/internal/version"
)

func TestNewRejectsRawAccessMode(t *testing.T) {
	info := &catalogue.RegisterInfo{Path: "x", TypeCode: codec.I32, ArrayLength: 1}
	_, err := New[int32, int32]("x", info, nil, nil, nil, nil, AccessFlags{Raw: true}, 1, 0, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected an error for raw access mode")
	}
	if !opcerr.Is(err, opcerr.KindLogic) {
		t.Fatalf("expected a LogicError, got %v", err)
	}
}

func newTestAccessor(numberOfWords, offset, arrayLength uint32) *Accessor[int32, int32] {
	info := &catalogue.RegisterInfo{
		Path:        "Dummy/array/int32",
		TypeCode:    codec.I32,
		ArrayLength: arrayLength,
		AccessModes: catalogue.AccessRead | catalogue.AccessWrite,
	}
	return &Accessor[int32, int32]{
		path:             info.Path,
		info:             info,
		versionMap:       version.New(),
		numberOfWords:    numberOfWords,
		offsetInRegister: offset,
		isPartial:        numberOfWords != arrayLength,
		buffer:           make([]int32, numberOfWords),
	}
}

func TestDoPostReadDecodesOffsetWindow(t *testing.T) {
	a := newTestAccessor(2, 1, 5)
	a.lastDataValue = &ua.DataValue{
		Value:           mustVariant([]int32{10, 20, 30, 40, 50}),
		SourceTimestamp: time.Now(),
	}

	if err := a.doPostRead(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.validity != ValidityOK {
		t.Fatalf("expected ValidityOK")
	}
	if a.buffer[0] != 20 || a.buffer[1] != 30 {
		t.Fatalf("expected window [20 30], got %v", a.buffer)
	}
}

func TestDoPostReadNoNewDataIsNoOp(t *testing.T) {
	a := newTestAccessor(1, 0, 1)
	a.buffer[0] = 99
	if err := a.doPostRead(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.buffer[0] != 99 {
		t.Fatalf("expected buffer untouched when hasNewData is false")
	}
}

func TestDoPostReadFaultyWhenNoDataValue(t *testing.T) {
	a := newTestAccessor(1, 0, 1)
	if err := a.doPostRead(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.validity != ValidityFaulty {
		t.Fatalf("expected ValidityFaulty when lastDataValue is nil")
	}
}

func TestNotificationQueueOverwritesOldest(t *testing.T) {
	a := newTestAccessor(1, 0, 1)
	a.notifyCh = make(chan notification, 3)

	for i := 0; i < 5; i++ {
		a.Deliver(&ua.DataValue{SourceTimestamp: time.Unix(int64(i), 0)})
	}

	if len(a.notifyCh) != 3 {
		t.Fatalf("expected queue capped at 3, got %d", len(a.notifyCh))
	}

	first := <-a.notifyCh
	if first.value.SourceTimestamp.Unix() != 2 {
		t.Fatalf("expected oldest two entries overwritten, front is now index 2, got %v", first.value.SourceTimestamp)
	}
}

func TestDeliverExceptionSurfacesOnRead(t *testing.T) {
	a := newTestAccessor(1, 0, 1)
	a.subscribed = true
	a.notifyCh = make(chan notification, 3)

	a.DeliverException(opcerr.Runtime(opcerr.ErrConnectionLost))

	_, _, _, err := a.Read(nil)
	if err == nil || !opcerr.Is(err, opcerr.KindRuntime) {
		t.Fatalf("expected a RuntimeError surfaced from the queued exception, got %v", err)
	}
}

func TestToElementSliceNormalizesTypedArrays(t *testing.T) {
	elems, err := toElementSlice([]int32{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(elems) != 3 || elems[1] != int32(2) {
		t.Fatalf("unexpected normalized slice: %v", elems)
	}

	scalar, err := toElementSlice(int32(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scalar) != 1 || scalar[0] != int32(7) {
		t.Fatalf("expected scalar wrapped as single-element slice, got %v", scalar)
	}
}

func mustVariant(v any) *ua.Variant {
	variant, err := ua.NewVariant(v)
	if err != nil {
		panic(err)
	}
	return variant
}
