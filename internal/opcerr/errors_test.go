package opcerr_test

import (
	"errors"
	"testing"

	"github.com/hzdr-desy/opcua-register-backend/internal/opcerr"
)

func TestLogicErrorKind(t *testing.T) {
	err := opcerr.Logicf(opcerr.ErrRegisterNotFound, "path=%s", "Dummy/scalar/int32")
	if err.Kind() != opcerr.KindLogic {
		t.Fatalf("expected KindLogic, got %v", err.Kind())
	}
	if !errors.Is(err, opcerr.ErrRegisterNotFound) {
		t.Fatalf("expected errors.Is to unwrap to ErrRegisterNotFound")
	}
	if !opcerr.Is(err, opcerr.KindLogic) {
		t.Fatalf("expected opcerr.Is(err, KindLogic) to be true")
	}
	if opcerr.Is(err, opcerr.KindRuntime) {
		t.Fatalf("expected opcerr.Is(err, KindRuntime) to be false")
	}
}

func TestRuntimeErrorKind(t *testing.T) {
	err := opcerr.Runtimef(opcerr.ErrConnectFailed, "address=%s", "opc.tcp://localhost:4840")
	if err.Kind() != opcerr.KindRuntime {
		t.Fatalf("expected KindRuntime, got %v", err.Kind())
	}
	if !errors.Is(err, opcerr.ErrConnectFailed) {
		t.Fatalf("expected errors.Is to unwrap to ErrConnectFailed")
	}
}

func TestErrorKindString(t *testing.T) {
	if opcerr.KindLogic.String() != "LogicError" {
		t.Fatalf("unexpected string for KindLogic: %s", opcerr.KindLogic.String())
	}
	if opcerr.KindRuntime.String() != "RuntimeError" {
		t.Fatalf("unexpected string for KindRuntime: %s", opcerr.KindRuntime.String())
	}
}
