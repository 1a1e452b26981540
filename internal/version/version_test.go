package version_test

import (
	"testing"
	"time"

	"github.com/hzdr-desy/opcua-register-backend/internal/version"
)

func TestGetVersionIsStableForSameTimestamp(t *testing.T) {
	m := version.New()
	ts := time.Unix(1700000000, 0)

	n1 := m.GetVersion(ts)
	n2 := m.GetVersion(ts)

	if n1 != n2 {
		t.Fatalf("expected identical Number for identical timestamp, got %v and %v", n1, n2)
	}
}

func TestGetVersionTwoMapsAgreeWhenSharedViaSingleton(t *testing.T) {
	ts := time.Unix(1700000001, 0)

	n1 := version.Singleton().GetVersion(ts)
	n2 := version.Singleton().GetVersion(ts)

	if n1 != n2 {
		t.Fatalf("singleton map must agree across calls, got %v and %v", n1, n2)
	}
}

func TestGetVersionMonotonicForDistinctTimestamps(t *testing.T) {
	m := version.New()
	n1 := m.GetVersion(time.Unix(1, 0))
	n2 := m.GetVersion(time.Unix(2, 0))

	if !n1.Before(n2) {
		t.Fatalf("expected n1 before n2, got sequences %d and %d", n1.Sequence(), n2.Sequence())
	}
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	m := version.New()
	base := time.Unix(0, 0)

	first := m.GetVersion(base)
	for i := 1; i < 2001; i++ {
		m.GetVersion(base.Add(time.Duration(i) * time.Second))
	}

	if got := m.Len(); got != 2000 {
		t.Fatalf("expected map capped at 2000 entries, got %d", got)
	}

	// The oldest timestamp should have been evicted: looking it up again
	// must mint a new (later-sequenced) Number rather than return the
	// original one, and that new Number must then be stable.
	evicted := m.GetVersion(base)
	if !first.Before(evicted) {
		t.Fatalf("expected a later-sequenced Number after eviction, got sequences %d and %d", first.Sequence(), evicted.Sequence())
	}
	reinserted := m.GetVersion(base)
	if evicted != reinserted {
		t.Fatalf("expected re-lookup after eviction to be stable, got %v and %v", evicted, reinserted)
	}
}
