package diaglog

import (
	"strings"
	"testing"
	"time"
)

func TestRecordAndExportOrder(t *testing.T) {
	log := New(10)
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	log.SetNowFunc(func() time.Time { return ts })

	log.Record("scan started", "")
	log.Record("sensor discovered", "name=RoomSense-01 rssi=-58")

	out := log.Export()

	first := strings.Index(out, "scan started")
	second := strings.Index(out, "sensor discovered")
	if first < 0 || second < 0 {
		t.Fatalf("export missing entries:\n%s", out)
	}
	if first > second {
		t.Errorf("entries out of insertion order:\n%s", out)
	}
	if !strings.Contains(out, "[09:26:53.589] sensor discovered: name=RoomSense-01 rssi=-58") {
		t.Errorf("unexpected entry format:\n%s", out)
	}
}

func TestExportIncludesEnvironment(t *testing.T) {
	log := New(10)
	out := log.Export()

	if !strings.Contains(out, "--- environment ---") {
		t.Errorf("export missing environment section:\n%s", out)
	}
	if !strings.Contains(out, "os: ") || !strings.Contains(out, "runtime: ") {
		t.Errorf("export missing environment fields:\n%s", out)
	}
}

func TestCapacityDropsOldest(t *testing.T) {
	log := New(3)
	log.Record("first", "")
	log.Record("second", "")
	log.Record("third", "")
	log.Record("fourth", "")

	if got := log.Len(); got != 3 {
		t.Fatalf("expected 3 buffered entries, got %d", got)
	}

	out := log.Export()
	if strings.Contains(out, "first") {
		t.Errorf("oldest entry should have been dropped:\n%s", out)
	}
	for _, want := range []string{"second", "third", "fourth"} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing entry %q:\n%s", want, out)
		}
	}
}

func TestRecordWithoutDetailOmitsSeparator(t *testing.T) {
	log := New(10)
	log.Record("commit acknowledged", "")

	out := log.Export()
	if strings.Contains(out, "commit acknowledged:") {
		t.Errorf("empty detail should not render a separator:\n%s", out)
	}
}
