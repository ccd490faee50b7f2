package observability

import (
	"testing"
	"time"

	"github.com/danmuck/meshbridge/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("bridge-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordTransmit("Meshtastic", 400*time.Millisecond, true)
	SetRadioOnline(true)
	SetListenProtocol("MeshCore", "MeshCore", "Meshtastic")

	if got := testutil.ToFloat64(listenProtocol.WithLabelValues("Meshtastic")); got != 0 {
		t.Fatalf("unexpected listen gauge: %v", got)
	}
	if got := testutil.ToFloat64(radioOnline); got != 1 {
		t.Fatalf("unexpected online gauge: %v", got)
	}
}

func TestRecordRelayEventIncrements(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(relayEvents.WithLabelValues("MeshCore", "rx"))
	RecordRelayEvent("MeshCore", "rx")
	RecordDrop("MeshCore", "noise")
	after := testutil.ToFloat64(relayEvents.WithLabelValues("MeshCore", "rx"))
	if after != before+1 {
		t.Fatalf("expected increment, before=%v after=%v", before, after)
	}
}
