package bridge

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/codec/meshcore"
	"github.com/danmuck/meshbridge/internal/radio"
	"github.com/danmuck/meshbridge/internal/relay"
	"github.com/danmuck/meshbridge/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

func testConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.ID = "bridge.test"
	cfg.HostLinkAddr = ""
	cfg.HTTPAddr = ""
	cfg.Relay.SwitchInterval = 0
	cfg.StatsInterval = time.Hour
	return cfg
}

// startService runs the control loop until the test ends.
func startService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	svc, err := NewServiceWithConfig(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve returned: %v", err)
		}
	})
	return svc
}

func do(t *testing.T, svc *Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, req)
	return rr
}

func info(t *testing.T, svc *Service) InfoView {
	t.Helper()
	rr := do(t, svc, http.MethodGet, "/info", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("info status %d: %s", rr.Code, rr.Body.String())
	}
	var out InfoView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	return out
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ID = " "
	if _, err := NewServiceWithConfig(cfg); !errors.Is(err, ErrBridgeIDRequired) {
		t.Fatalf("expected ErrBridgeIDRequired, got %v", err)
	}

	cfg = testConfig()
	cfg.StatsInterval = 0
	if _, err := NewServiceWithConfig(cfg); !errors.Is(err, ErrInvalidStatsInterval) {
		t.Fatalf("expected ErrInvalidStatsInterval, got %v", err)
	}

	cfg = testConfig()
	m := meshcore.DefaultModulation()
	m.FrequencyHz = 50000000
	cfg.Protocols[codec.MeshCore] = ProtocolConfig{Modulation: m}
	if _, err := NewServiceWithConfig(cfg); !errors.Is(err, radio.ErrFrequencyRange) {
		t.Fatalf("expected ErrFrequencyRange, got %v", err)
	}

	cfg = testConfig()
	cfg.Relay.SwitchInterval = 5 * time.Millisecond
	if _, err := NewServiceWithConfig(cfg); !errors.Is(err, relay.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestHTTPHealthAndInfo(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, testConfig())

	rr := do(t, svc, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "bridge.test") {
		t.Fatalf("unexpected health: %d %s", rr.Code, rr.Body.String())
	}

	got := info(t, svc)
	if got.Listen != "MeshCore" || got.AutoSwitch || !got.Online || got.State != "listening" {
		t.Fatalf("unexpected info: %+v", got)
	}
	if len(got.Protocols) != 2 || got.Protocols[1].Modulation.FrequencyHz == 0 {
		t.Fatalf("unexpected protocols: %+v", got.Protocols)
	}
	if len(got.Targets) != 1 || got.Targets[0] != "Meshtastic" {
		t.Fatalf("unexpected targets: %v", got.Targets)
	}
}

func TestHTTPSetters(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, testConfig())

	if rr := do(t, svc, http.MethodPost, "/listen", `{"mode":"meshtastic"}`); rr.Code != http.StatusOK {
		t.Fatalf("listen status %d: %s", rr.Code, rr.Body.String())
	}
	if got := info(t, svc); got.Listen != "Meshtastic" {
		t.Fatalf("listen not applied: %+v", got)
	}
	if rr := do(t, svc, http.MethodPost, "/listen", `{"mode":"auto"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("auto without interval: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, svc, http.MethodPost, "/interval", `{"ms":10}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("interval 10 ms: %d", rr.Code)
	}
	if rr := do(t, svc, http.MethodPost, "/interval", `{"ms":250}`); rr.Code != http.StatusOK {
		t.Fatalf("interval 250 ms: %d %s", rr.Code, rr.Body.String())
	}
	if got := info(t, svc); !got.AutoSwitch || got.SwitchIntervalMS != 250 {
		t.Fatalf("interval not applied: %+v", got)
	}
	if rr := do(t, svc, http.MethodPost, "/interval", `{"ms":288230376151711844}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("overflowing interval: %d %s", rr.Code, rr.Body.String())
	}
	if got := info(t, svc); got.SwitchIntervalMS != 250 {
		t.Fatalf("overflowing interval changed state: %+v", got)
	}
	if rr := do(t, svc, http.MethodPost, "/interval", `{"ms":0}`); rr.Code != http.StatusOK {
		t.Fatalf("interval 0: %d", rr.Code)
	}
	if rr := do(t, svc, http.MethodPost, "/targets", `{"protocols":["lorawan"]}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown target: %d", rr.Code)
	}
	if rr := do(t, svc, http.MethodPost, "/targets", `{"protocols":["MeshCore"]}`); rr.Code != http.StatusOK {
		t.Fatalf("targets: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, svc, http.MethodPut, "/protocols/meshcore", `{"frequency_hz":50000000}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("out of range frequency: %d", rr.Code)
	}
	if rr := do(t, svc, http.MethodPut, "/protocols/meshcore", `{"frequency_hz":869525000,"bandwidth":8}`); rr.Code != http.StatusOK {
		t.Fatalf("modulation: %d %s", rr.Code, rr.Body.String())
	}
	got := info(t, svc)
	if got.Protocols[0].Modulation.FrequencyHz != 869525000 || got.Protocols[0].Modulation.BandwidthHz != 250000 {
		t.Fatalf("modulation not applied: %+v", got.Protocols[0])
	}
	if rr := do(t, svc, http.MethodPut, "/protocols/lorawan", `{}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown protocol: %d", rr.Code)
	}
}

func TestHTTPSendTestAndReset(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, testConfig())

	if rr := do(t, svc, http.MethodPost, "/test", `{"protocol":"all"}`); rr.Code != http.StatusOK {
		t.Fatalf("send test: %d %s", rr.Code, rr.Body.String())
	}
	if n := len(svc.Sim().TxLog()); n != 2 {
		t.Fatalf("expected two test frames, got %d", n)
	}
	if got := info(t, svc); got.Totals.TxCount != 2 {
		t.Fatalf("unexpected totals: %+v", got.Totals)
	}
	if rr := do(t, svc, http.MethodPost, "/stats/reset", ""); rr.Code != http.StatusOK {
		t.Fatalf("reset: %d", rr.Code)
	}
	if got := info(t, svc); got.Totals.TxCount != 0 {
		t.Fatalf("stats not reset: %+v", got.Totals)
	}
}

func TestSimRxRelaysAndStreams(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, testConfig())
	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	for svc.Hub().Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frame := meshcore.New().GenerateTestPacket()
	body := `{"protocol":"meshcore","data":"` + hex.EncodeToString(frame) + `","rssi":-80,"snr":6}`
	if rr := do(t, svc, http.MethodPost, "/sim/rx", body); rr.Code != http.StatusOK {
		t.Fatalf("sim rx: %d %s", rr.Code, rr.Body.String())
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Kind != "rx_packet" {
			continue
		}
		raw, _ := hex.DecodeString(ev.Data)
		if ev.Protocol != "MeshCore" || ev.RSSI != -80 || !bytes.Equal(raw, frame) {
			t.Fatalf("unexpected event: %+v", ev)
		}
		break
	}

	for {
		if got := info(t, svc); got.Totals.RxCount == 1 && got.Totals.TxCount == 1 {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("frame was not relayed: %+v", info(t, svc).Totals)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if txs := svc.Sim().TxLog(); len(txs) != 1 {
		t.Fatalf("expected one relayed frame, got %d", len(txs))
	}

	if rr := do(t, svc, http.MethodPost, "/sim/rx", `{"protocol":"meshtastic","data":"00"}`); rr.Code != http.StatusConflict {
		t.Fatalf("rx on non-listen protocol: %d", rr.Code)
	}
	if rr := do(t, svc, http.MethodPost, "/sim/rx", `{"data":"zz"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad hex: %d", rr.Code)
	}
}

func TestDoAfterStopReturnsStopped(t *testing.T) {
	testlog.Start(t)
	svc, err := NewServiceWithConfig(testConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	if err := svc.Do(context.Background(), func(*relay.Engine) error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := svc.Do(context.Background(), func(*relay.Engine) error { return nil }); !errors.Is(err, ErrServiceStopped) {
		t.Fatalf("expected ErrServiceStopped, got %v", err)
	}
}
