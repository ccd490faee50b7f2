package radio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshbridge/internal/radio"
	"github.com/danmuck/meshbridge/internal/radio/sim"
	"github.com/danmuck/meshbridge/internal/testutil/testlog"
)

var slowMod = radio.Modulation{
	FrequencyHz: 906875000, Bandwidth: 8, SpreadingFactor: 11, CodingRate: 5,
	SyncWord: 0x2B, PreambleLen: 16, ImplicitHeader: true, InvertIQ: true, CRC: true,
}

var fastMod = radio.Modulation{
	FrequencyHz: 910525000, Bandwidth: 6, SpreadingFactor: 7, CodingRate: 5,
	SyncWord: 0x12, PreambleLen: 8, ImplicitHeader: true, CRC: true,
}

func TestBandwidthCodes(t *testing.T) {
	testlog.Start(t)
	hz, err := radio.BandwidthHz(8)
	if err != nil || hz != 250000 {
		t.Fatalf("unexpected bandwidth: hz=%d err=%v", hz, err)
	}
	if _, err := radio.BandwidthHz(10); !errors.Is(err, radio.ErrInvalidBandwidth) {
		t.Fatalf("expected ErrInvalidBandwidth, got %v", err)
	}
}

func TestTimeOnAirOrdering(t *testing.T) {
	testlog.Start(t)
	slow := radio.TimeOnAir(slowMod, 255)
	fast := radio.TimeOnAir(fastMod, 255)
	if fast <= 0 || slow <= fast {
		t.Fatalf("unexpected airtime: slow=%s fast=%s", slow, fast)
	}
	if slow < time.Second || slow > 3*time.Second {
		t.Fatalf("slow airtime out of expected band: %s", slow)
	}
	budget := radio.TransmitBudget(255, 100*time.Millisecond, fastMod, slowMod)
	if budget != slow+100*time.Millisecond {
		t.Fatalf("unexpected budget: %s", budget)
	}
}

func TestTransmitCompletes(t *testing.T) {
	testlog.Start(t)
	r := sim.New(sim.DefaultConfig())
	sig := radio.Attach(r)
	if err := r.Configure(fastMod); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := radio.Transmit(context.Background(), r, sig, []byte("ping"), time.Second); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	log := r.TxLog()
	if len(log) != 1 || string(log[0].Frame) != "ping" {
		t.Fatalf("unexpected tx log: %+v", log)
	}
}

func TestTransmitTimeoutForcesStandby(t *testing.T) {
	testlog.Start(t)
	r := sim.New(sim.DefaultConfig())
	sig := radio.Attach(r)
	if err := r.Configure(fastMod); err != nil {
		t.Fatalf("configure: %v", err)
	}
	r.SetTxHang(true)
	err := radio.Transmit(context.Background(), r, sig, []byte("ping"), 20*time.Millisecond)
	if !errors.Is(err, radio.ErrTransmitTimeout) {
		t.Fatalf("expected ErrTransmitTimeout, got %v", err)
	}
	if r.Mode() != radio.ModeStandby {
		t.Fatalf("expected standby after timeout, got %s", r.Mode())
	}
}

func TestTransmitRejectsEmptyFrame(t *testing.T) {
	testlog.Start(t)
	r := sim.New(sim.DefaultConfig())
	sig := radio.Attach(r)
	if err := radio.Transmit(context.Background(), r, sig, nil, time.Second); !errors.Is(err, radio.ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestSignalsFramePending(t *testing.T) {
	testlog.Start(t)
	r := sim.New(sim.DefaultConfig())
	sig := radio.Attach(r)
	if err := r.Configure(fastMod); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !r.InjectRx([]byte{1, 2, 3}, -80, 5) {
		t.Fatalf("inject dropped")
	}
	if !sig.TakeFrame() {
		t.Fatalf("expected pending frame")
	}
	if sig.TakeFrame() {
		t.Fatalf("flag should clear after take")
	}
}

func TestValidateFrequency(t *testing.T) {
	testlog.Start(t)
	r := sim.New(sim.DefaultConfig())
	if err := radio.ValidateFrequency(r, 915000000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := radio.ValidateFrequency(r, 100000000); !errors.Is(err, radio.ErrFrequencyRange) {
		t.Fatalf("expected ErrFrequencyRange, got %v", err)
	}
}
