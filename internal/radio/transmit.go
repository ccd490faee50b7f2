package radio

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Signals carries interrupt-side events into the control loop. The rx flag
// is set from the event callback and drained by the loop; tx completion is
// a single-slot channel.
type Signals struct {
	rxPending atomic.Bool
	txDone    chan struct{}
}

// Attach registers a Signals instance as t's frame event handler.
func Attach(t Transceiver) *Signals {
	s := &Signals{txDone: make(chan struct{}, 1)}
	t.OnFrameEvent(s.handle)
	return s
}

func (s *Signals) handle(ev Event) {
	switch ev {
	case EventRxDone:
		s.rxPending.Store(true)
	case EventTxDone:
		select {
		case s.txDone <- struct{}{}:
		default:
		}
	}
}

// TakeFrame clears the frame-pending flag and reports whether it was set.
func (s *Signals) TakeFrame() bool {
	return s.rxPending.Swap(false)
}

// FramePending reports the flag without clearing it.
func (s *Signals) FramePending() bool {
	return s.rxPending.Load()
}

func (s *Signals) drainTx() {
	select {
	case <-s.txDone:
	default:
	}
}

// Transmit writes frame, keys the transmitter and waits up to timeout for
// completion. On timeout the radio is forced to standby; there is no retry.
func Transmit(ctx context.Context, t Transceiver, s *Signals, frame []byte, timeout time.Duration) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	if len(frame) > LengthInvalid {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(frame))
	}
	if err := t.SetMode(ModeStandby); err != nil {
		return err
	}
	s.drainTx()
	if err := t.WriteFrame(frame); err != nil {
		return err
	}
	if err := t.SetMode(ModeTransmit); err != nil {
		_ = t.SetMode(ModeStandby)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.txDone:
		return nil
	case <-timer.C:
		_ = t.SetMode(ModeStandby)
		return fmt.Errorf("%w: %s", ErrTransmitTimeout, timeout)
	case <-ctx.Done():
		_ = t.SetMode(ModeStandby)
		return ctx.Err()
	}
}
