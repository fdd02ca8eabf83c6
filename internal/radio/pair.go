package radio

import (
	"context"
	"sync"
)

// PairAdapter is an in-memory Adapter used by tests to connect two
// nodes without a real serial port. NewPair wires two PairAdapters
// together with an optional per-line drop function, letting tests
// simulate a lossy link and exercise retransmission recovery.
type PairAdapter struct {
	out  chan []byte
	in   chan InboundLine
	meter RadioMeter
	mu   sync.Mutex
	closed bool
}

// NewPair returns two adapters, each other's peer: lines sent on one
// arrive (via drop) on the other's Receive channel.
func NewPair(meterA, meterB RadioMeter, drop func(line []byte) bool) (*PairAdapter, *PairAdapter) {
	chAB := make(chan []byte, 256)
	chBA := make(chan []byte, 256)

	a := &PairAdapter{out: chAB, meter: meterA}
	b := &PairAdapter{out: chBA, meter: meterB}

	a.in = relay(chBA, meterA, drop)
	b.in = relay(chAB, meterB, drop)

	return a, b
}

func relay(src chan []byte, meter RadioMeter, drop func([]byte) bool) chan InboundLine {
	out := make(chan InboundLine, 256)
	go func() {
		defer close(out)
		for line := range src {
			if drop != nil && drop(line) {
				continue
			}
			rssi, snr := meter.Reading()
			out <- InboundLine{Line: append([]byte(nil), line...), RSSI: rssi, SNR: snr}
		}
	}()
	return out
}

func (a *PairAdapter) Send(ctx context.Context, line []byte) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrRadioUnavailable
	}
	select {
	case a.out <- append([]byte(nil), line...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *PairAdapter) Receive(ctx context.Context) (<-chan InboundLine, error) {
	return a.in, nil
}

func (a *PairAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.out)
	}
	return nil
}
