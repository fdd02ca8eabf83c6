// Package radio provides the framed byte channel over a serial LoRa
// modem. Framing is newline-terminated JSON text; this
// package only deals in raw lines, leaving frame decoding to
// internal/link.
package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRadioUnavailable is returned when the underlying device is
// disconnected or otherwise unreachable.
var ErrRadioUnavailable = errors.New("radio: unavailable")

// ErrRadioBusy is returned by Send when the adapter's send pacing
// would not admit the frame within SendBackpressure.
var ErrRadioBusy = errors.New("radio: busy")

// InboundLine is one received, newline-framed line plus the signal
// readings the adapter observed for it.
type InboundLine struct {
	Line []byte
	RSSI int
	SNR  float64
}

// Adapter is the framed byte channel the link engine transmits and
// receives over. Implementations must serialize concurrent Send
// calls themselves (at most one in-flight frame).
type Adapter interface {
	// Send enqueues one frame for transmission. It may block up to
	// SendBackpressure before returning ErrRadioBusy.
	Send(ctx context.Context, line []byte) error
	// Receive returns a channel of inbound lines. The channel is
	// closed when ctx is cancelled or the adapter is closed.
	Receive(ctx context.Context) (<-chan InboundLine, error)
	// Close releases the underlying device.
	Close() error
}

// SerialAdapter frames an io.ReadWriteCloser (a real serial port, or
// any other duplex byte stream) as newline-terminated JSON lines. It
// populates RSSI/SNR on receive from a RadioMeter the caller supplies,
// since line framing alone carries no signal information — real LoRa
// modems report it out of band (AT command, GPIO, or a sidecar
// metadata channel) depending on hardware.
type SerialAdapter struct {
	port   io.ReadWriteCloser
	meter  RadioMeter
	logger *zap.Logger

	sendMu       sync.Mutex
	backoff      time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	backpressure time.Duration
	limiter      *rate.Limiter

	inboundQueueDepth int

	malformedLines uint64
}

// RadioMeter supplies the RSSI/SNR reading for the most recently
// received line. Hardware-specific; tests and the simulation harness
// use a fixed or scripted implementation.
type RadioMeter interface {
	Reading() (rssi int, snr float64)
}

// FixedMeter is a RadioMeter that always reports the same reading.
type FixedMeter struct {
	RSSI int
	SNR  float64
}

func (m FixedMeter) Reading() (int, float64) { return m.RSSI, m.SNR }

// NewSerialAdapter wraps port with line framing. backpressure is both
// the pacing interval between sends and the longest Send waits for its
// turn before failing with ErrRadioBusy.
func NewSerialAdapter(port io.ReadWriteCloser, meter RadioMeter, backpressure time.Duration, logger *zap.Logger) *SerialAdapter {
	return &SerialAdapter{
		port:              port,
		meter:             meter,
		logger:            logger,
		minBackoff:        100 * time.Millisecond,
		maxBackoff:        5 * time.Second,
		backoff:           100 * time.Millisecond,
		backpressure:      backpressure,
		limiter:           rate.NewLimiter(rate.Every(backpressure), 1),
		inboundQueueDepth: 256,
	}
}

// WithInboundQueueDepth overrides the inbound line buffer size used by
// Receive. It must be called before Receive; it returns the adapter
// for chaining at construction time.
func (a *SerialAdapter) WithInboundQueueDepth(depth int) *SerialAdapter {
	if depth > 0 {
		a.inboundQueueDepth = depth
	}
	return a
}

// Send writes one newline-terminated line. A rate limiter paces sends
// to one per backpressure interval, and a Send that cannot get its
// turn within backpressure fails with ErrRadioBusy. Writes are
// serialized by sendMu, so at most one is in flight.
func (a *SerialAdapter) Send(ctx context.Context, line []byte) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.backpressure)
	defer cancel()
	if err := a.limiter.Wait(waitCtx); err != nil {
		return ErrRadioBusy
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	if _, err := a.port.Write(line); err != nil {
		a.recordFailure()
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}
	a.recordSuccess()
	return nil
}

func (a *SerialAdapter) recordFailure() {
	if a.backoff < a.maxBackoff {
		a.backoff *= 2
		if a.backoff > a.maxBackoff {
			a.backoff = a.maxBackoff
		}
	}
}

func (a *SerialAdapter) recordSuccess() {
	a.backoff = a.minBackoff
}

// CurrentBackoff reports the delay a caller should wait before
// retrying after the most recent send failure, doubling 100ms -> 5s on
// consecutive failures and resetting to 100ms on the next success.
func (a *SerialAdapter) CurrentBackoff() time.Duration {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.backoff
}

// Receive starts a background reader goroutine and returns a channel
// of decoded lines. Empty lines are counted as malformed and dropped,
// never propagated. A read error or a line longer than 1 MiB ends the
// reader and closes the channel.
func (a *SerialAdapter) Receive(ctx context.Context) (<-chan InboundLine, error) {
	out := make(chan InboundLine, a.inboundQueueDepth)
	scanner := bufio.NewScanner(a.port)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	go func() {
		defer close(out)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				a.malformedLines++
				continue
			}
			rssi, snr := a.meter.Reading()
			select {
			case out <- InboundLine{Line: line, RSSI: rssi, SNR: snr}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases the underlying port.
func (a *SerialAdapter) Close() error {
	return a.port.Close()
}

// MalformedLines reports how many empty lines have been dropped since
// the adapter started.
func (a *SerialAdapter) MalformedLines() uint64 {
	return a.malformedLines
}
