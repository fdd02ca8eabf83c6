package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet/meshcore/internal/radio"
)

// Config bundles the tunables the link engine needs, decoupled from
// internal/config so this package has no import-cycle dependency on
// the rest of the agent.
type Config struct {
	NodeID             string
	MaxPayload         int
	MaxInFlight        int
	RetryLimit         int
	AckTimeout         time.Duration
	AckCheckPeriod     time.Duration
	ReassemblyTTL      time.Duration
	ReassemblyGCTick   time.Duration
	HighBurst          int
	MediumBurst        int
	SchedulerIdleSleep time.Duration
	InboundQueueDepth  int
}

// ReceivedMessage is one fully reassembled message handed upward.
// RSSI/SNR are the readings from the last fragment to complete the
// message, given to the routing layer so it can update neighbour
// signal quality without re-parsing frames.
type ReceivedMessage struct {
	MessageID string
	Payload   []byte
	RSSI      int
	SNR       float64
}

// Engine is the link protocol engine. The retry sweeper, the
// reassembly GC, the ingest task, and metrics readers all touch its
// reassembly buffers and signal statistics concurrently, so unlike a
// single-owner design every one of them is guarded by e.mu rather than
// split across tasks; only the radio adapter and the retry limit are
// read without it, the latter via an atomic so a live reconfigure can
// change it without pausing the sweeper.
type Engine struct {
	cfg    Config
	radio  radio.Adapter
	logger *zap.Logger

	retryLimit atomic.Int32

	mu       sync.Mutex // guards queues, outbound, counter, reassembly, stats
	queues   *priorityQueues
	outbound *outboundTable
	counter  uint64

	reassembly *reassemblyTable
	stats      *signalStats

	received chan ReceivedMessage
}

// NewEngine constructs a link engine bound to the given radio adapter.
func NewEngine(cfg Config, adapter radio.Adapter, logger *zap.Logger) *Engine {
	depth := cfg.InboundQueueDepth
	if depth <= 0 {
		depth = 256
	}
	e := &Engine{
		cfg:        cfg,
		radio:      adapter,
		logger:     logger,
		queues:     newPriorityQueues(),
		outbound:   newOutboundTable(cfg.MaxInFlight),
		reassembly: newReassemblyTable(cfg.ReassemblyTTL),
		stats:      newSignalStats(),
		received:   make(chan ReceivedMessage, depth),
	}
	e.retryLimit.Store(int32(cfg.RetryLimit))
	return e
}

// SetRetryLimit changes the number of retransmission attempts the
// retry sweeper allows before it gives up on an outbound message. It
// takes effect on the next sweep tick.
func (e *Engine) SetRetryLimit(n int) {
	e.retryLimit.Store(int32(n))
}

// RetryLimit reports the retransmission attempt limit currently in
// effect, for diagnostics and tests.
func (e *Engine) RetryLimit() int {
	return int(e.retryLimit.Load())
}

// SendMessage assigns a fresh message_id, fragments payload, enqueues
// the fragments on the requested priority queue, and records the
// outbound tracker for retransmission. It never blocks.
func (e *Engine) SendMessage(payload []byte, priority Priority) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.outbound.full() {
		return "", ErrOutboxFull
	}

	n := atomic.AddUint64(&e.counter, 1)
	messageID := fmt.Sprintf("%s-%d", e.cfg.NodeID, n)

	chunks := fragmentPayload(payload, e.cfg.MaxPayload)
	frames := make([]Frame, 0, len(chunks))
	for i, chunk := range chunks {
		frames = append(frames, NewFrame(messageID, i, len(chunks), priority, chunk))
	}

	now := time.Now()
	e.outbound.put(messageID, priority, frames, now)
	e.queues.pushAll(priority, frames)

	return messageID, nil
}

// requeue re-enqueues already-framed fragments on the given priority
// queue without re-fragmenting. SendMessage and the retry sweeper do
// not call it; both push onto e.queues directly.
func (e *Engine) requeue(priority Priority, frames []Frame) {
	e.queues.pushAll(priority, frames)
}

// PollReceived returns one fully reassembled message, or ok=false if
// none are ready.
func (e *Engine) PollReceived() (ReceivedMessage, bool) {
	select {
	case m := <-e.received:
		return m, true
	default:
		return ReceivedMessage{}, false
	}
}

// Received exposes the completed-message channel for callers that want
// to select on it directly instead of busy-polling PollReceived.
func (e *Engine) Received() <-chan ReceivedMessage {
	return e.received
}

// SignalQuality returns a snapshot of signal statistics.
func (e *Engine) SignalQuality() SignalQuality {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.snapshot()
}

// OutboundDepth reports the current outbound-tracker size, for
// diagnostics and tests.
func (e *Engine) OutboundDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound.len()
}

// ReassemblyDepth reports the current number of in-progress
// reassemblies, for diagnostics and tests.
func (e *Engine) ReassemblyDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reassembly.len()
}

// backoffReporter is implemented by radio adapters that track
// RadioUnavailable back-off state (radio.SerialAdapter). Adapters that
// don't implement it (loopback/pair adapters used in tests) fall back
// to the flat scheduler idle sleep.
type backoffReporter interface {
	CurrentBackoff() time.Duration
}

// RunTransmit is the link-transmit task: it pulls from the priority
// queues per the scheduler's burst schedule and writes framed bytes
// via the radio adapter. It returns when ctx is cancelled.
func (e *Engine) RunTransmit(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		e.mu.Lock()
		frame, ok := e.queues.next(e.cfg.HighBurst, e.cfg.MediumBurst)
		e.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.SchedulerIdleSleep):
			}
			continue
		}

		line, err := frame.MarshalLine()
		if err != nil {
			e.logger.Error("link: failed to marshal frame", zap.Error(err))
			continue
		}

		if err := e.radio.Send(ctx, line); err != nil {
			e.logger.Warn("link: radio send failed, requeuing", zap.Error(err), zap.String("message_id", frame.MessageID))
			// put the frame back at the head of its queue so it still goes
			// out ahead of the later fragments of its message
			e.mu.Lock()
			switch frame.Priority {
			case PriorityHigh:
				e.queues.high = append([]Frame{frame}, e.queues.high...)
			case PriorityMedium:
				e.queues.medium = append([]Frame{frame}, e.queues.medium...)
			default:
				e.queues.low = append([]Frame{frame}, e.queues.low...)
			}
			e.mu.Unlock()

			sleep := e.cfg.SchedulerIdleSleep
			if b, ok := e.radio.(backoffReporter); ok {
				sleep = b.CurrentBackoff()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sleep):
			}
			continue
		}

		e.mu.Lock()
		e.outbound.markSent(frame.MessageID, time.Now())
		e.mu.Unlock()
	}
}

// RunRetrySweep is the link-retry sweeper: every AckCheckPeriod it
// finds trackers overdue for a retransmission and either bumps them
// to HIGH priority or exhausts them.
func (e *Engine) RunRetrySweep(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.AckCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweepRetries(time.Now())
		}
	}
}

func (e *Engine) sweepRetries(now time.Time) {
	deadline := now.Add(-e.cfg.AckTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	limit := int(e.retryLimit.Load())
	for _, id := range e.outbound.overdue(deadline) {
		tracker, ok := e.outbound.get(id)
		if !ok {
			continue
		}
		if tracker.retryCount >= limit {
			e.outbound.delete(id)
			e.stats.incPacketLoss()
			e.logger.Debug("link: retransmission exhausted", zap.String("message_id", id))
			continue
		}
		tracker.retryCount++
		tracker.lastSent = now
		e.stats.incRetransmissions()
		e.queues.pushAll(PriorityHigh, tracker.fragments)
	}
}

// RunReassemblyGC is the reassembly-GC sweeper: it evicts partial
// reassemblies idle longer than ReassemblyTTL.
func (e *Engine) RunReassemblyGC(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReassemblyGCTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.mu.Lock()
			evicted := e.reassembly.sweep(time.Now())
			for i := 0; i < evicted; i++ {
				e.stats.incPacketLoss()
			}
			e.mu.Unlock()
			if evicted > 0 {
				e.logger.Debug("link: reassembly GC evicted stale buffers", zap.Int("count", evicted))
			}
		}
	}
}

// RunIngest is the link-ingest task: it consumes inbound frames from
// the radio adapter, performs CRC validation and reassembly, and
// pushes completed messages to the received channel.
func (e *Engine) RunIngest(ctx context.Context) error {
	frames, err := e.radio.Receive(ctx)
	if err != nil {
		return fmt.Errorf("link: start radio receive: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-frames:
			if !ok {
				return nil
			}
			e.handleInbound(raw)
		}
	}
}

func (e *Engine) handleInbound(in radio.InboundLine) {
	frame, err := UnmarshalFrameLine(in.Line)
	if err != nil {
		e.mu.Lock()
		e.stats.incPacketLoss()
		e.mu.Unlock()
		return
	}
	frame.RSSI = &in.RSSI
	frame.SNR = &in.SNR

	payload, err := frame.Payload()
	if err != nil || !frame.VerifyCRC() {
		e.mu.Lock()
		e.stats.incPacketLoss()
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.stats.recordSample(in.RSSI, in.SNR)
	cancelled := e.outbound.cancel(frame.MessageID)
	var outcome reassemblyOutcome
	var assembled []byte
	if !cancelled {
		outcome, assembled = e.reassembly.insert(frame, payload, time.Now())
		if outcome == reassemblyDiscardedMismatch || outcome == reassemblyDiscardedBadIndex {
			e.stats.incPacketLoss()
		}
	}
	e.mu.Unlock()

	if cancelled {
		return
	}
	if outcome == reassemblyComplete {
		select {
		case e.received <- ReceivedMessage{MessageID: frame.MessageID, Payload: assembled, RSSI: in.RSSI, SNR: in.SNR}:
		default:
			e.logger.Warn("link: received queue full, dropping message", zap.String("message_id", frame.MessageID))
		}
	}
}
