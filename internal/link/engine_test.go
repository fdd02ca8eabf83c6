package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyfleet/meshcore/internal/radio"
)

func testConfig(nodeID string) Config {
	return Config{
		NodeID:             nodeID,
		MaxPayload:         16,
		MaxInFlight:        8,
		RetryLimit:         3,
		AckTimeout:         50 * time.Millisecond,
		AckCheckPeriod:     10 * time.Millisecond,
		ReassemblyTTL:      200 * time.Millisecond,
		ReassemblyGCTick:   20 * time.Millisecond,
		HighBurst:          4,
		MediumBurst:        2,
		SchedulerIdleSleep: 2 * time.Millisecond,
	}
}

func TestEngine_SendMessage_ExactMaxPayloadBoundary(t *testing.T) {
	engine := NewEngine(testConfig("n1"), noopAdapter{}, zap.NewNop())
	// exactly MaxPayload bytes must fragment to a single frame: one
	// tracked message with one frame queued.
	_, err := engine.SendMessage(make([]byte, 16), PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.OutboundDepth())
	assert.Len(t, engine.queues.high, 1)
}

func TestEngine_SendMessage_OutboxFull(t *testing.T) {
	cfg := testConfig("n1")
	cfg.MaxInFlight = 1
	engine := NewEngine(cfg, noopAdapter{}, zap.NewNop())

	_, err := engine.SendMessage([]byte("a"), PriorityHigh)
	require.NoError(t, err)

	_, err = engine.SendMessage([]byte("b"), PriorityHigh)
	assert.ErrorIs(t, err, ErrOutboxFull)
}

// TestEngine_EndToEnd_DeliversOverLossyLink sends a multi-fragment
// message across a simulated lossy link and confirms the retry
// sweeper recovers it within the retry limit.
func TestEngine_EndToEnd_DeliversOverLossyLink(t *testing.T) {
	dropCount := 0
	drop := func(line []byte) bool {
		dropCount++
		return dropCount%3 == 0 // drop every third line crossing the link
	}

	adapterA, adapterB := radio.NewPair(radio.FixedMeter{RSSI: -60, SNR: 9}, radio.FixedMeter{RSSI: -65, SNR: 8}, drop)

	cfgA := testConfig("a")
	cfgB := testConfig("b")
	engineA := NewEngine(cfgA, adapterA, zap.NewNop())
	engineB := NewEngine(cfgB, adapterB, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go engineA.RunTransmit(ctx)
	go engineA.RunRetrySweep(ctx)
	go engineB.RunIngest(ctx)
	go engineB.RunReassemblyGC(ctx)

	payload := []byte("this message spans multiple fragments over a lossy link")
	_, err := engineA.SendMessage(payload, PriorityHigh)
	require.NoError(t, err)

	deadline := time.After(1500 * time.Millisecond)
	for {
		if msg, ok := engineB.PollReceived(); ok {
			assert.Equal(t, payload, msg.Payload)
			return
		}
		select {
		case <-deadline:
			t.Fatal("message was not delivered before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type noopAdapter struct{}

func (noopAdapter) Send(ctx context.Context, line []byte) error { return nil }
func (noopAdapter) Receive(ctx context.Context) (<-chan radio.InboundLine, error) {
	return make(chan radio.InboundLine), nil
}
func (noopAdapter) Close() error { return nil }
