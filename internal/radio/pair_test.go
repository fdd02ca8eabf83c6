package radio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairAdapter_DeliversLineToPeer(t *testing.T) {
	a, b := NewPair(FixedMeter{RSSI: -50, SNR: 10}, FixedMeter{RSSI: -60, SNR: 8}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte("hello\n")))

	ch, err := b.Receive(ctx)
	require.NoError(t, err)

	select {
	case line := <-ch:
		assert.Equal(t, "hello\n", string(line.Line))
		assert.Equal(t, -60, line.RSSI)
		assert.Equal(t, 8.0, line.SNR)
	case <-ctx.Done():
		t.Fatal("peer never received the line")
	}
}

func TestPairAdapter_DropFunctionSuppressesLine(t *testing.T) {
	dropAll := func([]byte) bool { return true }
	a, b := NewPair(FixedMeter{}, FixedMeter{}, dropAll)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte("x\n")))

	ch, err := b.Receive(ctx)
	require.NoError(t, err)

	select {
	case line := <-ch:
		t.Fatalf("expected the line to be dropped, got %q", line.Line)
	case <-ctx.Done():
		// expected: nothing arrives before the deadline
	}
}

func TestPairAdapter_SendAfterCloseFails(t *testing.T) {
	a, _ := NewPair(FixedMeter{}, FixedMeter{}, nil)
	require.NoError(t, a.Close())

	err := a.Send(context.Background(), []byte("x\n"))
	assert.ErrorIs(t, err, ErrRadioUnavailable)
}

func TestPairAdapter_DropFunctionIsConsultedPerLine(t *testing.T) {
	count := 0
	dropEveryOther := func([]byte) bool {
		count++
		return count%2 == 0
	}
	a, b := NewPair(FixedMeter{}, FixedMeter{}, dropEveryOther)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	chB, _ := b.Receive(ctx)

	require.NoError(t, a.Send(ctx, []byte("1\n"))) // delivered
	require.NoError(t, a.Send(ctx, []byte("2\n"))) // dropped

	received := <-chB
	assert.Equal(t, "1\n", string(received.Line))

	select {
	case line := <-chB:
		t.Fatalf("second line should have been dropped, got %q", line.Line)
	case <-time.After(30 * time.Millisecond):
	}
}
