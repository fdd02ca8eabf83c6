package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOutboundTable_FullAtMaxSize(t *testing.T) {
	table := newOutboundTable(2)
	now := time.Now()

	table.put("m1", PriorityHigh, nil, now)
	assert.False(t, table.full())
	table.put("m2", PriorityHigh, nil, now)
	assert.True(t, table.full())
}

func TestOutboundTable_CancelRemovesTracker(t *testing.T) {
	table := newOutboundTable(10)
	table.put("m1", PriorityHigh, nil, time.Now())

	assert.True(t, table.cancel("m1"))
	assert.False(t, table.cancel("m1"))
	assert.Equal(t, 0, table.len())
}

func TestOutboundTable_OverdueFiltersByDeadline(t *testing.T) {
	table := newOutboundTable(10)
	base := time.Now()

	table.put("old", PriorityHigh, nil, base)
	table.put("fresh", PriorityHigh, nil, base.Add(time.Hour))

	overdue := table.overdue(base.Add(time.Minute))
	assert.Equal(t, []string{"old"}, overdue)
}
