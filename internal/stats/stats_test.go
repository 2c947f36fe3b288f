package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lanikai/beaverstream/internal/fifo"
	"github.com/lanikai/beaverstream/internal/filter"
	"github.com/lanikai/beaverstream/internal/rtcp"
	"github.com/lanikai/beaverstream/internal/rtpio"
)

func TestAggregatorSnapshotCombinesComponents(t *testing.T) {
	depacketizer := rtpio.NewDepacketizer()
	queue := fifo.NewPool[filter.Input](1)
	receiverState := rtcp.NewReceiverState(1)
	djb := rtcp.NewDJBEstimator(200)

	receiverState.OnPacketReceived(1, 0, 0)
	receiverState.OnPacketReceived(2, 3000, 3000)
	djb.AddSample(150)
	djb.AddSample(250)

	// Exhaust the 1-capacity queue so DroppedCount increments.
	ref, _, ok := queue.PopFree()
	if !ok {
		t.Fatal("expected to pop the only free slot")
	}
	queue.Enqueue(ref)
	if _, _, ok := queue.PopFree(); ok {
		t.Fatal("expected pool to be exhausted")
	}

	agg := New(depacketizer, queue, receiverState, djb, nil)
	snap := agg.Snapshot(90000)

	assert.EqualValues(t, 1, snap.QueueDroppedFull)
	assert.EqualValues(t, 150, snap.DJB.LowWatermark)
	assert.EqualValues(t, 250, snap.DJB.HighWatermark)
	assert.EqualValues(t, 2, snap.ExtendedHighestSequenceNumber)
}

func TestAggregatorNilComponentsAreSkipped(t *testing.T) {
	agg := New(nil, nil, nil, nil, nil)
	snap := agg.Snapshot(0)
	assert.Equal(t, Snapshot{}, snap)
}
