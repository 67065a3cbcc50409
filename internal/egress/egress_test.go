package egress

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovereignhose/internal/metrics"
	"sovereignhose/internal/model"
	"sovereignhose/internal/tombstone"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	lattice, err := tombstone.Open(filepath.Join(t.TempDir(), "tombstones.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { lattice.Close() })
	return New(lattice, nil, metrics.New(), logrus.New())
}

func addTestSubscriber(h *Hub) *subscriber {
	sub := &subscriber{send: make(chan Frame, subscriberBuffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func TestHub_PublishDeliversUntombstonedEventWithPayload(t *testing.T) {
	h := newTestHub(t)
	sub := addTestSubscriber(h)

	ev := model.Event{Seq: 1, DID: "did:plc:alice", Path: "app.bsky.feed.post/1", Payload: []byte("hi")}
	h.Publish(ev)

	select {
	case frame := <-sub.send:
		assert.Equal(t, ev.Seq, frame.Seq)
		assert.Equal(t, ev.Payload, frame.Payload)
	default:
		t.Fatal("expected a frame to be delivered")
	}
}

func TestHub_PublishOmitsTombstonedEventEntirely(t *testing.T) {
	h := newTestHub(t)
	sub := addTestSubscriber(h)

	h.lattice.Set(7)
	ev := model.Event{Seq: 7, DID: "did:plc:bob", Path: "app.bsky.feed.post/1", Payload: []byte("secret")}
	h.Publish(ev)

	select {
	case frame := <-sub.send:
		t.Fatalf("expected no frame for a tombstoned seq, got %+v", frame)
	default:
	}
}

func TestHub_PublishDropsFrameForSlowSubscriberRatherThanBlocking(t *testing.T) {
	h := newTestHub(t)
	sub := &subscriber{send: make(chan Frame, 1)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	sub.send <- Frame{Seq: 0}

	assert.NotPanics(t, func() {
		h.Publish(model.Event{Seq: 1, DID: "did:plc:carol", Path: "p"})
	})
	assert.Len(t, sub.send, 1, "slow subscriber's buffer should still hold only its original frame")
}

type fakeShard struct {
	events []model.Event
}

func (f *fakeShard) MessageCount() uint64 { return uint64(len(f.events)) }

func (f *fakeShard) SeqFloor(fromSeq uint64) uint64 {
	for i, ev := range f.events {
		if ev.Seq >= fromSeq {
			return uint64(i)
		}
	}
	return uint64(len(f.events))
}

func (f *fakeShard) ReadAt(pos uint64) (model.Event, error) {
	return f.events[pos], nil
}

func TestHub_ReplayHistoricalMergesShardsInSeqOrderAndOmitsTombstoned(t *testing.T) {
	h := newTestHub(t)
	h.shards = []HistoricalShard{
		&fakeShard{events: []model.Event{{Seq: 1}, {Seq: 3}, {Seq: 5}}},
		&fakeShard{events: []model.Event{{Seq: 2}, {Seq: 4}}},
	}
	h.lattice.Set(3)

	sub := &subscriber{send: make(chan Frame, 16)}
	h.replayHistorical(sub, 1)
	close(sub.send)

	var seqs []uint64
	for frame := range sub.send {
		seqs = append(seqs, frame.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 4, 5}, seqs, "seq 3 is tombstoned and must be omitted, not masked")
}

func TestHub_SubscriberCount(t *testing.T) {
	h := newTestHub(t)
	assert.Equal(t, 0, h.SubscriberCount())

	addTestSubscriber(h)
	addTestSubscriber(h)
	assert.Equal(t, 2, h.SubscriberCount())
}
