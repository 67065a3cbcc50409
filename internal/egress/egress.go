// Package egress implements the subscriber relay of spec.md §4.8: a
// websocket hub that fans out archived, tombstone-masked events to
// downstream subscribers.
//
// Grounded on github.com/gorilla/websocket (named directly in the
// example pack's networking dependency surface) for the connection
// upgrade and framing, and on the teacher's worker-pool backpressure
// idiom from internal/verifier-equivalent code (here: verifier.Pool's
// bounded-channel-plus-saturation-flag pattern), reused per-subscriber
// so one slow reader cannot stall the whole relay.
package egress

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sovereignhose/internal/metrics"
	"sovereignhose/internal/model"
	"sovereignhose/internal/tombstone"
)

// subscriberBuffer bounds how many pending frames a subscriber can
// fall behind by; once its buffer is full, further frames for it are
// dropped (the subscriber stays connected).
const subscriberBuffer = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the wire message sent to subscribers. A tombstoned event
// never produces a Frame at all (§4.8's "the subscriber-visible stream
// never contains a tombstoned message") — Hub.Publish and the
// historical replay path both skip it entirely rather than sending any
// placeholder.
type Frame struct {
	Seq     uint64 `json:"seq"`
	DID     string `json:"did"`
	Path    string `json:"path"`
	Payload []byte `json:"payload,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Frame
}

// Hub fans out events to all currently-registered subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	lattice *tombstone.Lattice
	shards  []HistoricalShard
	metrics *metrics.Registry
	log     *logrus.Logger
}

// New builds an empty Hub bound to the tombstone lattice used to omit
// deleted records before they ever reach a subscriber, and to the
// shards a from_seq-parameterized subscriber's historical replay reads
// from (§4.8). shards may be nil for a live-only relay (e.g. tests).
func New(lattice *tombstone.Lattice, shards []HistoricalShard, m *metrics.Registry, log *logrus.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		lattice:     lattice,
		shards:      shards,
		metrics:     m,
		log:         log,
	}
}

// ServeHTTP upgrades an HTTP request to a websocket subscriber
// connection, optionally replays archived history from a ?from_seq=
// query parameter (§4.8: subscriber protocol is "parameterized by
// (from_seq, filter)"), and then streams live frames until the
// subscriber disconnects or a write to it fails. Frames that arrive
// while its buffer is full are dropped for it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("egress: websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan Frame, subscriberBuffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)

	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		if fromSeq, err := strconv.ParseUint(raw, 10, 64); err == nil {
			h.replayHistorical(sub, fromSeq)
		} else {
			h.log.WithError(err).Warn("egress: invalid from_seq query parameter")
		}
	}

	h.readLoop(sub)
}

func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for frame := range sub.send {
		if err := sub.conn.WriteJSON(frame); err != nil {
			h.remove(sub)
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
	h.mu.Unlock()
	sub.conn.Close()
}

// Publish fans ev out to every subscriber, unless ev's sequence is
// tombstoned, in which case no frame is ever built or sent for it
// (§4.8: "the subscriber-visible stream never contains a tombstoned
// message" — masking the payload while still sending seq/did/path
// would still leak those fields downstream).
func (h *Hub) Publish(ev model.Event) {
	if h.lattice.Get(uint32(ev.Seq)) {
		if h.metrics != nil {
			h.metrics.IncEgressMasked()
		}
		return
	}

	frame := Frame{Seq: ev.Seq, DID: ev.DID, Path: ev.Path, Payload: ev.Payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- frame:
		default:
			// Slow consumer: drop this frame for it rather than block
			// the whole relay (§4.8 backpressure policy).
		}
	}
}

// SubscriberCount reports the number of currently-connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
