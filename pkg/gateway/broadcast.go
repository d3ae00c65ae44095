package gateway

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// busSubscriberID identifies the gateway's subscription on the event
// bus.
const busSubscriberID = "gateway-broadcast"

// recentEventsSize bounds the catchup ring. A reconnecting session that
// fell further behind than this gets a lagged marker and should reload
// via the RPC surface instead.
const recentEventsSize = 256

type seqEvent struct {
	seq   uint64
	event domain.Event
}

// BroadcastManager fans domain events out to every authenticated session
// whose filter matches. It runs on the bus's broadcast worker, so events
// reach each session's outbound queue in emission order; delivery past
// the queue is best-effort under the lagged-drop policy.
//
// It also keeps a process-local ring of recent events so a reconnecting
// session can catch up on subscribe; the ring does not survive a gateway
// restart.
type BroadcastManager struct {
	conns *ConnectionManager
	now   func() time.Time

	mu     sync.Mutex
	recent []seqEvent
	seq    uint64
}

// NewBroadcastManager wires the manager onto the bus.
func NewBroadcastManager(events *bus.Bus, conns *ConnectionManager, now func() time.Time) *BroadcastManager {
	if now == nil {
		now = time.Now
	}
	m := &BroadcastManager{conns: conns, now: now}
	events.Subscribe(busSubscriberID, m.broadcast)
	return m
}

func (m *BroadcastManager) broadcast(event domain.Event) {
	m.record(event)

	goalID := event.GoalID()
	frame := eventFrame(event)
	for _, conn := range m.conns.Authenticated() {
		if !conn.matches(goalID, event.Type) {
			continue
		}
		conn.sendEvent(frame, m.now())
	}
}

func (m *BroadcastManager) record(event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.recent = append(m.recent, seqEvent{seq: m.seq, event: event})
	if len(m.recent) > recentEventsSize {
		m.recent = m.recent[len(m.recent)-recentEventsSize:]
	}
}

// LastSeq returns the sequence number of the newest recorded event;
// clients pass it back as catchupSince on reconnect.
func (m *BroadcastManager) LastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// ReplaySince re-delivers events newer than since that match the
// connection's current filter, returning how many were enqueued and
// whether the ring had already overflowed past since (in which case a
// lagged marker precedes the replay).
func (m *BroadcastManager) ReplaySince(conn *Connection, since uint64) (replayed int, overflowed bool) {
	m.mu.Lock()
	snapshot := make([]seqEvent, len(m.recent))
	copy(snapshot, m.recent)
	m.mu.Unlock()

	if len(snapshot) > 0 && snapshot[0].seq > since+1 && since > 0 {
		overflowed = true
		conn.sendEvent(laggedFrame(m.now()), m.now())
	}
	for _, se := range snapshot {
		if se.seq <= since {
			continue
		}
		if !conn.matches(se.event.GoalID(), se.event.Type) {
			continue
		}
		conn.sendEvent(eventFrame(se.event), m.now())
		replayed++
	}
	return replayed, overflowed
}
