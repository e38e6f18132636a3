package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type PeerEvent struct {
	At      time.Time `json:"at"`
	Peer    string    `json:"peer"`
	Event   string    `json:"event"`
	Current int64     `json:"current"`
}

type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Peers       PeerMetrics   `json:"peers"`
	Gossip      GossipMetrics `json:"gossip"`
	Feeds       FeedMetrics   `json:"feeds"`
	Stream      StreamMetrics `json:"stream"`
	Recent      []PeerEvent   `json:"recent"`
}

type PeerMetrics struct {
	Current      int64  `json:"current"`
	Connected    uint64 `json:"connected"`
	Disconnected uint64 `json:"disconnected"`
	Errors       uint64 `json:"errors"`
}

type GossipMetrics struct {
	HellosSent     uint64 `json:"hellos_sent"`
	HellosReceived uint64 `json:"hellos_received"`
	ChatReceived   uint64 `json:"chat_received"`
	FramesDegraded uint64 `json:"frames_degraded"`
}

type FeedMetrics struct {
	RemoteOpened      uint64 `json:"remote_opened"`
	MessagesAppended  uint64 `json:"messages_appended"`
	EntriesReplicated uint64 `json:"entries_replicated"`
}

type StreamMetrics struct {
	Pushes           uint64 `json:"pushes"`
	ConsumersOpened  uint64 `json:"consumers_opened"`
	ConsumersDropped uint64 `json:"consumers_dropped"`
}

type Metrics struct {
	peersCurrent      atomic.Int64
	peersConnected    atomic.Uint64
	peersDisconnected atomic.Uint64
	peerErrors        atomic.Uint64
	hellosSent        atomic.Uint64
	hellosReceived    atomic.Uint64
	chatReceived      atomic.Uint64
	framesDegraded    atomic.Uint64
	remoteOpened      atomic.Uint64
	messagesAppended  atomic.Uint64
	entriesReplicated atomic.Uint64
	ssePushes         atomic.Uint64
	consumersOpened   atomic.Uint64
	consumersDropped  atomic.Uint64
	recent            *Recent
}

func New() *Metrics {
	return &Metrics{recent: NewRecent(64)}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) PeerConnected(peer string) {
	m.peersConnected.Add(1)
	cur := m.peersCurrent.Add(1)
	m.recent.Add(PeerEvent{At: time.Now().UTC(), Peer: peer, Event: "connected", Current: cur})
}

func (m *Metrics) PeerDisconnected(peer string) {
	m.peersDisconnected.Add(1)
	cur := m.peersCurrent.Add(-1)
	m.recent.Add(PeerEvent{At: time.Now().UTC(), Peer: peer, Event: "disconnected", Current: cur})
}

func (m *Metrics) IncPeerError() {
	m.peerErrors.Add(1)
}

func (m *Metrics) IncHelloSent() {
	m.hellosSent.Add(1)
}

func (m *Metrics) IncHelloReceived() {
	m.hellosReceived.Add(1)
}

func (m *Metrics) IncChatReceived() {
	m.chatReceived.Add(1)
}

func (m *Metrics) IncFrameDegraded() {
	m.framesDegraded.Add(1)
}

func (m *Metrics) IncRemoteOpened() {
	m.remoteOpened.Add(1)
}

func (m *Metrics) IncMessageAppended() {
	m.messagesAppended.Add(1)
}

func (m *Metrics) IncEntryReplicated() {
	m.entriesReplicated.Add(1)
}

func (m *Metrics) IncPush() {
	m.ssePushes.Add(1)
}

func (m *Metrics) IncConsumerOpened() {
	m.consumersOpened.Add(1)
}

func (m *Metrics) IncConsumerDropped() {
	m.consumersDropped.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []PeerEvent{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Peers: PeerMetrics{
			Current:      m.peersCurrent.Load(),
			Connected:    m.peersConnected.Load(),
			Disconnected: m.peersDisconnected.Load(),
			Errors:       m.peerErrors.Load(),
		},
		Gossip: GossipMetrics{
			HellosSent:     m.hellosSent.Load(),
			HellosReceived: m.hellosReceived.Load(),
			ChatReceived:   m.chatReceived.Load(),
			FramesDegraded: m.framesDegraded.Load(),
		},
		Feeds: FeedMetrics{
			RemoteOpened:      m.remoteOpened.Load(),
			MessagesAppended:  m.messagesAppended.Load(),
			EntriesReplicated: m.entriesReplicated.Load(),
		},
		Stream: StreamMetrics{
			Pushes:           m.ssePushes.Load(),
			ConsumersOpened:  m.consumersOpened.Load(),
			ConsumersDropped: m.consumersDropped.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []PeerEvent
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e PeerEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []PeerEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerEvent, len(r.list))
	copy(out, r.list)
	return out
}
