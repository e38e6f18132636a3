package room

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"feedchat/internal/crypto"
	"feedchat/internal/debuglog"
	"feedchat/internal/feed"
	"feedchat/internal/proto"
)

var (
	ErrNotJoined  = errors.New("room not joined")
	ErrBadRoomKey = errors.New("bad room key")
	ErrBadFeedKey = errors.New("bad feed key")
	ErrClosed     = errors.New("registry closed")
)

// FeedStore opens feeds; a nil key creates a new writable feed.
type FeedStore interface {
	Get(ctx context.Context, key []byte) (*feed.Feed, error)
}

// Network is the swarm side of a join.
type Network interface {
	JoinTopic(ctx context.Context, roomKey string) error
	AnnounceFeed(ctx context.Context, roomKey, feedKey string)
}

// Pusher receives every entry appended to a local feed, once, in index order.
type Pusher interface {
	PushEntry(roomKey string, index uint64, msg proto.ChatMessage)
}

type Registry struct {
	store FeedStore
	net   Network
	push  Pusher
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	// joinMu serializes Join for the room across the network calls.
	joinMu sync.Mutex

	mu         sync.Mutex
	local      *feed.Feed
	remotes    []*feed.Feed
	remoteKeys map[string]*feed.Feed
	announced  bool
}

func NewRegistry(store FeedStore, net Network, push Pusher) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:  store,
		net:    net,
		push:   push,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*roomState),
	}
}

// CreateRoomKey returns a fresh room key. It creates no state.
func CreateRoomKey() (string, error) {
	return crypto.RandomKeyHex()
}

// CanonicalRoomKey returns the lower-case hex form of a 32-byte room key.
// Every key that decodes to the same bytes names the same room.
func CanonicalRoomKey(roomKey string) (string, error) {
	raw, err := crypto.DecodeKeyHex(roomKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRoomKey, err)
	}
	return hex.EncodeToString(raw), nil
}

// Join creates this process's feed for roomKey, joins the room topic and
// announces the feed. Once the feed has been announced, joining again is a
// no-op; a join that failed on the network is finished by the next Join.
func (r *Registry) Join(ctx context.Context, roomKey string) error {
	roomKey, rs, err := r.room(roomKey)
	if err != nil {
		return err
	}
	rs.joinMu.Lock()
	defer rs.joinMu.Unlock()

	rs.mu.Lock()
	f, announced := rs.local, rs.announced
	rs.mu.Unlock()
	if announced {
		return nil
	}
	if f == nil {
		if f, err = r.store.Get(ctx, nil); err == nil {
			err = f.Ready(ctx)
		}
		if err != nil {
			return fmt.Errorf("create local feed: %w", err)
		}
		rs.mu.Lock()
		rs.local = f
		rs.mu.Unlock()
		r.listen(roomKey, f)
		debuglog.Logf("room joined room=%s feed=%s", short(roomKey), short(f.KeyHex()))
	}

	if err := r.net.JoinTopic(ctx, roomKey); err != nil {
		return fmt.Errorf("join topic: %w", err)
	}
	r.net.AnnounceFeed(ctx, roomKey, f.KeyHex())
	rs.mu.Lock()
	rs.announced = true
	rs.mu.Unlock()
	return nil
}

// Append writes msg to the room's local feed and returns its index. A zero
// timestamp is set to now.
func (r *Registry) Append(ctx context.Context, roomKey string, msg proto.ChatMessage) (uint64, error) {
	if _, err := CanonicalRoomKey(roomKey); err != nil {
		return 0, err
	}
	f, ok := r.LocalFeed(roomKey)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotJoined, short(roomKey))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = r.now().UnixMilli()
	}
	value, err := proto.EncodeChatMessage(msg)
	if err != nil {
		return 0, err
	}
	return f.Append(ctx, value)
}

// ReplayFunc receives replayed entries; local reports the room's local feed.
type ReplayFunc func(index uint64, msg proto.ChatMessage, local bool) error

// ReplayAll calls fn for every local entry in index order, then every entry
// of each remote feed in the order the feeds were discovered. It returns how
// many local entries were replayed.
func (r *Registry) ReplayAll(ctx context.Context, roomKey string, fn ReplayFunc) (uint64, error) {
	rs, ok := r.lookup(roomKey)
	if !ok {
		return 0, nil
	}
	rs.mu.Lock()
	local := rs.local
	remotes := append([]*feed.Feed(nil), rs.remotes...)
	rs.mu.Unlock()

	var localCount uint64
	if local != nil {
		localCount = local.Len()
		if err := replayFeed(ctx, local, localCount, true, fn); err != nil {
			return localCount, err
		}
	}
	for _, f := range remotes {
		if err := replayFeed(ctx, f, f.Len(), false, fn); err != nil {
			return localCount, err
		}
	}
	return localCount, nil
}

func replayFeed(ctx context.Context, f *feed.Feed, n uint64, local bool, fn ReplayFunc) error {
	for i := uint64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := f.Get(ctx, i)
		if err != nil {
			return err
		}
		msg, err := proto.DecodeChatMessage(value)
		if err != nil {
			debuglog.Debugf("room replay skip feed=%s index=%d err=%v", short(f.KeyHex()), i, err)
			continue
		}
		if err := fn(i, msg, local); err != nil {
			return err
		}
	}
	return nil
}

// AddRemote registers a peer's feed for roomKey. It reports false when the
// feed was already known.
func (r *Registry) AddRemote(ctx context.Context, roomKey, feedKey string) (*feed.Feed, bool, error) {
	key, err := crypto.DecodeKeyHex(feedKey)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadFeedKey, err)
	}
	feedKey = hex.EncodeToString(key)
	_, rs, err := r.room(roomKey)
	if err != nil {
		return nil, false, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if f, ok := rs.remoteKeys[feedKey]; ok {
		return f, false, nil
	}
	if rs.local != nil && rs.local.KeyHex() == feedKey {
		return rs.local, false, nil
	}
	f, err := r.store.Get(ctx, key)
	if err == nil {
		err = f.Ready(ctx)
	}
	if err != nil {
		return nil, false, fmt.Errorf("open remote feed: %w", err)
	}
	rs.remoteKeys[feedKey] = f
	rs.remotes = append(rs.remotes, f)
	return f, true, nil
}

func (r *Registry) LocalFeed(roomKey string) (*feed.Feed, bool) {
	rs, ok := r.lookup(roomKey)
	if !ok {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.local, rs.local != nil
}

func (r *Registry) HasLocal(roomKey string) bool {
	_, ok := r.LocalFeed(roomKey)
	return ok
}

func (r *Registry) RemoteFeeds(roomKey string) []*feed.Feed {
	rs, ok := r.lookup(roomKey)
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*feed.Feed(nil), rs.remotes...)
}

// Feeds returns every known local and remote feed across rooms.
func (r *Registry) Feeds() []*feed.Feed {
	r.mu.Lock()
	rooms := lo.Values(r.rooms)
	r.mu.Unlock()
	return lo.FlatMap(rooms, func(rs *roomState, _ int) []*feed.Feed {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		out := make([]*feed.Feed, 0, len(rs.remotes)+1)
		if rs.local != nil {
			out = append(out, rs.local)
		}
		return append(out, rs.remotes...)
	})
}

// Rooms lists room keys that have a local feed.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	rooms := lo.Entries(r.rooms)
	r.mu.Unlock()
	joined := lo.Filter(rooms, func(e lo.Entry[string, *roomState], _ int) bool {
		e.Value.mu.Lock()
		defer e.Value.mu.Unlock()
		return e.Value.local != nil
	})
	return lo.Map(joined, func(e lo.Entry[string, *roomState], _ int) string { return e.Key })
}

// Close stops the append listeners. Feeds stay owned by the store.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// room returns the state for roomKey, creating it on first use, along with
// the canonical key it is stored under.
func (r *Registry) room(roomKey string) (string, *roomState, error) {
	key, err := CanonicalRoomKey(roomKey)
	if err != nil {
		return "", nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return "", nil, ErrClosed
	}
	rs, ok := r.rooms[key]
	if !ok {
		rs = &roomState{remoteKeys: make(map[string]*feed.Feed)}
		r.rooms[key] = rs
	}
	return key, rs, nil
}

func (r *Registry) lookup(roomKey string) (*roomState, bool) {
	key, err := CanonicalRoomKey(roomKey)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[key]
	return rs, ok
}

// listen forwards each new local entry to the pusher exactly once.
func (r *Registry) listen(roomKey string, f *feed.Feed) {
	sig, unsubscribe := f.Subscribe()
	cursor := f.Len()
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		unsubscribe()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-sig:
			case <-r.ctx.Done():
				return
			}
			for n := f.Len(); cursor < n; cursor++ {
				value, err := f.Get(r.ctx, cursor)
				if err != nil {
					debuglog.Logf("room listener read failed room=%s index=%d err=%v", short(roomKey), cursor, err)
					continue
				}
				msg, err := proto.DecodeChatMessage(value)
				if err != nil {
					continue
				}
				r.push.PushEntry(roomKey, cursor, msg)
			}
		}
	}()
}

func short(key string) string {
	if len(key) < 8 {
		return key
	}
	return key[:8]
}
