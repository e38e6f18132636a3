package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedchat/internal/crypto"
	"feedchat/internal/network"
	"feedchat/internal/testutil"
)

func openMemStore(t *testing.T, opts Options) *Store {
	t.Helper()
	opts.InMemory = true
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newWritable(t *testing.T, s *Store) *Feed {
	t.Helper()
	ctx := context.Background()
	f, err := s.Get(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.Ready(ctx))
	require.True(t, f.Writable())
	return f
}

func TestAppendAssignsIncreasingIndexes(t *testing.T) {
	ctx := context.Background()
	f := newWritable(t, openMemStore(t, Options{}))

	for i := 0; i < 5; i++ {
		idx, err := f.Append(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), idx)
	}
	require.Equal(t, uint64(5), f.Len())

	got, err := f.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, `{"n":3}`, string(got))

	_, err = f.Get(ctx, 5)
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	ctx := context.Background()
	f := newWritable(t, openMemStore(t, Options{}))

	var wg sync.WaitGroup
	seen := make(chan uint64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := f.Append(ctx, []byte("x"))
			if err == nil {
				seen <- idx
			}
		}()
	}
	wg.Wait()
	close(seen)
	unique := map[uint64]bool{}
	for idx := range seen {
		require.False(t, unique[idx], "index %d handed out twice", idx)
		unique[idx] = true
	}
	require.Len(t, unique, 50)
	require.Equal(t, uint64(50), f.Len())
}

func TestGetReturnsSameFeedPerKey(t *testing.T) {
	ctx := context.Background()
	s := openMemStore(t, Options{})
	f := newWritable(t, s)

	again, err := s.Get(ctx, f.Key())
	require.NoError(t, err)
	require.Same(t, f, again)

	_, err = s.Get(ctx, []byte{1, 2, 3})
	require.ErrorIs(t, err, crypto.ErrBadKeySize)
}

func TestRemoteFeedIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := openMemStore(t, Options{})
	pub, _, err := crypto.GenKeypair()
	require.NoError(t, err)

	f, err := s.Get(ctx, pub)
	require.NoError(t, err)
	require.NoError(t, f.Ready(ctx))
	require.False(t, f.Writable())
	_, err = f.Append(ctx, []byte("x"))
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestPutVerifiesSignatureAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openMemStore(t, Options{})
	pub, priv, err := crypto.GenKeypair()
	require.NoError(t, err)
	f, err := s.Get(ctx, pub)
	require.NoError(t, err)
	require.NoError(t, f.Ready(ctx))

	sig0, _ := crypto.SignEntry(priv, 0, []byte("a"))
	sig1, _ := crypto.SignEntry(priv, 1, []byte("b"))

	_, err = f.put(1, []byte("b"), sig1)
	require.ErrorIs(t, err, ErrOutOfOrder)
	_, err = f.put(0, []byte("tampered"), sig0)
	require.ErrorIs(t, err, ErrBadSignature)

	stored, err := f.put(0, []byte("a"), sig0)
	require.NoError(t, err)
	require.True(t, stored)
	stored, err = f.put(0, []byte("a"), sig0)
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, uint64(1), f.Len())
}

func TestSubscribeSignalsAfterAppend(t *testing.T) {
	ctx := context.Background()
	f := newWritable(t, openMemStore(t, Options{}))
	sig, unsubscribe := f.Subscribe()
	defer unsubscribe()

	_, err := f.Append(ctx, []byte("x"))
	require.NoError(t, err)
	select {
	case <-sig:
	case <-time.After(time.Second):
		t.Fatalf("no append signal")
	}
}

func TestPersistentStoreReopensWritableFeed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	f, err := s.Get(ctx, nil)
	require.NoError(t, err)
	_, err = f.Append(ctx, []byte("first"))
	require.NoError(t, err)
	key := f.Key()
	require.NoError(t, s.Close())

	s2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s2.Close()
	again, err := s2.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, again.Ready(ctx))
	require.True(t, again.Writable())
	require.Equal(t, uint64(1), again.Len())
	idx, err := again.Append(ctx, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)
}

// servingOpener hands every opened stream to the remote store's Serve.
type servingOpener struct {
	local  network.Session
	remote network.Session
	store  *Store
	ctx    context.Context
}

func (o servingOpener) OpenStream(ctx context.Context) (network.Stream, error) {
	st, err := o.local.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	in, err := o.remote.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	go func() { _ = o.store.Serve(o.ctx, in) }()
	return st, nil
}

func pipePair(t *testing.T) (network.Session, network.Session) {
	t.Helper()
	pubA, _, _ := crypto.GenKeypair()
	pubB, _, _ := crypto.GenKeypair()
	a, b := network.Pipe(pubA, pubB)
	t.Cleanup(func() { _ = a.Close("test done") })
	return a, b
}

func TestReplicateCopiesHistoryAndTailsAppends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var replicated sync.Map
	src := openMemStore(t, Options{})
	dst := openMemStore(t, Options{OnReplicated: func(key string, idx uint64) { replicated.Store(idx, key) }})

	origin := newWritable(t, src)
	for i := 0; i < 3; i++ {
		_, err := origin.Append(ctx, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	replica, err := dst.Get(ctx, origin.Key())
	require.NoError(t, err)
	a, b := pipePair(t)
	done := make(chan error, 1)
	go func() { done <- replica.Replicate(ctx, servingOpener{local: a, remote: b, store: src, ctx: ctx}) }()

	testutil.WaitFor(t, 2*time.Second, "history", func() bool { return replica.Len() == 3 })
	_, err = origin.Append(ctx, []byte("m3"))
	require.NoError(t, err)
	testutil.WaitFor(t, 2*time.Second, "tail", func() bool { return replica.Len() == 4 })

	got, err := replica.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "m3", string(got))
	_, ok := replicated.Load(uint64(3))
	require.True(t, ok)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("replicate did not stop on cancel")
	}
}

func TestReplicaIsServedOnward(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := openMemStore(t, Options{})
	mid := openMemStore(t, Options{})
	far := openMemStore(t, Options{})

	origin := newWritable(t, src)
	for i := 0; i < 2; i++ {
		_, err := origin.Append(ctx, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	hop, err := mid.Get(ctx, origin.Key())
	require.NoError(t, err)
	a, b := pipePair(t)
	go func() { _ = hop.Replicate(ctx, servingOpener{local: a, remote: b, store: src, ctx: ctx}) }()
	testutil.WaitFor(t, 2*time.Second, "first hop", func() bool { return hop.Len() == 2 })
	require.False(t, hop.Writable())

	// The far store only reaches the middle one, which holds a replica.
	last, err := far.Get(ctx, origin.Key())
	require.NoError(t, err)
	c, d := pipePair(t)
	go func() { _ = last.Replicate(ctx, servingOpener{local: c, remote: d, store: mid, ctx: ctx}) }()
	testutil.WaitFor(t, 2*time.Second, "second hop", func() bool { return last.Len() == 2 })

	got, err := last.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "m1", string(got))
}

func TestServeUnknownFeedClosesStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := openMemStore(t, Options{})
	dst := openMemStore(t, Options{})
	pub, _, _ := crypto.GenKeypair()
	replica, err := dst.Get(ctx, pub)
	require.NoError(t, err)

	a, b := pipePair(t)
	err = replica.Replicate(ctx, servingOpener{local: a, remote: b, store: src, ctx: ctx})
	require.NoError(t, err)
	require.Equal(t, uint64(0), replica.Len())
}

func TestWritableFeedIsNotPulled(t *testing.T) {
	ctx := context.Background()
	f := newWritable(t, openMemStore(t, Options{}))
	err := f.Replicate(ctx, failingOpener{})
	require.NoError(t, err)
}

type failingOpener struct{}

func (failingOpener) OpenStream(context.Context) (network.Stream, error) {
	return nil, errors.New("must not be called")
}

func TestStoreEntryLooksUpPersistedFeeds(t *testing.T) {
	ctx := context.Background()
	s := openMemStore(t, Options{})
	f := newWritable(t, s)
	_, err := f.Append(ctx, []byte("hello"))
	require.NoError(t, err)

	got, err := s.Entry(ctx, f.KeyHex(), 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	other, _, _ := crypto.GenKeypair()
	_, err = s.Entry(ctx, fmt.Sprintf("%x", other), 0)
	require.ErrorIs(t, err, ErrUnknownFeed)
}
