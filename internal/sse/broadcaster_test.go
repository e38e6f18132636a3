package sse

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedchat/internal/metrics"
	"feedchat/internal/proto"
	"feedchat/internal/testutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func stream(t *testing.T, c *Consumer) (*syncBuffer, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	errc := make(chan error, 1)
	go func() { errc <- c.Stream(ctx, out, nil) }()
	t.Cleanup(cancel)
	return out, cancel, errc
}

func TestPushEntryReachesOnlyItsRoom(t *testing.T) {
	req := require.New(t)
	b := New(Options{Heartbeat: time.Hour})
	a1, a2, other := b.Register("room-a"), b.Register("room-a"), b.Register("room-b")
	outA1, _, _ := stream(t, a1)
	outA2, _, _ := stream(t, a2)
	outB, _, _ := stream(t, other)

	// When
	b.PushEntry("room-a", 0, proto.ChatMessage{Sender: "ann", Message: "hi", Timestamp: 7})

	// Then
	want := "data: {\"sender\":\"ann\",\"message\":\"hi\",\"timestamp\":7}\n\n"
	testutil.WaitFor(t, testutil.DefaultWait, "room-a consumers", func() bool {
		return outA1.String() == want && outA2.String() == want
	})
	time.Sleep(20 * time.Millisecond)
	req.Empty(outB.String())
}

func TestPeerCountGoesToEveryRoom(t *testing.T) {
	b := New(Options{Heartbeat: time.Hour})
	outA, _, _ := stream(t, b.Register("room-a"))
	outB, _, _ := stream(t, b.Register("room-b"))

	b.PushPeerCount(3)

	want := "event: peersCount\ndata: 3\n\n"
	testutil.WaitFor(t, testutil.DefaultWait, "peer count", func() bool {
		return outA.String() == want && outB.String() == want
	})
	require.Equal(t, 3, b.PeerCount())
}

func TestHeartbeatOnIdleStream(t *testing.T) {
	b := New(Options{Heartbeat: 10 * time.Millisecond})
	out, _, _ := stream(t, b.Register("room"))
	testutil.WaitFor(t, testutil.DefaultWait, "heartbeats", func() bool {
		return strings.Count(out.String(), ":\n\n") >= 2
	})
	require.NotContains(t, out.String(), "data:")
}

func TestSkipLocalBelowDropsReplayedEntries(t *testing.T) {
	req := require.New(t)
	b := New(Options{Heartbeat: time.Hour})
	c := b.Register("room")

	// Given entries 0 and 1 queued while history was being replayed
	b.PushEntry("room", 0, proto.ChatMessage{Message: "zero"})
	b.PushEntry("room", 1, proto.ChatMessage{Message: "one"})
	c.SkipLocalBelow(1)

	// When
	out, _, _ := stream(t, c)
	b.PushEntry("room", 2, proto.ChatMessage{Message: "two"})

	// Then
	testutil.WaitFor(t, testutil.DefaultWait, "live entries", func() bool {
		return strings.Contains(out.String(), "two")
	})
	req.NotContains(out.String(), "zero")
	req.True(strings.Index(out.String(), "one") < strings.Index(out.String(), "two"))
}

func TestCloseUnregistersConsumer(t *testing.T) {
	req := require.New(t)
	b := New(Options{Heartbeat: time.Hour})
	c := b.Register("room")
	_, cancel, errc := stream(t, c)
	req.Equal(1, b.Consumers("room"))

	cancel()

	select {
	case err := <-errc:
		req.ErrorIs(err, context.Canceled)
	case <-time.After(testutil.DefaultWait):
		t.Fatalf("stream did not stop")
	}
	req.Zero(b.Consumers("room"))
	b.PushEntry("room", 0, proto.ChatMessage{Message: "late"})
}

func TestWriteFailureEndsStream(t *testing.T) {
	b := New(Options{Heartbeat: 5 * time.Millisecond})
	c := b.Register("room")
	err := c.Stream(context.Background(), failWriter{}, nil)
	require.Error(t, err)
	require.Zero(t, b.Consumers("room"))
}

func TestSlowConsumerIsDropped(t *testing.T) {
	req := require.New(t)
	m := metrics.New()
	b := New(Options{Heartbeat: time.Hour, Buffer: 2, Metrics: m})
	c := b.Register("room")

	for i := 0; i < 3; i++ {
		b.PushEntry("room", uint64(i), proto.ChatMessage{Message: "x"})
	}

	req.Zero(b.Consumers("room"))
	err := c.Stream(context.Background(), &syncBuffer{}, nil)
	req.ErrorIs(err, ErrDropped)
	snap := m.Snapshot()
	req.Equal(uint64(1), snap.Stream.ConsumersDropped)
	req.Equal(uint64(2), snap.Stream.Pushes)
}

func TestWriteEntryMatchesLiveFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEntry(&buf, proto.ChatMessage{Sender: "a", Message: "b", Timestamp: 1}))
	require.Equal(t, "data: {\"sender\":\"a\",\"message\":\"b\",\"timestamp\":1}\n\n", buf.String())
}
