package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedchat/internal/feed"
	"feedchat/internal/proto"
	"feedchat/internal/room"
	"feedchat/internal/sse"
	"feedchat/internal/testutil"
	"feedchat/internal/upload"
)

type countingNetwork struct {
	mu    sync.Mutex
	joins int
}

func (n *countingNetwork) JoinTopic(context.Context, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joins++
	return nil
}

func (n *countingNetwork) AnnounceFeed(context.Context, string, string) {}

type recordingPeers struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *recordingPeers) BroadcastChat(frame []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return 1
}

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

type fixture struct {
	store  *feed.Store
	reg    *room.Registry
	net    *countingNetwork
	peers  *recordingPeers
	blobs  *upload.MemoryBlobs
	router *Router
}

func newFixture(t *testing.T, heartbeat time.Duration) fixture {
	t.Helper()
	store, err := feed.Open(feed.Options{InMemory: true})
	require.NoError(t, err)
	b := sse.New(sse.Options{Heartbeat: heartbeat})
	f := fixture{store: store, net: &countingNetwork{}, peers: &recordingPeers{}, blobs: upload.NewMemoryBlobs()}
	f.reg = room.NewRegistry(store, f.net, b)
	f.router = NewRouter(Options{Rooms: f.reg, SSE: b, Peers: f.peers, Blobs: f.blobs, Fallback: FeedEntries(store)})
	t.Cleanup(func() {
		_ = f.reg.Close()
		_ = store.Close()
	})
	return f
}

func chatURL(action, roomKey string) *url.URL {
	q := url.Values{}
	q.Set("action", action)
	if roomKey != "" {
		q.Set("roomKey", roomKey)
	}
	return &url.URL{Scheme: "hyper", Host: "chat", RawQuery: q.Encode()}
}

func (f fixture) do(t *testing.T, method, action, roomKey string, chunks ...upload.Chunk) (int, string) {
	t.Helper()
	resp := f.router.Handle(context.Background(), &Request{Method: method, URL: chatURL(action, roomKey), Upload: chunks})
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (f fixture) createKey(t *testing.T) string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, ActionCreateKey, "")
	require.Equal(t, http.StatusOK, status)
	var out struct {
		RoomKey string `json:"roomKey"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out.RoomKey
}

func (f fixture) receive(t *testing.T, roomKey string) (*Response, *syncBuffer) {
	t.Helper()
	resp := f.router.Handle(context.Background(), &Request{Method: http.MethodGet, URL: chatURL(ActionReceive, roomKey)})
	out := &syncBuffer{}
	go func() { _, _ = io.Copy(out, resp.Body) }()
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, out
}

func sendBodyChunk(sender, message string) upload.Chunk {
	data, _ := json.Marshal(map[string]string{"sender": sender, "message": message})
	return upload.BytesChunk(data)
}

func TestCreateKeyReturnsFreshRoomKey(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	resp := f.router.Handle(context.Background(), &Request{Method: http.MethodPost, URL: chatURL(ActionCreateKey, "")})
	req.Equal("application/json", resp.Header.Get("Content-Type"))

	a, b := f.createKey(t), f.createKey(t)
	raw, err := hex.DecodeString(a)
	req.NoError(err)
	req.Len(raw, 32)
	req.NotEqual(a, b)
	req.Empty(f.reg.Rooms())
}

func TestJoinTwiceCreatesOneFeed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)

	for i := 0; i < 2; i++ {
		status, body := f.do(t, http.MethodPost, ActionJoin, roomKey)
		req.Equal(http.StatusOK, status)
		req.JSONEq(`{"message":"Joined chat room"}`, body)
	}

	req.Len(f.reg.Feeds(), 1)
	req.Equal(1, f.net.joins)
}

func TestSendReachesOpenReceiveAndPeers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)
	status, _ := f.do(t, http.MethodPost, ActionJoin, roomKey)
	req.Equal(http.StatusOK, status)

	// Given an open receive stream
	resp, out := f.receive(t, roomKey)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	req.Equal("no-cache", resp.Header.Get("Cache-Control"))
	req.Equal("keep-alive", resp.Header.Get("Connection"))

	// When
	status, body := f.do(t, http.MethodPost, ActionSend, roomKey, sendBodyChunk("ann", "hi"))
	req.Equal(http.StatusOK, status)
	req.JSONEq(`{"message":"Message sent"}`, body)
	status, _ = f.do(t, http.MethodPost, ActionSend, roomKey, sendBodyChunk("ann", "again"))
	req.Equal(http.StatusOK, status)

	// Then
	testutil.WaitFor(t, testutil.DefaultWait, "live entries", func() bool {
		return strings.Contains(out.String(), `"again"`)
	})
	req.Equal(1, strings.Count(out.String(), `"message":"hi"`))
	req.Less(strings.Index(out.String(), `"hi"`), strings.Index(out.String(), `"again"`))

	f.peers.mu.Lock()
	defer f.peers.mu.Unlock()
	req.Len(f.peers.frames, 2)
	var frame proto.ChatFrame
	req.NoError(json.Unmarshal(f.peers.frames[0], &frame))
	req.Equal("ann", frame.Sender)
	req.Equal("hi", frame.Message)
	req.Equal(roomKey, frame.RoomKey)
	req.NotZero(frame.Timestamp)
}

func TestReceiveReplaysHistoryWithoutDuplicates(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)
	f.do(t, http.MethodPost, ActionJoin, roomKey)
	for _, m := range []string{"one", "two"} {
		status, _ := f.do(t, http.MethodPost, ActionSend, roomKey, sendBodyChunk("ann", m))
		req.Equal(http.StatusOK, status)
	}

	_, out := f.receive(t, roomKey)
	f.do(t, http.MethodPost, ActionSend, roomKey, sendBodyChunk("ann", "three"))

	testutil.WaitFor(t, testutil.DefaultWait, "history and live", func() bool {
		return strings.Contains(out.String(), `"three"`)
	})
	time.Sleep(20 * time.Millisecond)
	got := out.String()
	req.Equal(3, strings.Count(got, "data: "))
	req.Less(strings.Index(got, `"one"`), strings.Index(got, `"two"`))
	req.Less(strings.Index(got, `"two"`), strings.Index(got, `"three"`))
}

func TestRoomKeyCaseNamesOneRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)
	upper := strings.ToUpper(roomKey)

	status, _ := f.do(t, http.MethodPost, ActionJoin, upper)
	req.Equal(http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, ActionJoin, roomKey)
	req.Equal(http.StatusOK, status)
	_, out := f.receive(t, upper)
	req.Equal(1, f.router.sse.Consumers(roomKey))

	status, _ = f.do(t, http.MethodPost, ActionSend, roomKey, sendBodyChunk("ann", "hi"))
	req.Equal(http.StatusOK, status)

	testutil.WaitFor(t, testutil.DefaultWait, "live entry", func() bool {
		return strings.Contains(out.String(), `"hi"`)
	})
	f.net.mu.Lock()
	req.Equal(1, f.net.joins)
	f.net.mu.Unlock()
	req.Len(f.reg.Feeds(), 1)

	f.peers.mu.Lock()
	defer f.peers.mu.Unlock()
	var frame proto.ChatFrame
	req.NoError(json.Unmarshal(f.peers.frames[0], &frame))
	req.Equal(roomKey, frame.RoomKey)
}

func TestReceiveOnEmptyRoomOnlyHeartbeats(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	_, out := f.receive(t, f.createKey(t))
	testutil.WaitFor(t, testutil.DefaultWait, "heartbeats", func() bool {
		return strings.Count(out.String(), ":\n\n") >= 2
	})
	require.NotContains(t, out.String(), "data:")
}

func TestClosingReceiveBodyUnregistersConsumer(t *testing.T) {
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)
	resp, _ := f.receive(t, roomKey)
	require.Equal(t, 1, f.router.sse.Consumers(roomKey))
	require.NoError(t, resp.Body.Close())
	require.Zero(t, f.router.sse.Consumers(roomKey))
}

func TestInvalidActionIs400(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	for _, c := range []struct{ method, action string }{
		{http.MethodPost, "bogus"},
		{http.MethodGet, ActionJoin},
		{http.MethodPost, ActionReceive},
		{http.MethodGet, ""},
	} {
		resp := f.router.Handle(context.Background(), &Request{Method: c.method, URL: chatURL(c.action, "")})
		body, _ := io.ReadAll(resp.Body)
		req.Equal(http.StatusBadRequest, resp.StatusCode, c)
		req.Equal("Invalid chat action", string(body))
		req.Equal("text/plain", resp.Header.Get("Content-Type"))
	}
}

func TestChatErrors(t *testing.T) {
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)
	tests := []struct {
		name   string
		method string
		action string
		room   string
		chunks []upload.Chunk
		status int
		body   string
	}{
		{"join without room", http.MethodPost, ActionJoin, "", nil, http.StatusBadRequest, "Error in chat request: Missing roomKey in join request"},
		{"receive without room", http.MethodGet, ActionReceive, "", nil, http.StatusBadRequest, "Error in chat request: Missing roomKey in receive request"},
		{"short room key", http.MethodPost, ActionJoin, "abcd", nil, http.StatusBadRequest, "Error in chat request: invalid roomKey"},
		{"non hex room key", http.MethodPost, ActionJoin, strings.Repeat("z", 64), nil, http.StatusBadRequest, "Error in chat request: invalid roomKey"},
		{"0x prefixed room key", http.MethodPost, ActionJoin, "0x" + roomKey[2:], nil, http.StatusBadRequest, "Error in chat request: invalid roomKey"},
		{"0x prefixed send", http.MethodPost, ActionSend, "0X" + roomKey[2:], []upload.Chunk{sendBodyChunk("ann", "hi")}, http.StatusBadRequest, "Error in chat request: invalid roomKey"},
		{"malformed body", http.MethodPost, ActionSend, roomKey, []upload.Chunk{upload.BytesChunk([]byte("{"))}, http.StatusBadRequest, "Error in chat request: malformed send body"},
		{"empty message", http.MethodPost, ActionSend, roomKey, []upload.Chunk{sendBodyChunk("ann", "")}, http.StatusBadRequest, "Error in chat request: invalid send body"},
		{"send before join", http.MethodPost, ActionSend, roomKey, []upload.Chunk{sendBodyChunk("ann", "hi")}, http.StatusInternalServerError, "Error in chat request: room not joined"},
		{"unknown blob", http.MethodPost, ActionSend, roomKey, []upload.Chunk{upload.BlobChunk([16]byte{1})}, http.StatusInternalServerError, "Error in chat request: read body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, tt.method, tt.action, tt.room, tt.chunks...)
			require.Equal(t, tt.status, status)
			require.True(t, strings.HasPrefix(body, tt.body), body)
		})
	}
}

func TestSendBodyFromMixedChunks(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)
	f.do(t, http.MethodPost, ActionJoin, roomKey)

	// Given a body split over bytes, a file and a blob
	path := filepath.Join(t.TempDir(), "mid")
	req.NoError(os.WriteFile(path, []byte(`"ann","message":`), 0600))
	id := f.blobs.Put([]byte(`"split body"}`))

	status, _ := f.do(t, http.MethodPost, ActionSend, roomKey,
		upload.BytesChunk([]byte(`{"sender":`)), upload.FileChunk(path), upload.BlobChunk(id))
	req.Equal(http.StatusOK, status)

	var got []proto.ChatMessage
	_, err := f.reg.ReplayAll(context.Background(), roomKey, func(_ uint64, msg proto.ChatMessage, _ bool) error {
		got = append(got, msg)
		return nil
	})
	req.NoError(err)
	req.Len(got, 1)
	req.Equal("ann", got[0].Sender)
	req.Equal("split body", got[0].Message)
}

func TestIsChat(t *testing.T) {
	for raw, want := range map[string]bool{
		"hyper://chat?action=join":       true,
		"http://localhost:8080/chat":     true,
		"http://localhost/chat/x?a=b":    true,
		"http://chat:9000/":              true,
		"http://localhost/feeds/abc/0":   false,
		"http://chatter.example.com/x":   false,
		"http://localhost/other?p=/chat": false,
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, want, IsChat(u), raw)
	}
}

func TestFallbackServesFeedEntries(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	roomKey := f.createKey(t)
	f.do(t, http.MethodPost, ActionJoin, roomKey)
	f.do(t, http.MethodPost, ActionSend, roomKey, sendBodyChunk("ann", "raw"))
	local, ok := f.reg.LocalFeed(roomKey)
	req.True(ok)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/feeds/" + local.KeyHex() + "/0")
	req.NoError(err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Contains(string(body), `"message":"raw"`)

	for _, path := range []string{
		"/feeds/" + local.KeyHex() + "/7",
		"/feeds/" + strings.Repeat("ab", 32) + "/0",
		"/feeds/nothex/0",
		"/elsewhere",
	} {
		resp, err := http.Get(srv.URL + path)
		req.NoError(err)
		resp.Body.Close()
		req.Equal(http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestFallbackErrorIs500(t *testing.T) {
	r := NewRouter(Options{Fallback: HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, errors.New("boom")
	})})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Error handling request: boom", rec.Body.String())
}

func TestServeHTTPChatRoundTrip(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat?action=create-key", "application/json", nil)
	req.NoError(err)
	var created struct {
		RoomKey string `json:"roomKey"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/chat?action=join&roomKey="+created.RoomKey, "application/json", nil)
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	// Given an SSE client
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sreq, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/chat?action=receive&roomKey="+created.RoomKey, nil)
	req.NoError(err)
	stream, err := http.DefaultClient.Do(sreq)
	req.NoError(err)
	defer stream.Body.Close()
	req.Equal("text/event-stream", stream.Header.Get("Content-Type"))

	// When
	resp, err = http.Post(srv.URL+"/chat?action=send&roomKey="+created.RoomKey, "application/json",
		strings.NewReader(`{"sender":"bob","message":"over http"}`))
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	// Then
	line, err := bufio.NewReader(stream.Body).ReadString('\n')
	req.NoError(err)
	req.True(strings.HasPrefix(line, "data: "), line)
	var msg proto.ChatMessage
	req.NoError(json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &msg))
	req.Equal(proto.ChatMessage{Sender: "bob", Message: "over http", Timestamp: msg.Timestamp}, msg)
}
