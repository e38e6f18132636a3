package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"feedchat/internal/debuglog"
	"feedchat/internal/proto"
	"feedchat/internal/room"
	"feedchat/internal/sse"
	"feedchat/internal/upload"
)

const (
	ActionCreateKey = "create-key"
	ActionJoin      = "join"
	ActionSend      = "send"
	ActionReceive   = "receive"
)

var validate = validator.New()

// Request is a transport-neutral chat or fallback request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Upload []upload.Chunk
}

// Response carries a status, headers and a body that may stream.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Handler serves requests the chat router does not own.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Rooms is the registry side of the chat actions.
type Rooms interface {
	Join(ctx context.Context, roomKey string) error
	Append(ctx context.Context, roomKey string, msg proto.ChatMessage) (uint64, error)
	ReplayAll(ctx context.Context, roomKey string, fn room.ReplayFunc) (uint64, error)
}

// Peers sends a raw chat frame to every connected peer.
type Peers interface {
	BroadcastChat(frame []byte) int
}

// ValidationError marks a request the client must fix.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string { return e.Msg }
func (e *ValidationError) Unwrap() error { return e.Err }

type Options struct {
	Rooms    Rooms
	SSE      *sse.Broadcaster
	Peers    Peers
	Blobs    upload.BlobSource
	Fallback Handler
}

type Router struct {
	rooms    Rooms
	sse      *sse.Broadcaster
	peers    Peers
	blobs    upload.BlobSource
	fallback Handler
	now      func() time.Time
}

func NewRouter(opts Options) *Router {
	if opts.SSE == nil {
		opts.SSE = sse.New(sse.Options{})
	}
	return &Router{
		rooms:    opts.Rooms,
		sse:      opts.SSE,
		peers:    opts.Peers,
		blobs:    opts.Blobs,
		fallback: opts.Fallback,
		now:      time.Now,
	}
}

type roomQuery struct {
	RoomKey string `validate:"required,len=64,hexadecimal"`
}

type sendBody struct {
	Sender  string `json:"sender" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// IsChat reports whether u addresses the chat API.
func IsChat(u *url.URL) bool {
	return u.Hostname() == "chat" || strings.HasPrefix(u.Path, "/chat")
}

// Handle routes req to a chat action or the fallback. It never returns nil.
func (r *Router) Handle(ctx context.Context, req *Request) *Response {
	if req.URL == nil {
		return textResponse(http.StatusBadRequest, "Invalid request URL")
	}
	debuglog.Debugf("api request method=%s url=%s", req.Method, req.URL.Redacted())
	if IsChat(req.URL) {
		resp, err := r.handleChat(ctx, req)
		if err != nil {
			status := http.StatusInternalServerError
			var verr *ValidationError
			if errors.As(err, &verr) {
				status = http.StatusBadRequest
			}
			debuglog.Logf("api chat request failed status=%d err=%v", status, err)
			return textResponse(status, "Error in chat request: "+err.Error())
		}
		return resp
	}
	if r.fallback == nil {
		return textResponse(http.StatusNotFound, "Not found")
	}
	resp, err := r.fallback.Handle(ctx, req)
	if err != nil {
		debuglog.Logf("api fallback failed url=%s err=%v", req.URL.Redacted(), err)
		return textResponse(http.StatusInternalServerError, "Error handling request: "+err.Error())
	}
	if resp == nil {
		return textResponse(http.StatusNotFound, "Not found")
	}
	return resp
}

func (r *Router) handleChat(ctx context.Context, req *Request) (*Response, error) {
	q := req.URL.Query()
	action := q.Get("action")
	roomKey := q.Get("roomKey")

	switch {
	case req.Method == http.MethodPost && action == ActionCreateKey:
		key, err := room.CreateRoomKey()
		if err != nil {
			return nil, err
		}
		return jsonResponse(map[string]string{"roomKey": key})

	case req.Method == http.MethodPost && action == ActionJoin:
		roomKey, err := validateRoom(action, roomKey)
		if err != nil {
			return nil, err
		}
		if err = r.rooms.Join(ctx, roomKey); err != nil {
			return nil, err
		}
		return jsonResponse(map[string]string{"message": "Joined chat room"})

	case req.Method == http.MethodPost && action == ActionSend:
		roomKey, err := validateRoom(action, roomKey)
		if err != nil {
			return nil, err
		}
		body, err := r.readSendBody(ctx, req.Upload)
		if err != nil {
			return nil, err
		}
		return r.send(ctx, roomKey, body)

	case req.Method == http.MethodGet && action == ActionReceive:
		roomKey, err := validateRoom(action, roomKey)
		if err != nil {
			return nil, err
		}
		return r.receive(ctx, roomKey), nil

	default:
		return textResponse(http.StatusBadRequest, "Invalid chat action"), nil
	}
}

func (r *Router) readSendBody(ctx context.Context, chunks []upload.Chunk) (sendBody, error) {
	data, err := upload.ReadAll(ctx, chunks, r.blobs)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) || errors.Is(err, upload.ErrBadChunk) {
			return sendBody{}, &ValidationError{Msg: err.Error(), Err: err}
		}
		return sendBody{}, fmt.Errorf("read body: %w", err)
	}
	var body sendBody
	if err := json.Unmarshal(data, &body); err != nil {
		return sendBody{}, &ValidationError{Msg: "malformed send body: " + err.Error(), Err: err}
	}
	if err := validate.Struct(body); err != nil {
		return sendBody{}, &ValidationError{Msg: "invalid send body: " + describe(err), Err: err}
	}
	return body, nil
}

func (r *Router) send(ctx context.Context, roomKey string, body sendBody) (*Response, error) {
	msg := proto.ChatMessage{Sender: body.Sender, Message: body.Message, Timestamp: r.now().UnixMilli()}
	if _, err := r.rooms.Append(ctx, roomKey, msg); err != nil {
		return nil, err
	}
	if r.peers != nil {
		frame, err := proto.EncodeChatFrame(proto.ChatFrame{
			Sender:    msg.Sender,
			Message:   msg.Message,
			Timestamp: msg.Timestamp,
			RoomKey:   roomKey,
		})
		if err == nil {
			n := r.peers.BroadcastChat(frame)
			debuglog.Debugf("api send room=%s peers=%d", roomKey[:8], n)
		}
	}
	return jsonResponse(map[string]string{"message": "Message sent"})
}

// receive replays the room's history and then streams live entries. The
// consumer is registered before replay so no live entry is missed; local
// entries already replayed are skipped.
func (r *Router) receive(ctx context.Context, roomKey string) *Response {
	consumer := r.sse.Register(roomKey)
	pr, pw := io.Pipe()
	go func() {
		count, err := r.rooms.ReplayAll(ctx, roomKey, func(_ uint64, msg proto.ChatMessage, _ bool) error {
			return sse.WriteEntry(pw, msg)
		})
		if err != nil {
			consumer.Close()
			pw.CloseWithError(err)
			return
		}
		consumer.SkipLocalBelow(count)
		pw.CloseWithError(consumer.Stream(ctx, pw, nil))
	}()

	h := make(http.Header)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &Response{StatusCode: http.StatusOK, Header: h, Body: &streamBody{PipeReader: pr, consumer: consumer}}
}

type streamBody struct {
	*io.PipeReader
	consumer *sse.Consumer
}

func (b *streamBody) Close() error {
	b.consumer.Close()
	return b.PipeReader.Close()
}

// validateRoom returns the canonical form of roomKey, so every spelling of a
// key shares one room and one set of stream consumers.
func validateRoom(action, roomKey string) (string, error) {
	if roomKey == "" {
		return "", &ValidationError{Msg: fmt.Sprintf("Missing roomKey in %s request", action)}
	}
	if err := validate.Struct(roomQuery{RoomKey: roomKey}); err != nil {
		return "", &ValidationError{Msg: "invalid roomKey: " + describe(err), Err: err}
	}
	key, err := room.CanonicalRoomKey(roomKey)
	if err != nil {
		return "", &ValidationError{Msg: "invalid roomKey: " + err.Error(), Err: err}
	}
	return key, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func textResponse(status int, text string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(text))}
}

func jsonResponse(v any) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: http.StatusOK, Header: h, Body: io.NopCloser(bytes.NewReader(data))}, nil
}
