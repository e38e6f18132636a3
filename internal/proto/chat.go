package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const MsgTypeHello = "hello"

// ChatMessage is the value stored in every feed entry.
type ChatMessage struct {
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// HelloMsg announces a feed key for a room to directly connected peers.
type HelloMsg struct {
	Type    string `json:"type"`
	RoomKey string `json:"roomKey"`
	FeedKey string `json:"feedKey"`
}

// ChatFrame is a chat message sent directly to peers, tagged with its room.
type ChatFrame struct {
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
	RoomKey   string `json:"roomKey,omitempty"`
}

func (f ChatFrame) ChatMessage() ChatMessage {
	return ChatMessage{Sender: f.Sender, Message: f.Message, Timestamp: f.Timestamp}
}

// Inbound is a decoded control-stream frame. Exactly one field is set.
type Inbound struct {
	Hello *HelloMsg
	Chat  *ChatFrame
	// Degraded reports that the frame was not a JSON object.
	Degraded bool
}

func EncodeHello(roomKey, feedKey string) ([]byte, error) {
	return json.Marshal(HelloMsg{Type: MsgTypeHello, RoomKey: roomKey, FeedKey: feedKey})
}

func EncodeChatFrame(f ChatFrame) ([]byte, error) {
	return json.Marshal(f)
}

func EncodeChatMessage(m ChatMessage) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeChatMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("decode chat message: %w", err)
	}
	return m, nil
}

// DecodeInbound never fails. A hello needs type, roomKey and feedKey; any
// other JSON object is a chat frame from shortID, and anything else becomes a
// chat frame carrying the raw text.
func DecodeInbound(data []byte, shortID string, now time.Time) Inbound {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Inbound{
			Chat: &ChatFrame{
				Sender:    shortID,
				Message:   string(bytes.TrimSpace(data)),
				Timestamp: now.UnixMilli(),
			},
			Degraded: true,
		}
	}

	var hello HelloMsg
	if err := json.Unmarshal(data, &hello); err == nil &&
		hello.Type == MsgTypeHello && hello.RoomKey != "" && hello.FeedKey != "" {
		return Inbound{Hello: &hello}
	}

	chat := ChatFrame{
		Message:   stringField(fields["message"]),
		RoomKey:   stringField(fields["roomKey"]),
		Timestamp: int64Field(fields["timestamp"]),
	}
	chat.Sender = shortID
	if chat.Timestamp == 0 {
		chat.Timestamp = now.UnixMilli()
	}
	return Inbound{Chat: &chat}
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func int64Field(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return int64(f)
}
