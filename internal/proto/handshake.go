package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHandshake = "handshake"
	MaxTopics        = 1024
)

// HandshakeMsg is the first frame on a control stream. Topics are hex
// discovery keys, never raw room keys.
type HandshakeMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

func EncodeHandshakeMsg(m HandshakeMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHandshake
	}
	if m.Topics == nil {
		m.Topics = []string{}
	}
	return json.Marshal(m)
}

func DecodeHandshakeMsg(data []byte) (HandshakeMsg, error) {
	var m HandshakeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HandshakeMsg{}, err
	}
	if m.Type != MsgTypeHandshake {
		return HandshakeMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if len(m.Topics) > MaxTopics {
		return HandshakeMsg{}, fmt.Errorf("too many topics: %d", len(m.Topics))
	}
	for _, t := range m.Topics {
		b, err := hex.DecodeString(t)
		if err != nil || len(b) != 32 {
			return HandshakeMsg{}, fmt.Errorf("bad topic %q", t)
		}
	}
	return m, nil
}
