package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeSync  = "sync"
	MsgTypeEntry = "entry"

	MaxEntryFrameSize = 512 << 10
)

// SyncRequest opens a replication stream for one feed from index Start.
type SyncRequest struct {
	Type    string `json:"type"`
	FeedKey string `json:"feedKey"`
	Start   uint64 `json:"start"`
}

// EntryFrame carries one signed feed entry.
type EntryFrame struct {
	Type  string `json:"type"`
	Index uint64 `json:"index"`
	Value []byte `json:"value"`
	Sig   []byte `json:"sig"`
}

func EncodeSyncRequest(m SyncRequest) ([]byte, error) {
	m.Type = MsgTypeSync
	return json.Marshal(m)
}

func DecodeSyncRequest(data []byte) (SyncRequest, error) {
	var m SyncRequest
	if err := json.Unmarshal(data, &m); err != nil {
		return SyncRequest{}, err
	}
	if m.Type != MsgTypeSync {
		return SyncRequest{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.FeedKey == "" {
		return SyncRequest{}, fmt.Errorf("sync request without feed key")
	}
	return m, nil
}

func EncodeEntryFrame(m EntryFrame) ([]byte, error) {
	m.Type = MsgTypeEntry
	return json.Marshal(m)
}

func DecodeEntryFrame(data []byte) (EntryFrame, error) {
	var m EntryFrame
	if err := json.Unmarshal(data, &m); err != nil {
		return EntryFrame{}, err
	}
	if m.Type != MsgTypeEntry {
		return EntryFrame{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}
