package gateway

import "encoding/json"

// MissedResponse is the REST response type for /api/missed.
type MissedResponse struct {
	Channel    string            `json:"channel"`
	CurrentSeq int64             `json:"current_seq"`
	Truncated  bool              `json:"truncated"`
	Messages   []json.RawMessage `json:"messages"`
}

// RoundOut is one entry of /api/rounds, read back from the round stream.
type RoundOut struct {
	StreamID string          `json:"stream_id"`
	Round    string          `json:"round"`
	Data     json.RawMessage `json:"data"`
}
