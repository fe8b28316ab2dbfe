package gateway

import (
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Broadcaster constructs envelope JSON and sends filtered messages to clients.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Broadcast sends data on a channel to all subscribed clients.
// Each envelope carries a global seq and a per-channel seq for client-side
// gap detection.
func (b *Broadcaster) Broadcast(channel string, data []byte) {
	now := time.Now().UTC()
	h := b.hub

	if h.Metrics != nil {
		if srcTS := extractTS(data); !srcTS.IsZero() {
			if d := now.Sub(srcTS); d >= 0 {
				h.Metrics.E2ELatency.Observe(d.Seconds())
			}
		}
	}

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	h.seq++
	seq := h.seq
	rb, exists := h.replayBufs[channel]
	if !exists {
		rb = NewReplayBuffer(h.replayCap)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := buildEnvelope(channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	dropped := 0
	h.mu.RLock()
	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if h.Metrics != nil {
		h.Metrics.Broadcasts.WithLabelValues(channelKind(channel)).Inc()
		if dropped > 0 {
			h.Metrics.SendDrops.Add(float64(dropped))
		}
	}
}

// buildEnvelope hand-crafts
// {"channel":...,"data":...,"ts":...,"seq":N,"channel_seq":M}.
// data must already be valid JSON.
func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// extractTS reads the payload's "ts" field (finalization time of a round,
// emission time of an event) without a full unmarshal.
func extractTS(data []byte) time.Time {
	v := gjson.GetBytes(data, "ts")
	if !v.Exists() || v.Type != gjson.String {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.Str)
	if err != nil {
		return time.Time{}
	}
	return t
}
