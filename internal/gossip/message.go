package gossip

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

var (
	// ErrMalformedMessage is returned when a sync message fails validation.
	ErrMalformedMessage = errors.New("malformed sync message")
)

// MessageType tags the sync message variants.
type MessageType string

const (
	// MessageAnnounce broadcasts the sender's current version. No payload.
	MessageAnnounce MessageType = "announce"
	// MessageRequest asks for entries changed after Since.
	MessageRequest MessageType = "request"
	// MessageResponse carries a full snapshot.
	MessageResponse MessageType = "response"
	// MessageDelta carries entries changed after a version.
	MessageDelta MessageType = "delta"
)

func (t MessageType) valid() bool {
	switch t {
	case MessageAnnounce, MessageRequest, MessageResponse, MessageDelta:
		return true
	}
	return false
}

// Message is a decoded sync message. Since is meaningful for requests,
// Entries for responses and deltas.
type Message struct {
	Type      MessageType
	SenderID  string
	Version   uint64
	Timestamp time.Time
	Since     uint64
	Entries   map[string]qlearning.Entry
}

// compressionEncoding marks a zstd-compressed payload on the wire.
const compressionEncoding = "zstd"

// minCompressSize is the smallest payload worth compressing.
const minCompressSize = 256

// maxDecodedPayload bounds decompression output.
const maxDecodedPayload = 64 << 20

type wireMessage struct {
	Type      MessageType `json:"type"`
	SenderID  string      `json:"senderId"`
	Version   uint64      `json:"version"`
	Timestamp int64       `json:"timestamp"`
	Payload   []byte      `json:"payload,omitempty"`
	Encoding  string      `json:"encoding,omitempty"`
}

// wireEntry is the compact per-entry payload form.
type wireEntry struct {
	Value       float64 `json:"v"`
	Visits      uint64  `json:"n"`
	LastUpdated int64   `json:"t,omitempty"`
	// Imported is the part of Visits the sender took from other agents,
	// by origin. Receivers use it to avoid counting echoed visits.
	Imported map[string]uint64 `json:"o,omitempty"`
}

// Codec encodes and validates sync messages. It is safe for concurrent use.
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec creates a codec. Compressed payloads are always accepted; compress
// controls whether outgoing entry payloads are compressed.
func NewCodec(compress bool) (*Codec, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedPayload))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	c := &Codec{compress: compress, dec: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

// Close releases the codec's decoder resources.
func (c *Codec) Close() {
	c.dec.Close()
	if c.enc != nil {
		_ = c.enc.Close()
	}
}

// Encode serializes msg.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	if !msg.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if msg.SenderID == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}

	w := wireMessage{
		Type:      msg.Type,
		SenderID:  msg.SenderID,
		Version:   msg.Version,
		Timestamp: msg.Timestamp.UnixMilli(),
	}

	switch msg.Type {
	case MessageRequest:
		w.Payload = strconv.AppendUint(nil, msg.Since, 10)
	case MessageResponse, MessageDelta:
		payload, err := encodeEntries(msg.Entries)
		if err != nil {
			return nil, err
		}
		if c.compress && len(payload) >= minCompressSize {
			payload = c.enc.EncodeAll(payload, nil)
			w.Encoding = compressionEncoding
		}
		w.Payload = payload
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshaling sync message: %w", err)
	}
	return data, nil
}

// Decode parses and validates data. Any violation of the per-type payload
// schema is reported as ErrMalformedMessage.
func (c *Codec) Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !w.Type.valid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}
	if w.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}

	payload := w.Payload
	switch w.Encoding {
	case "":
	case compressionEncoding:
		out, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return Message{}, fmt.Errorf("%w: decompressing payload: %v", ErrMalformedMessage, err)
		}
		payload = out
	default:
		return Message{}, fmt.Errorf("%w: unknown encoding %q", ErrMalformedMessage, w.Encoding)
	}

	msg := Message{
		Type:      w.Type,
		SenderID:  w.SenderID,
		Version:   w.Version,
		Timestamp: time.UnixMilli(w.Timestamp),
	}

	switch w.Type {
	case MessageAnnounce:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("%w: announce with payload", ErrMalformedMessage)
		}
	case MessageRequest:
		since, err := strconv.ParseUint(string(payload), 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("%w: request since-version: %v", ErrMalformedMessage, err)
		}
		msg.Since = since
	case MessageResponse, MessageDelta:
		entries, err := decodeEntries(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Entries = entries
	}
	return msg, nil
}

func encodeEntries(entries map[string]qlearning.Entry) ([]byte, error) {
	wire := make(map[string]wireEntry, len(entries))
	for k, e := range entries {
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			return nil, fmt.Errorf("%w: entry %s has non-finite value", ErrMalformedMessage, k)
		}
		we := wireEntry{Value: e.Value, Visits: e.Visits, Imported: e.Imported}
		if !e.LastUpdated.IsZero() {
			we.LastUpdated = e.LastUpdated.UnixMilli()
		}
		wire[k] = we
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling entries: %w", err)
	}
	return data, nil
}

func decodeEntries(payload []byte) (map[string]qlearning.Entry, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: missing entry payload", ErrMalformedMessage)
	}
	var wire map[string]wireEntry
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: entry payload: %v", ErrMalformedMessage, err)
	}
	out := make(map[string]qlearning.Entry, len(wire))
	for k, we := range wire {
		if _, _, err := qlearning.DecodeEntryKey(k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := checkImported(k, we); err != nil {
			return nil, err
		}
		e := qlearning.Entry{Value: we.Value, Visits: we.Visits, Imported: we.Imported}
		if we.LastUpdated != 0 {
			e.LastUpdated = time.UnixMilli(we.LastUpdated)
		}
		out[k] = e
	}
	return out, nil
}

// checkImported rejects origin counts that name no agent or add up to more
// visits than the entry has.
func checkImported(key string, we wireEntry) error {
	var total uint64
	for id, n := range we.Imported {
		if id == "" {
			return fmt.Errorf("%w: entry %s has an unnamed origin", ErrMalformedMessage, key)
		}
		if n > we.Visits-total {
			return fmt.Errorf("%w: entry %s imports more visits than it has", ErrMalformedMessage, key)
		}
		total += n
	}
	return nil
}
