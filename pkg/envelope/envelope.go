package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alphafactory/hive/pkg/errdefs"
)

// DefaultMaxWireBytes is the default cap on the serialised wire form.
const DefaultMaxWireBytes = 1 << 20

// Payload is the closed JSON-compatible value type carried by envelopes:
// nil, bool, numbers, strings, []any and nested map[string]any.
type Payload map[string]any

// Envelope is the universal routed message. Envelopes are immutable after
// construction; consumers must not mutate the payload.
type Envelope struct {
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Payload   Payload `json:"payload"`
	TS        float64 `json:"ts"`
}

// New builds an envelope applying the coercion rules: missing sender or
// recipient default to the empty string, a missing timestamp defaults to
// 0.0, and the payload must be JSON-representable.
func New(sender, recipient string, payload Payload, ts float64) (*Envelope, error) {
	if payload == nil {
		payload = Payload{}
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	return &Envelope{Sender: sender, Recipient: recipient, Payload: payload, TS: ts}, nil
}

// ValidatePayload rejects values outside the closed JSON value type with
// ErrInvalidPayload.
func ValidatePayload(p Payload) error {
	for k, v := range p {
		if err := validateValue(v); err != nil {
			return fmt.Errorf("%w: key %q: %v", errdefs.ErrInvalidPayload, k, err)
		}
	}
	return nil
}

func validateValue(v any) error {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return nil
	case []any:
		for i, e := range t {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("index %d: %v", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, e := range t {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("key %q: %v", k, err)
			}
		}
		return nil
	case Payload:
		return ValidatePayload(t)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
}

// MarshalWire serialises the envelope to the JSON wire object
// {"sender","recipient","payload","ts"}, enforcing maxBytes (<= 0 means
// DefaultMaxWireBytes).
func (e *Envelope) MarshalWire(maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxWireBytes
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidPayload, err)
	}
	if len(data) > maxBytes {
		return nil, fmt.Errorf("%w: wire form is %d bytes, cap %d", errdefs.ErrInvalidPayload, len(data), maxBytes)
	}
	return data, nil
}

// UnmarshalWire parses the JSON wire form back into an envelope. A wire
// round-trip preserves the envelope value-wise.
func UnmarshalWire(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw struct {
		Sender    string         `json:"sender"`
		Recipient string         `json:"recipient"`
		Payload   map[string]any `json:"payload"`
		TS        json.Number    `json:"ts"`
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidPayload, err)
	}
	ts := 0.0
	if raw.TS != "" {
		f, err := raw.TS.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: bad ts: %v", errdefs.ErrInvalidPayload, err)
		}
		ts = f
	}
	env := &Envelope{
		Sender:    raw.Sender,
		Recipient: raw.Recipient,
		Payload:   normalizeNumbers(raw.Payload),
		TS:        ts,
	}
	if env.Payload == nil {
		env.Payload = Payload{}
	}
	return env, nil
}

// normalizeNumbers converts json.Number leaves to float64 so decoded
// envelopes compare value-equal to freshly built ones.
func normalizeNumbers(m map[string]any) Payload {
	if m == nil {
		return nil
	}
	out := make(Payload, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]any:
		return map[string]any(normalizeNumbers(t))
	default:
		return v
	}
}

// CanonicalJSON serialises the envelope with lexically sorted keys at
// every level. Ledger hashing and Merkle roots depend on this form being
// deterministic.
func (e *Envelope) CanonicalJSON() ([]byte, error) {
	var buf bytes.Buffer
	obj := map[string]any{
		"payload":   map[string]any(e.Payload),
		"recipient": e.Recipient,
		"sender":    e.Sender,
		"ts":        e.TS,
	}
	if err := writeCanonical(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Clock issues strictly increasing per-sender timestamps so envelope
// timestamps stay monotonic within a process.
type Clock struct {
	mu   sync.Mutex
	last map[string]float64
	now  func() float64
}

// NewClock creates a clock backed by the given time source (nil = wall
// clock in float seconds).
func NewClock(now func() float64) *Clock {
	if now == nil {
		now = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }
	}
	return &Clock{last: make(map[string]float64), now: now}
}

// Next returns a timestamp strictly greater than any previously issued
// for sender.
func (c *Clock) Next(sender string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now()
	if prev, ok := c.last[sender]; ok && ts <= prev {
		ts = prev + 1e-6
	}
	c.last[sender] = ts
	return ts
}
