package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the framing shared by every codec. Data always holds JSON
// so schema validation works the same regardless of the wire encoding.
type Envelope struct {
	Type      string
	Data      json.RawMessage
	Timestamp time.Time
	ID        string
}

// Codec converts envelopes to and from websocket messages.
type Codec interface {
	Name() string
	// Binary reports whether frames travel as binary websocket messages.
	Binary() bool
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

var ErrUnknownCodec = errors.New("unknown codec")

// CodecByName returns the codec registered under name ("json" when empty).
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}

// ---- JSON ----

type JSONCodec struct{}

type jsonFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	ID        string          `json:"id,omitempty"`
}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	ts, err := json.Marshal(FormatTime(env.Timestamp))
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonFrame{Type: env.Type, Data: env.Data, Timestamp: ts, ID: env.ID})
}

func (JSONCodec) Decode(b []byte) (Envelope, error) {
	var f jsonFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return Envelope{}, err
	}
	if strings.TrimSpace(f.Type) == "" {
		return Envelope{}, errors.New("frame without type")
	}
	ts, err := parseTimestamp(f.Timestamp)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: f.Type, Data: f.Data, Timestamp: ts, ID: f.ID}, nil
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return t, nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.UnixMilli(int64(ms)), nil
}

// ---- CBOR ----

// CBORCodec frames events as CBOR maps in binary messages. Timestamps are
// unix milliseconds.
type CBORCodec struct {
	dec cbor.DecMode
}

type cborFrame struct {
	Type      string `cbor:"type"`
	Data      any    `cbor:"data,omitempty"`
	Timestamp int64  `cbor:"timestamp,omitempty"`
	ID        string `cbor:"id,omitempty"`
}

func NewCBORCodec() (*CBORCodec, error) {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{dec: dm}, nil
}

func (*CBORCodec) Name() string { return "cbor" }
func (*CBORCodec) Binary() bool { return true }

func (c *CBORCodec) Encode(env Envelope) ([]byte, error) {
	f := cborFrame{Type: env.Type, ID: env.ID}
	if !env.Timestamp.IsZero() {
		f.Timestamp = env.Timestamp.UnixMilli()
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &f.Data); err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(f)
}

func (c *CBORCodec) Decode(b []byte) (Envelope, error) {
	var f cborFrame
	if err := c.dec.Unmarshal(b, &f); err != nil {
		return Envelope{}, err
	}
	if strings.TrimSpace(f.Type) == "" {
		return Envelope{}, errors.New("frame without type")
	}
	env := Envelope{Type: f.Type, ID: f.ID}
	if f.Timestamp != 0 {
		env.Timestamp = time.UnixMilli(f.Timestamp)
	}
	if f.Data != nil {
		data, err := json.Marshal(f.Data)
		if err != nil {
			return Envelope{}, fmt.Errorf("cbor data: %w", err)
		}
		env.Data = data
	}
	return env, nil
}
