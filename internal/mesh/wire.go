package mesh

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen is the largest wire frame this node will emit or accept,
// payload plus the terminating NUL byte, per the v1 envelope format.
const MaxFrameLen = 1024

// Schema is the only envelope schema this node speaks.
const Schema = "v1"

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameLen.
	ErrFrameTooLarge = errors.New("mesh: frame exceeds maximum length")
	// ErrFrameNotTerminated indicates a frame was read without a trailing NUL.
	ErrFrameNotTerminated = errors.New("mesh: frame missing NUL terminator")
)

// FrameReader reads NUL-terminated JSON frames from a stream, accumulating
// partial reads across calls the way pkg/meshtastic's StreamFramer did for
// its magic+length frames.
type FrameReader struct {
	r          io.Reader
	buf        []byte
	discarding bool // dropping the rest of an oversized frame
}

// NewFrameReader wraps r for frame-oriented reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, buf: make([]byte, 0, MaxFrameLen)}
}

// ReadFrame blocks until a full NUL-terminated frame is available, returning
// the payload with the NUL stripped. Frames longer than MaxFrameLen are
// rejected and the reader resyncs by discarding up to the next NUL.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for {
		if idx := bytes.IndexByte(f.buf, 0); idx >= 0 {
			payload := make([]byte, idx)
			copy(payload, f.buf[:idx])
			f.buf = append(f.buf[:0], f.buf[idx+1:]...)
			if f.discarding {
				f.discarding = false
				continue
			}
			if idx+1 > MaxFrameLen {
				return nil, ErrFrameTooLarge
			}
			return payload, nil
		}

		if len(f.buf) >= MaxFrameLen {
			// No terminator within the budget: drop what we have and
			// keep reading so a single oversized sender can't wedge us.
			f.buf = f.buf[:0]
			f.discarding = true
			return nil, ErrFrameTooLarge
		}

		chunk := make([]byte, MaxFrameLen)
		n, err := f.r.Read(chunk)
		if n > 0 {
			f.buf = append(f.buf, chunk[:n]...)
		}
		if err != nil {
			if n > 0 && bytes.IndexByte(f.buf, 0) >= 0 {
				continue
			}
			return nil, err
		}
	}
}

// WriteFrame writes data followed by a NUL terminator in a single call so
// the frame reaches the peer atomically.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data)+1 > MaxFrameLen {
		return ErrFrameTooLarge
	}
	frame := make([]byte, len(data)+1)
	copy(frame, data)
	_, err := w.Write(frame)
	return err
}

// wireFrame is the on-the-wire shape of an Envelope.
type wireFrame struct {
	Schema          string          `json:"schema"`
	Type            FrameType       `json:"type"`
	CorrelationID   uint32          `json:"correlation_id"`
	TimestampMs     uint64          `json:"timestamp_ms"`
	SourceDevice    string          `json:"source_device"`
	DestDevice      string          `json:"destination_device,omitempty"`
	Kind            Kind            `json:"kind"`
	TTL             int             `json:"ttl"`
	Hop             int             `json:"hop"`
	OriginSetTopic  string          `json:"origin_set_topic,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// FrameType distinguishes the transport-level purpose of a wire frame.
type FrameType string

const (
	FrameRequest  FrameType = "REQUEST"
	FrameResponse FrameType = "RESPONSE"
	FrameEvent    FrameType = "EVENT"
	FrameHello    FrameType = "HELLO"
)

// EncodeFrame serializes an envelope plus its transport type into a wire
// frame. The caller still appends the NUL via WriteFrame.
func EncodeFrame(ft FrameType, env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode payload: %w", err)
	}

	wf := wireFrame{
		Schema:         Schema,
		Type:           ft,
		CorrelationID:  env.CorrelationID,
		TimestampMs:    env.TimestampMs,
		SourceDevice:   env.SourceDevice,
		DestDevice:     env.DestinationDevice,
		Kind:           env.Kind,
		TTL:            env.TTL,
		Hop:            env.Hop,
		OriginSetTopic: env.OriginSetTopic,
		Payload:        payload,
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode frame: %w", err)
	}
	if len(data)+1 > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// DecodeFrame parses a raw frame payload (NUL already stripped) back into a
// transport type and envelope.
func DecodeFrame(raw []byte) (FrameType, Envelope, error) {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return "", Envelope{}, fmt.Errorf("mesh: decode frame: %w", err)
	}
	if wf.Schema != Schema {
		return "", Envelope{}, fmt.Errorf("mesh: unsupported schema %q", wf.Schema)
	}

	var payload interface{}
	if len(wf.Payload) > 0 {
		if err := json.Unmarshal(wf.Payload, &payload); err != nil {
			return "", Envelope{}, fmt.Errorf("mesh: decode payload: %w", err)
		}
	}

	env := Envelope{
		CorrelationID:     wf.CorrelationID,
		TimestampMs:       wf.TimestampMs,
		SourceDevice:      wf.SourceDevice,
		DestinationDevice: wf.DestDevice,
		Kind:              wf.Kind,
		TTL:               wf.TTL,
		Hop:               wf.Hop,
		OriginSetTopic:    wf.OriginSetTopic,
		Payload:           payload,
	}
	return wf.Type, env, nil
}
