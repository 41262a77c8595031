// Package protocol defines the wire format spoken by the PLAF203 feeder:
// flat JSON objects with a cmd/msgId/ts header followed by command specific
// fields, exchanged over the per-device MQTT topics.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrMalformedEnvelope is returned when an inbound payload is not a JSON
// object or lacks a required header field.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is a decoded wire message. Fields keeps the complete original
// object so command specific payloads can be unmarshalled from it.
type Envelope struct {
	Cmd       Command
	MessageID string
	Timestamp int64 // epoch milliseconds, UTC
	Fields    json.RawMessage
}

type envelopeHeader struct {
	Cmd       *int    `json:"cmd"`
	MessageID *string `json:"msgId"`
	Timestamp *int64  `json:"ts"`
}

// Encode builds the wire bytes for an outbound message. The payload's fields
// are flattened into the same object as the header, matching the device
// firmware's expectation. A nil payload produces a header-only message.
// Encoding is deterministic for identical inputs.
func Encode(cmd Command, messageID string, timestamp int64, payload any) ([]byte, error) {
	obj := map[string]any{
		"cmd": int(cmd),
		"ts":  timestamp,
	}
	if messageID != "" {
		obj["msgId"] = messageID
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %s: %w", cmd, err)
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("payload for %s is not an object: %w", cmd, err)
		}
		for k, v := range fields {
			obj[k] = v
		}
	}

	return json.Marshal(obj)
}

// Decode parses a full envelope. cmd, msgId and ts are all required; an
// unknown cmd id is not an error here, classifying it is the dispatcher's
// job.
func Decode(data []byte) (*Envelope, error) {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if hdr.Cmd == nil || hdr.MessageID == nil || hdr.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing header field", ErrMalformedEnvelope)
	}

	return &Envelope{
		Cmd:       Command(*hdr.Cmd),
		MessageID: *hdr.MessageID,
		Timestamp: *hdr.Timestamp,
		Fields:    json.RawMessage(data),
	}, nil
}

// DecodeLight parses the reduced shape used on the heart and ntp channels,
// where the device omits msgId. cmd and ts are still required.
func DecodeLight(data []byte) (*Envelope, error) {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if hdr.Cmd == nil || hdr.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing header field", ErrMalformedEnvelope)
	}

	env := &Envelope{
		Cmd:       Command(*hdr.Cmd),
		Timestamp: *hdr.Timestamp,
		Fields:    json.RawMessage(data),
	}
	if hdr.MessageID != nil {
		env.MessageID = *hdr.MessageID
	}
	return env, nil
}

// DecodePayload unmarshals the command specific fields into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Fields, v); err != nil {
		return fmt.Errorf("%w: payload of %s: %v", ErrMalformedEnvelope, e.Cmd, err)
	}
	return nil
}

// NewMessageID generates a 32 character hex message id the way the vendor
// backend does: a random UUID pushed through sha256 and truncated.
func NewMessageID() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])[:32]
}
