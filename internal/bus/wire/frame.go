// Package wire implements the socket transport connecting two bus
// endpoints: a websocket server with per-platform connection identity and
// token auth, and the matching client. One JSON object per frame:
// {"type": "message"|"send", "payload": <envelope-or-list>}.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/bytedance/sonic"

	"github.com/chatwire/chatwire/internal/bus/codec"
	"github.com/chatwire/chatwire/internal/bus/envelope"
)

// FrameType tags a wire frame.
type FrameType string

const (
	// FrameTypeMessage carries envelopes toward the receiving endpoint's
	// core handlers.
	FrameTypeMessage FrameType = "message"
	// FrameTypeSend carries envelopes pushed at the peer for delivery to
	// its platform.
	FrameTypeSend FrameType = "send"
)

// Frame is one JSON object on the socket. Payload is an envelope or a JSON
// array of envelopes.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeFrame wraps a single envelope in a frame of the given type.
func EncodeFrame(frameType FrameType, env *envelope.Envelope) ([]byte, error) {
	payload, err := codec.Encode(env)
	if err != nil {
		return nil, err
	}
	return sonic.ConfigStd.Marshal(Frame{Type: frameType, Payload: payload})
}

// EncodeBatchFrame wraps a batch of envelopes in one frame.
func EncodeBatchFrame(frameType FrameType, envs []*envelope.Envelope) ([]byte, error) {
	payload, err := codec.EncodeMany(envs)
	if err != nil {
		return nil, err
	}
	return sonic.ConfigStd.Marshal(Frame{Type: frameType, Payload: payload})
}

// parseFrames splits inbound socket data into frames. The data may be a
// single frame object or a JSON array of frame objects.
func parseFrames(data []byte) ([]Frame, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.New("empty frame")
	}
	if trimmed[0] == '[' {
		var frames []Frame
		if err := sonic.ConfigStd.Unmarshal(trimmed, &frames); err != nil {
			return nil, err
		}
		return frames, nil
	}
	var frame Frame
	if err := sonic.ConfigStd.Unmarshal(trimmed, &frame); err != nil {
		return nil, err
	}
	return []Frame{frame}, nil
}

// decodePayload expands a frame payload into envelopes. Array payloads are
// split first so one bad item surfaces as an error without hiding the rest;
// the caller receives every envelope that did decode plus the first error.
func decodePayload(payload json.RawMessage) ([]*envelope.Envelope, error) {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.New("empty frame payload")
	}
	if trimmed[0] != '[' {
		env, err := codec.Decode(trimmed)
		if err != nil {
			return nil, err
		}
		return []*envelope.Envelope{env}, nil
	}

	var items []json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	envs := make([]*envelope.Envelope, 0, len(items))
	var firstErr error
	for _, item := range items {
		env, err := codec.Decode(item)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		envs = append(envs, env)
	}
	return envs, firstErr
}
