// Package codec serializes envelopes to and from the JSON wire format.
//
// Decoding distinguishes two failure classes: payloads that are not valid
// JSON at all ("malformed wire format") and payloads that parse but violate
// the envelope schema. Both surface as *DecodeError so receive loops can
// isolate a bad frame without crashing.
package codec

import (
	"errors"

	"github.com/bytedance/sonic"

	"github.com/chatwire/chatwire/internal/bus/envelope"
)

// DecodeError wraps any failure to turn wire bytes into a valid envelope.
type DecodeError struct {
	// SchemaViolation is true when the payload was well-formed JSON but
	// does not satisfy the envelope schema; false means the bytes were not
	// parseable JSON in the first place.
	SchemaViolation bool
	Err             error
}

func (e *DecodeError) Error() string {
	if e.SchemaViolation {
		return "chatwire: decode: schema violation: " + e.Err.Error()
	}
	return "chatwire: decode: malformed wire format: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsSchemaViolation reports whether err is a DecodeError caused by a
// schema-invalid (rather than malformed) payload.
func IsSchemaViolation(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.SchemaViolation
}

// Encode serializes a single envelope. The envelope is validated first so a
// structurally invalid value never reaches the wire.
func Encode(env *envelope.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("chatwire: encode: nil envelope")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return sonic.ConfigStd.Marshal(env)
}

// EncodeMany serializes a sequence of envelopes framed as a JSON array.
func EncodeMany(envs []*envelope.Envelope) ([]byte, error) {
	for _, env := range envs {
		if env == nil {
			return nil, errors.New("chatwire: encode: nil envelope in batch")
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
	}
	if envs == nil {
		envs = []*envelope.Envelope{}
	}
	return sonic.ConfigStd.Marshal(envs)
}

// Decode parses and validates a single envelope.
func Decode(data []byte) (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := sonic.ConfigStd.Unmarshal(data, &env); err != nil {
		return nil, classify(data, err)
	}
	if err := env.Validate(); err != nil {
		return nil, &DecodeError{SchemaViolation: true, Err: err}
	}
	return &env, nil
}

// DecodeMany parses a JSON array of envelopes. The whole batch fails if any
// element is invalid; receive loops that need per-item isolation should split
// the array first and Decode each element.
func DecodeMany(data []byte) ([]*envelope.Envelope, error) {
	var envs []*envelope.Envelope
	if err := sonic.ConfigStd.Unmarshal(data, &envs); err != nil {
		return nil, classify(data, err)
	}
	for _, env := range envs {
		if env == nil {
			return nil, &DecodeError{SchemaViolation: true, Err: errors.New("null envelope in batch")}
		}
		if err := env.Validate(); err != nil {
			return nil, &DecodeError{SchemaViolation: true, Err: err}
		}
	}
	return envs, nil
}

// classify splits decode failures into malformed-JSON vs schema-violation.
func classify(data []byte, err error) *DecodeError {
	if !sonic.Valid(data) {
		return &DecodeError{SchemaViolation: false, Err: err}
	}
	return &DecodeError{SchemaViolation: true, Err: err}
}
