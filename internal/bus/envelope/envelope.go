// Package envelope defines the canonical, platform-agnostic message
// representation exchanged across the bus. Every adapter converts its
// platform's native payloads into an Envelope before anything inside the
// core sees them, and converts Envelopes back on the way out.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Direction marks which way an envelope travels relative to the core.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Role identifies the kind of actor that produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RolePlatform  Role = "platform"
)

// ChannelType is the fixed enumeration of conversation surfaces.
type ChannelType string

const (
	ChannelTypePrivate    ChannelType = "private"
	ChannelTypeGroup      ChannelType = "group"
	ChannelTypeSupergroup ChannelType = "supergroup"
	ChannelTypeChannel    ChannelType = "channel"
	ChannelTypeDM         ChannelType = "dm"
	ChannelTypeRoom       ChannelType = "room"
	ChannelTypeThread     ChannelType = "thread"
)

// ChannelInfo describes the conversation surface an envelope belongs to.
type ChannelInfo struct {
	ChannelID   string         `json:"channel_id"`
	ChannelType ChannelType    `json:"channel_type,omitempty"`
	Title       string         `json:"title,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// SenderInfo describes who produced the message.
type SenderInfo struct {
	UserID      string         `json:"user_id"`
	Role        Role           `json:"role,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Envelope is the single canonical unit of exchange on the bus.
//
// An envelope is immutable once handed to a sink: adapters and handlers must
// treat envelopes they did not create as read-only and use Clone before
// mutating. ID+Direction+Platform is unique enough to deduplicate within one
// routing session; no global uniqueness across restarts is guaranteed.
type Envelope struct {
	ID          string       `json:"id"`
	Direction   Direction    `json:"direction"`
	Platform    string       `json:"platform"`
	TimestampMS int64        `json:"timestamp_ms"`
	Channel     *ChannelInfo `json:"channel,omitempty"`
	Sender      *SenderInfo  `json:"sender,omitempty"`
	Content     Content      `json:"content"`

	// ConversationID is the logical thread/session identifier used for
	// ordering and correlation.
	ConversationID string `json:"conversation_id,omitempty"`

	ThreadID         string `json:"thread_id,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	IsEdited         *bool  `json:"is_edited,omitempty"`
	IsEphemeral      *bool  `json:"is_ephemeral,omitempty"`

	// RawPlatformMessage is an opaque passthrough of the platform payload.
	RawPlatformMessage map[string]any `json:"raw_platform_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	SchemaVersion      int            `json:"schema_version,omitempty"`
}

// SchemaError reports a payload that parsed as JSON but violates the
// envelope schema (unknown content tag, fields that do not belong to the
// declared tag, missing required fields, invalid enum values).
type SchemaError struct {
	Detail string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return "envelope schema violation: " + e.Detail + ": " + e.Err.Error()
	}
	return "envelope schema violation: " + e.Detail
}

func (e *SchemaError) Unwrap() error { return e.Err }

func schemaErrorf(format string, args ...any) *SchemaError {
	return &SchemaError{Detail: fmt.Sprintf(format, args...)}
}

// Validate checks the structural invariants that every envelope must satisfy
// before it crosses a sink or wire boundary.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return schemaErrorf("missing id")
	}
	if e.Direction != DirectionIncoming && e.Direction != DirectionOutgoing {
		return schemaErrorf("invalid direction %q", e.Direction)
	}
	if e.Platform == "" {
		return schemaErrorf("missing platform")
	}
	if e.Content == nil {
		return schemaErrorf("missing content")
	}
	return e.Content.validate()
}

// DedupKey returns the identity used to deduplicate envelopes within one
// routing session.
func (e *Envelope) DedupKey() string {
	return e.ID + "|" + string(e.Direction) + "|" + e.Platform
}

// ContentType returns the tag of the envelope's content, or "" when the
// content is absent.
func (e *Envelope) ContentType() ContentType {
	if e.Content == nil {
		return ""
	}
	return e.Content.ContentType()
}

// EventType returns the event tag when the content is an event, or "".
func (e *Envelope) EventType() EventType {
	if ev, ok := e.Content.(*EventContent); ok {
		return ev.EventType
	}
	return ""
}

// Clone returns a copy the caller may mutate without violating the
// read-only invariant. Maps on the envelope itself are copied; the content
// value and sub-record raw maps stay shared and must still be treated as
// read-only.
func (e *Envelope) Clone() *Envelope {
	out := *e
	if e.Channel != nil {
		ch := *e.Channel
		out.Channel = &ch
	}
	if e.Sender != nil {
		s := *e.Sender
		out.Sender = &s
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.IsEdited != nil {
		v := *e.IsEdited
		out.IsEdited = &v
	}
	if e.IsEphemeral != nil {
		v := *e.IsEphemeral
		out.IsEphemeral = &v
	}
	return &out
}

// envelopeWire mirrors Envelope with the content left raw so UnmarshalJSON
// can pick the concrete variant from the inline tag.
type envelopeWire struct {
	ID                 string          `json:"id"`
	Direction          Direction       `json:"direction"`
	Platform           string          `json:"platform"`
	TimestampMS        int64           `json:"timestamp_ms"`
	Channel            *ChannelInfo    `json:"channel,omitempty"`
	Sender             *SenderInfo     `json:"sender,omitempty"`
	Content            json.RawMessage `json:"content"`
	ConversationID     string          `json:"conversation_id,omitempty"`
	ThreadID           string          `json:"thread_id,omitempty"`
	ReplyToMessageID   string          `json:"reply_to_message_id,omitempty"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	IsEdited           *bool           `json:"is_edited,omitempty"`
	IsEphemeral        *bool           `json:"is_ephemeral,omitempty"`
	RawPlatformMessage map[string]any  `json:"raw_platform_message,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	SchemaVersion      int             `json:"schema_version,omitempty"`
}

// UnmarshalJSON decodes the envelope, resolving the content union from its
// inline "type" tag.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := sonic.ConfigStd.Unmarshal(data, &wire); err != nil {
		return err
	}
	var content Content
	if len(wire.Content) > 0 && !bytes.Equal(wire.Content, []byte("null")) {
		var err error
		content, err = DecodeContent(wire.Content)
		if err != nil {
			return err
		}
	}
	*e = Envelope{
		ID:                 wire.ID,
		Direction:          wire.Direction,
		Platform:           wire.Platform,
		TimestampMS:        wire.TimestampMS,
		Channel:            wire.Channel,
		Sender:             wire.Sender,
		Content:            content,
		ConversationID:     wire.ConversationID,
		ThreadID:           wire.ThreadID,
		ReplyToMessageID:   wire.ReplyToMessageID,
		CorrelationID:      wire.CorrelationID,
		IsEdited:           wire.IsEdited,
		IsEphemeral:        wire.IsEphemeral,
		RawPlatformMessage: wire.RawPlatformMessage,
		Metadata:           wire.Metadata,
		SchemaVersion:      wire.SchemaVersion,
	}
	return nil
}
