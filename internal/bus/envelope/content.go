package envelope

import (
	"bytes"

	"github.com/bytedance/sonic"
)

// ContentType is the fixed enumeration of content tags. Unknown tags are
// decode errors, never silently dropped.
type ContentType string

const (
	ContentTypeText    ContentType = "text"
	ContentTypeImage   ContentType = "image"
	ContentTypeAudio   ContentType = "audio"
	ContentTypeFile    ContentType = "file"
	ContentTypeVideo   ContentType = "video"
	ContentTypeEvent   ContentType = "event"
	ContentTypeCommand ContentType = "command"
	ContentTypeSystem  ContentType = "system"
)

// EventType enumerates the platform lifecycle events carried by EventContent.
type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventMessageUpdated EventType = "message_updated"
	EventMessageDeleted EventType = "message_deleted"
	EventMemberJoin     EventType = "member_join"
	EventMemberLeave    EventType = "member_leave"
	EventTyping         EventType = "typing"
	EventReactionAdd    EventType = "reaction_add"
	EventReactionRemove EventType = "reaction_remove"
)

// Content is the tagged union of message bodies. Each variant carries only
// the fields relevant to its tag; the tag is authoritative for validation.
type Content interface {
	ContentType() ContentType
	validate() error
}

// TextContent is a plain or markdown text message.
type TextContent struct {
	Type     ContentType      `json:"type"`
	Text     string           `json:"text"`
	Markdown bool             `json:"markdown,omitempty"`
	Entities []map[string]any `json:"entities,omitempty"`
}

// NewText builds a text content body.
func NewText(text string) *TextContent {
	return &TextContent{Type: ContentTypeText, Text: text}
}

func (c *TextContent) ContentType() ContentType { return ContentTypeText }

func (c *TextContent) validate() error {
	return requireTag(c.Type, ContentTypeText)
}

// ImageContent references an image by URL or platform file id.
type ImageContent struct {
	Type     ContentType `json:"type"`
	URL      string      `json:"url"`
	MimeType string      `json:"mime_type,omitempty"`
	Width    int         `json:"width,omitempty"`
	Height   int         `json:"height,omitempty"`
	FileID   string      `json:"file_id,omitempty"`
}

func (c *ImageContent) ContentType() ContentType { return ContentTypeImage }

func (c *ImageContent) validate() error {
	if err := requireTag(c.Type, ContentTypeImage); err != nil {
		return err
	}
	if c.URL == "" && c.FileID == "" {
		return schemaErrorf("image content requires url or file_id")
	}
	return nil
}

// AudioContent references an audio clip.
type AudioContent struct {
	Type       ContentType `json:"type"`
	URL        string      `json:"url"`
	MimeType   string      `json:"mime_type,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	FileID     string      `json:"file_id,omitempty"`
}

func (c *AudioContent) ContentType() ContentType { return ContentTypeAudio }

func (c *AudioContent) validate() error {
	if err := requireTag(c.Type, ContentTypeAudio); err != nil {
		return err
	}
	if c.URL == "" && c.FileID == "" {
		return schemaErrorf("audio content requires url or file_id")
	}
	return nil
}

// FileContent references an arbitrary file attachment.
type FileContent struct {
	Type     ContentType `json:"type"`
	URL      string      `json:"url"`
	MimeType string      `json:"mime_type,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	FileSize int64       `json:"file_size,omitempty"`
	FileID   string      `json:"file_id,omitempty"`
}

func (c *FileContent) ContentType() ContentType { return ContentTypeFile }

func (c *FileContent) validate() error {
	if err := requireTag(c.Type, ContentTypeFile); err != nil {
		return err
	}
	if c.URL == "" && c.FileID == "" {
		return schemaErrorf("file content requires url or file_id")
	}
	return nil
}

// VideoContent references a video clip.
type VideoContent struct {
	Type       ContentType `json:"type"`
	URL        string      `json:"url"`
	MimeType   string      `json:"mime_type,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	FileID     string      `json:"file_id,omitempty"`
}

func (c *VideoContent) ContentType() ContentType { return ContentTypeVideo }

func (c *VideoContent) validate() error {
	if err := requireTag(c.Type, ContentTypeVideo); err != nil {
		return err
	}
	if c.URL == "" && c.FileID == "" {
		return schemaErrorf("video content requires url or file_id")
	}
	return nil
}

// EventContent carries a platform lifecycle event rather than a user message.
type EventContent struct {
	Type      ContentType    `json:"type"`
	EventType EventType      `json:"event_type"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// NewEvent builds an event content body.
func NewEvent(eventType EventType, raw map[string]any) *EventContent {
	return &EventContent{Type: ContentTypeEvent, EventType: eventType, Raw: raw}
}

func (c *EventContent) ContentType() ContentType { return ContentTypeEvent }

func (c *EventContent) validate() error {
	if err := requireTag(c.Type, ContentTypeEvent); err != nil {
		return err
	}
	if c.EventType == "" {
		return schemaErrorf("event content requires event_type")
	}
	return nil
}

// CommandContent is a parsed bot command with structured arguments.
type CommandContent struct {
	Type ContentType    `json:"type"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

func (c *CommandContent) ContentType() ContentType { return ContentTypeCommand }

func (c *CommandContent) validate() error {
	if err := requireTag(c.Type, ContentTypeCommand); err != nil {
		return err
	}
	if c.Name == "" {
		return schemaErrorf("command content requires name")
	}
	return nil
}

// SystemContent is a bus- or core-originated notice.
type SystemContent struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

func (c *SystemContent) ContentType() ContentType { return ContentTypeSystem }

func (c *SystemContent) validate() error {
	return requireTag(c.Type, ContentTypeSystem)
}

func requireTag(got, want ContentType) error {
	if got != want {
		return schemaErrorf("content tag %q does not match variant %q", got, want)
	}
	return nil
}

// DecodeContent resolves the content union from its inline "type" tag. The
// declared fields must match the tag exactly: unknown tags and fields that
// belong to a different variant are rejected with a *SchemaError.
func DecodeContent(data []byte) (Content, error) {
	var probe struct {
		Type ContentType `json:"type"`
	}
	if err := sonic.ConfigStd.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var content Content
	switch probe.Type {
	case ContentTypeText:
		content = &TextContent{}
	case ContentTypeImage:
		content = &ImageContent{}
	case ContentTypeAudio:
		content = &AudioContent{}
	case ContentTypeFile:
		content = &FileContent{}
	case ContentTypeVideo:
		content = &VideoContent{}
	case ContentTypeEvent:
		content = &EventContent{}
	case ContentTypeCommand:
		content = &CommandContent{}
	case ContentTypeSystem:
		content = &SystemContent{}
	case "":
		return nil, schemaErrorf("content is missing its type tag")
	default:
		return nil, schemaErrorf("unknown content type %q", probe.Type)
	}

	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(content); err != nil {
		return nil, &SchemaError{Detail: "content fields do not match tag " + string(probe.Type), Err: err}
	}
	if err := content.validate(); err != nil {
		return nil, err
	}
	return content, nil
}
