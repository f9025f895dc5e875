package envelope

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	return &Envelope{
		ID:          "msg-1",
		Direction:   DirectionIncoming,
		Platform:    "telegram",
		TimestampMS: 1700000000000,
		Channel:     &ChannelInfo{ChannelID: "chan-1", ChannelType: ChannelTypeGroup},
		Sender:      &SenderInfo{UserID: "user-1", Role: RoleUser},
		Content:     NewText("hello"),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validEnvelope().Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		env := validEnvelope()
		env.ID = ""
		err := env.Validate()
		require.Error(t, err)
		var se *SchemaError
		require.ErrorAs(t, err, &se)
	})

	t.Run("invalid direction", func(t *testing.T) {
		env := validEnvelope()
		env.Direction = "sideways"
		require.Error(t, env.Validate())
	})

	t.Run("missing platform", func(t *testing.T) {
		env := validEnvelope()
		env.Platform = ""
		require.Error(t, env.Validate())
	})

	t.Run("missing content", func(t *testing.T) {
		env := validEnvelope()
		env.Content = nil
		require.Error(t, env.Validate())
	})

	t.Run("content tag mismatch", func(t *testing.T) {
		env := validEnvelope()
		env.Content = &TextContent{Type: ContentTypeImage, Text: "x"}
		require.Error(t, env.Validate())
	})
}

func TestEnvelopeDedupKey(t *testing.T) {
	env := validEnvelope()
	assert.Equal(t, "msg-1|incoming|telegram", env.DedupKey())

	other := validEnvelope()
	other.Direction = DirectionOutgoing
	assert.NotEqual(t, env.DedupKey(), other.DedupKey())
}

func TestEnvelopeClone(t *testing.T) {
	edited := true
	env := validEnvelope()
	env.IsEdited = &edited
	env.Metadata = map[string]any{"k": "v"}

	clone := env.Clone()
	clone.Channel.ChannelID = "changed"
	clone.Metadata["k"] = "changed"
	*clone.IsEdited = false

	assert.Equal(t, "chan-1", env.Channel.ChannelID)
	assert.Equal(t, "v", env.Metadata["k"])
	assert.True(t, *env.IsEdited)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := validEnvelope()
	env.ConversationID = "conv-1"
	env.Metadata = map[string]any{"source": "test"}

	data, err := sonic.ConfigStd.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, sonic.ConfigStd.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Validate())

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Direction, decoded.Direction)
	assert.Equal(t, env.ConversationID, decoded.ConversationID)

	text, ok := decoded.Content.(*TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)
}

func TestDecodeContent(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		c, err := DecodeContent([]byte(`{"type":"text","text":"hi","markdown":true}`))
		require.NoError(t, err)
		text, ok := c.(*TextContent)
		require.True(t, ok)
		assert.Equal(t, "hi", text.Text)
		assert.True(t, text.Markdown)
	})

	t.Run("event", func(t *testing.T) {
		c, err := DecodeContent([]byte(`{"type":"event","event_type":"member_join","raw":{"user":"u1"}}`))
		require.NoError(t, err)
		ev, ok := c.(*EventContent)
		require.True(t, ok)
		assert.Equal(t, EventMemberJoin, ev.EventType)
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := DecodeContent([]byte(`{"type":"sticker","text":"hi"}`))
		var se *SchemaError
		require.ErrorAs(t, err, &se)
	})

	t.Run("missing tag", func(t *testing.T) {
		_, err := DecodeContent([]byte(`{"text":"hi"}`))
		var se *SchemaError
		require.ErrorAs(t, err, &se)
	})

	t.Run("fields from wrong variant", func(t *testing.T) {
		_, err := DecodeContent([]byte(`{"type":"text","text":"hi","url":"http://x"}`))
		var se *SchemaError
		require.ErrorAs(t, err, &se)
	})

	t.Run("event missing event_type", func(t *testing.T) {
		_, err := DecodeContent([]byte(`{"type":"event"}`))
		require.Error(t, err)
	})

	t.Run("image requires url or file id", func(t *testing.T) {
		_, err := DecodeContent([]byte(`{"type":"image"}`))
		require.Error(t, err)

		_, err = DecodeContent([]byte(`{"type":"image","file_id":"f1"}`))
		require.NoError(t, err)
	})

	t.Run("command requires name", func(t *testing.T) {
		_, err := DecodeContent([]byte(`{"type":"command","args":{"a":1}}`))
		require.Error(t, err)
	})
}

func TestEnvelopeEventType(t *testing.T) {
	env := validEnvelope()
	assert.Equal(t, EventType(""), env.EventType())

	env.Content = NewEvent(EventTyping, nil)
	assert.Equal(t, EventTyping, env.EventType())
	assert.Equal(t, ContentTypeEvent, env.ContentType())
}
