package archive

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestChatKindFromID(t *testing.T) {
	assert.Equal(t, ChatKindPrivate, ChatKindFromID(123456))
	assert.Equal(t, ChatKindGroup, ChatKindFromID(-987654))
	assert.Equal(t, ChatKindBroadcast, ChatKindFromID(-1001234567890))
}

func TestMediaKindFromMIME(t *testing.T) {
	assert.Equal(t, MediaPhoto, MediaKindFromMIME("image/jpeg"))
	assert.Equal(t, MediaGIF, MediaKindFromMIME("image/gif"))
	assert.Equal(t, MediaSticker, MediaKindFromMIME("image/webp"))
	assert.Equal(t, MediaVideo, MediaKindFromMIME("video/mp4"))
	assert.Equal(t, MediaVoice, MediaKindFromMIME("audio/ogg"))
	assert.Equal(t, MediaAudio, MediaKindFromMIME("audio/mpeg"))
	assert.Equal(t, MediaDocument, MediaKindFromMIME("application/pdf"))
	assert.Equal(t, "", MediaKindFromMIME(""))
}

func TestPreviewText(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, previewText(short))

	long := strings.Repeat("é", 400)
	got := previewText(long)
	assert.LessOrEqual(t, len(got), textPreviewLimit)
	assert.True(t, utf8.ValidString(got))
}

func TestMessageEventArchiveText(t *testing.T) {
	evt := &MessageEvent{Text: "hi"}
	assert.Equal(t, "hi", evt.ArchiveText())
	assert.True(t, evt.HasContent())

	evt = &MessageEvent{MediaKind: MediaPhoto}
	assert.Equal(t, "[photo]", evt.ArchiveText())
	assert.True(t, evt.HasContent())

	evt = &MessageEvent{}
	assert.Equal(t, "", evt.ArchiveText())
	assert.False(t, evt.HasContent())
}

func TestParseRefs(t *testing.T) {
	id, ok := parseChatID("-1001234567890")
	assert.True(t, ok)
	assert.EqualValues(t, -1001234567890, id)
	_, ok = parseChatID("@news")
	assert.False(t, ok)

	for _, ref := range []string{"@news", "news", "https://t.me/news", "t.me/news"} {
		username, ok := parseUsername(ref)
		assert.True(t, ok, ref)
		assert.Equal(t, "news", username)
	}
	for _, ref := range []string{"https://t.me/+abc", "t.me/joinchat/xyz", ""} {
		_, ok := parseUsername(ref)
		assert.False(t, ok, ref)
	}
}
