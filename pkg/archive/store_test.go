package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_UpsertMessageIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	evt := testMessage(100, 1, "hello")

	require.NoError(t, store.UpsertMessage(ctx, evt))
	require.NoError(t, store.UpsertMessage(ctx, evt))

	count, err := store.CountMessages(ctx, MessageFilter{ChatID: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	msg, err := store.GetMessage(ctx, 100, 1)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.Meta.TextPreview)
	assert.Equal(t, RawFormatVersion, msg.Raw.Version)
	assert.JSONEq(t, `{"id":1,"message":"hello"}`, string(msg.Raw.Payload))
}

func TestStore_UpsertMessageReplacesContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 1, "first")))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 1, "second")))

	msg, err := store.GetMessage(ctx, 100, 1)
	require.NoError(t, err)
	assert.Equal(t, "second", msg.Meta.TextPreview)
}

func TestStore_SameMessageIDDifferentChats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 1, "in chat 100")))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(200, 1, "in chat 200")))

	a, err := store.GetMessage(ctx, 100, 1)
	require.NoError(t, err)
	b, err := store.GetMessage(ctx, 200, 1)
	require.NoError(t, err)
	assert.Equal(t, "in chat 100", a.Meta.TextPreview)
	assert.Equal(t, "in chat 200", b.Meta.TextPreview)
}

func TestStore_UpsertChatKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	chat := &Chat{ID: -1001234, Title: "News", Username: "news", Kind: ChatKindBroadcast}
	require.NoError(t, store.UpsertChat(ctx, chat))

	first, err := store.GetChat(ctx, -1001234)
	require.NoError(t, err)
	require.NotNil(t, first)

	chat.Title = "News (renamed)"
	require.NoError(t, store.UpsertChat(ctx, chat))
	second, err := store.GetChat(ctx, -1001234)
	require.NoError(t, err)
	assert.Equal(t, "News (renamed)", second.Title)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	byName, err := store.GetChatByUsername(ctx, "NEWS")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, int64(-1001234), byName.ID)
}

func TestStore_CursorRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.GetCursor(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cursor.LastLoadedID)
	assert.False(t, cursor.FullyLoaded)

	cursor.LastLoadedID = 57
	cursor.TotalLoaded = 43
	cursor.FullyLoaded = true
	cursor.LastMessageAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cursor.LastSyncedAt = time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)
	require.NoError(t, store.PutCursor(ctx, cursor))

	loaded, err := store.GetCursor(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 57, loaded.LastLoadedID)
	assert.EqualValues(t, 43, loaded.TotalLoaded)
	assert.True(t, loaded.FullyLoaded)
	assert.True(t, loaded.LastMessageAt.Equal(cursor.LastMessageAt))
}

func TestStore_MarkDeletedKeepsRaw(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 5, "doomed")))
	deletedAt := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkDeleted(ctx, 100, 5, deletedAt))

	msg, err := store.GetMessage(ctx, 100, 5)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Meta.Deleted)
	require.NotNil(t, msg.Meta.DeletedAt)
	assert.True(t, msg.Meta.DeletedAt.Equal(deletedAt))
	assert.Equal(t, "doomed", msg.Meta.TextPreview)
	assert.NotEmpty(t, msg.Raw.Payload)

	events, err := store.ListDeletionEvents(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 5, events[0].MessageID)
	assert.Equal(t, EventTypeDeleted, events[0].EventType)
}

func TestStore_ExportChat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertChat(ctx, &Chat{ID: 100, Title: "Dump", Kind: ChatKindPrivate}))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 1, "kept")))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 2, "gone")))
	require.NoError(t, store.MarkDeleted(ctx, 100, 2, time.Now()))
	require.NoError(t, store.PutCursor(ctx, &LoadingCursor{ChatID: 100, TotalLoaded: 2, FullyLoaded: true}))

	export, err := store.ExportChat(ctx, 100, 0)
	require.NoError(t, err)
	require.NotNil(t, export)
	assert.Equal(t, "Dump", export.Chat.Title)
	assert.True(t, export.Cursor.FullyLoaded)
	// Exports keep soft-deleted messages.
	assert.Len(t, export.Messages, 2)

	deleted, err := store.ListDeleted(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.EqualValues(t, 2, deleted[0].MessageID)

	export, err = store.ExportChat(ctx, 999, 0)
	require.NoError(t, err)
	assert.Nil(t, export)
}

func TestStore_ListMessagesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 1, "apple pie recipe")))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 2, "banana bread")))
	photo := testMessage(100, 3, "")
	photo.MediaKind = MediaPhoto
	photo.Media = []FileRef{{FileID: "abc", Kind: MediaPhoto}}
	require.NoError(t, store.UpsertMessage(ctx, photo))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(200, 4, "apple juice")))
	require.NoError(t, store.MarkDeleted(ctx, 100, 2, time.Now()))

	visible, err := store.ListMessages(ctx, MessageFilter{ChatID: 100})
	require.NoError(t, err)
	require.Len(t, visible, 2)
	// Newest first.
	assert.EqualValues(t, 3, visible[0].MessageID)
	assert.EqualValues(t, 1, visible[1].MessageID)

	all, err := store.ListMessages(ctx, MessageFilter{ChatID: 100, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	deleted, err := store.ListMessages(ctx, MessageFilter{OnlyDeleted: true})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.EqualValues(t, 2, deleted[0].MessageID)

	apples, err := store.ListMessages(ctx, MessageFilter{Search: "apple"})
	require.NoError(t, err)
	assert.Len(t, apples, 2)

	photos, err := store.ListMessages(ctx, MessageFilter{MediaKind: MediaPhoto})
	require.NoError(t, err)
	require.Len(t, photos, 1)
	assert.Equal(t, "[photo]", photos[0].TextPreview)
	assert.True(t, photos[0].HasMedia)
}

func TestStore_EditHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendEdit(ctx, &EditRecord{
		ChatID:    100,
		MessageID: 7,
		EditedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		OldText:   "v1",
		NewText:   "v2",
		OldRaw:    NewRawEnvelope(json.RawMessage(`{"message":"v1"}`)),
	}))
	require.NoError(t, store.AppendEdit(ctx, &EditRecord{
		ChatID:    100,
		MessageID: 7,
		EditedAt:  time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
		OldText:   "v2",
		NewText:   "v3",
	}))

	edits, err := store.ListEdits(ctx, 100, 7)
	require.NoError(t, err)
	require.Len(t, edits, 2)
	assert.Equal(t, "v1", edits[0].OldText)
	assert.Equal(t, "v3", edits[1].NewText)
}

func TestStore_StatsAndMaxID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertChat(ctx, &Chat{ID: 100, Kind: ChatKindPrivate}))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 3, "a")))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 9, "b")))
	require.NoError(t, store.PutCursor(ctx, &LoadingCursor{ChatID: 100, FullyLoaded: true}))
	require.NoError(t, store.MarkDeleted(ctx, 100, 3, time.Now()))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalMessages)
	assert.EqualValues(t, 1, stats.TotalChats)
	assert.EqualValues(t, 1, stats.FullyLoadedChats)
	assert.EqualValues(t, 1, stats.DeletedMessages)

	maxID, err := store.MaxMessageID(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 9, maxID)

	maxEmpty, err := store.MaxMessageID(ctx, 999)
	require.NoError(t, err)
	assert.EqualValues(t, 0, maxEmpty)
}

func TestStore_ResetChatData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertMessage(ctx, testMessage(100, 1, "a")))
	require.NoError(t, store.UpsertMessage(ctx, testMessage(200, 1, "b")))
	require.NoError(t, store.PutCursor(ctx, &LoadingCursor{ChatID: 100, TotalLoaded: 1}))

	require.NoError(t, store.ResetChatData(ctx, 100))

	gone, err := store.GetMessage(ctx, 100, 1)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := store.GetMessage(ctx, 200, 1)
	require.NoError(t, err)
	assert.NotNil(t, kept)
	cursor, err := store.GetCursor(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cursor.TotalLoaded)
}
