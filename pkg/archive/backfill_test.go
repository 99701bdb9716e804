package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChatInfo(id int64, title, username string) *ChatInfo {
	return &ChatInfo{
		ID:       id,
		Title:    title,
		Username: username,
		Kind:     ChatKindFromID(id),
		Payload:  json.RawMessage(`{"_":"channel"}`),
	}
}

func TestBackfill_FullHistory(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@news", testChatInfo(-1001234, "News", "news"))
	client.addHistory(-1001234, 250)
	engine := newTestEngine(t, store, client, nil, 100)

	result, err := engine.Sync(context.Background(), "@news", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 250, result.NewMessages)
	assert.EqualValues(t, 250, result.TotalLoaded)
	assert.True(t, result.FullyLoaded)
	assert.False(t, result.AlreadyLoaded)
	assert.EqualValues(t, 1, result.LastLoadedID)
	// Pages of 100, 100, then the short page of 50.
	assert.Equal(t, 3, client.fetchCalls)

	count, err := store.CountMessages(context.Background(), MessageFilter{ChatID: -1001234})
	require.NoError(t, err)
	assert.EqualValues(t, 250, count)

	chat, err := store.GetChat(context.Background(), -1001234)
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, "News", chat.Title)
	assert.Equal(t, ChatKindBroadcast, chat.Kind)
}

func TestBackfill_LimitedRunLeavesCursorResumable(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@big", testChatInfo(-1005678, "Big", "big"))
	client.addHistory(-1005678, 1000)
	engine := newTestEngine(t, store, client, nil, 100)

	result, err := engine.Sync(context.Background(), "@big", 200)
	require.NoError(t, err)
	assert.EqualValues(t, 200, result.NewMessages)
	// A limit hit never means the history is complete.
	assert.False(t, result.FullyLoaded)
	assert.EqualValues(t, 801, result.LastLoadedID)

	// Second run continues strictly older than the cursor, no refetch.
	result, err = engine.Sync(context.Background(), "@big", 200)
	require.NoError(t, err)
	assert.EqualValues(t, 200, result.NewMessages)
	assert.EqualValues(t, 400, result.TotalLoaded)
	assert.EqualValues(t, 601, result.LastLoadedID)
}

func TestBackfill_FullyLoadedSkipsWithoutRemoteCalls(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@done", testChatInfo(-1009999, "Done", "done"))
	client.addHistory(-1009999, 50)
	engine := newTestEngine(t, store, client, nil, 100)

	_, err := engine.Sync(context.Background(), "@done", 0)
	require.NoError(t, err)
	callsAfterFirst := client.resolveCalls + client.fetchCalls

	result, err := engine.Sync(context.Background(), "@done", 0)
	require.NoError(t, err)
	assert.True(t, result.AlreadyLoaded)
	assert.True(t, result.FullyLoaded)
	assert.EqualValues(t, 50, result.TotalLoaded)
	assert.Equal(t, callsAfterFirst, client.resolveCalls+client.fetchCalls)

	// Numeric reference short-circuits the same way.
	result, err = engine.Sync(context.Background(), "-1009999", 0)
	require.NoError(t, err)
	assert.True(t, result.AlreadyLoaded)
	assert.Equal(t, callsAfterFirst, client.resolveCalls+client.fetchCalls)

	// A limited run is not short-circuited: it resolves the chat again,
	// refreshing its metadata, and finds no new history.
	result, err = engine.Sync(context.Background(), "@done", 10)
	require.NoError(t, err)
	assert.False(t, result.AlreadyLoaded)
	assert.True(t, result.FullyLoaded)
	assert.Zero(t, result.NewMessages)
	assert.Greater(t, client.resolveCalls+client.fetchCalls, callsAfterFirst)
}

func TestBackfill_InterruptedRunResumesFromCursor(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@flaky", testChatInfo(-1002222, "Flaky", "flaky"))
	client.addHistory(-1002222, 300)
	// First page succeeds, second page dies with a non-retryable error.
	client.fetchErrs = []error{nil, errors.New("connection lost")}
	engine := newTestEngine(t, store, client, nil, 100)

	_, err := engine.Sync(context.Background(), "@flaky", 0)
	require.Error(t, err)

	cursor, err := store.GetCursor(context.Background(), -1002222)
	require.NoError(t, err)
	assert.EqualValues(t, 201, cursor.LastLoadedID)
	assert.EqualValues(t, 100, cursor.TotalLoaded)
	assert.False(t, cursor.FullyLoaded)

	result, err := engine.Sync(context.Background(), "@flaky", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 200, result.NewMessages)
	assert.EqualValues(t, 300, result.TotalLoaded)
	assert.True(t, result.FullyLoaded)
}

func TestBackfill_DuplicateRunStopsWithoutFullyLoaded(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@dup", testChatInfo(-1003333, "Dup", "dup"))
	client.addHistory(-1003333, 400)
	engine := newTestEngine(t, store, client, nil, 100)

	// Archive everything, then lose the cursor (e.g. restored from an
	// older cursor backup) so the next run starts from the newest again.
	_, err := engine.Sync(context.Background(), "@dup", 0)
	require.NoError(t, err)
	require.NoError(t, store.PutCursor(context.Background(), &LoadingCursor{ChatID: -1003333}))

	result, err := engine.Sync(context.Background(), "@dup", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.NewMessages)
	// A page worth of consecutive duplicates stops the walk without
	// claiming completeness.
	assert.False(t, result.FullyLoaded)

	count, err := store.CountMessages(context.Background(), MessageFilter{ChatID: -1003333})
	require.NoError(t, err)
	assert.EqualValues(t, 400, count)
}

func TestBackfill_SkipsContentlessMessages(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@svc", testChatInfo(-1004444, "Svc", "svc"))
	client.addHistory(-1004444, 10)
	// Message 5 becomes a service message with no content.
	client.messages[-1004444][4].Text = ""
	engine := newTestEngine(t, store, client, nil, 100)

	result, err := engine.Sync(context.Background(), "@svc", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 9, result.NewMessages)
	assert.True(t, result.FullyLoaded)
	// Cursor still walked past the skipped message.
	assert.EqualValues(t, 1, result.LastLoadedID)
}

func TestBackfill_PermissionErrorAborts(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	engine := newTestEngine(t, store, client, nil, 100)

	_, err := engine.Sync(context.Background(), "@private", 0)
	require.Error(t, err)
	var permission *PermissionError
	assert.ErrorAs(t, err, &permission)
	assert.Equal(t, 1, client.resolveCalls)
}

func TestBackfill_JoinAndSync(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("https://t.me/+abc123", testChatInfo(-1007777, "Invite Only", ""))
	client.addHistory(-1007777, 30)
	engine := newTestEngine(t, store, client, nil, 100)

	result, err := engine.JoinAndSync(context.Background(), "https://t.me/+abc123", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, client.joinCalls)
	assert.Equal(t, 0, client.resolveCalls)
	assert.EqualValues(t, 30, result.NewMessages)
	assert.True(t, result.FullyLoaded)
}

func TestBackfill_ProgressNotifications(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@notif", testChatInfo(-1008888, "Notif", "notif"))
	client.addHistory(-1008888, 150)
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, store, client, notifier, 100)

	_, err := engine.Sync(context.Background(), "@notif", 0)
	require.NoError(t, err)
	progress := notifier.byType(EventSyncProgress)
	assert.Len(t, progress, 2)
}

func TestCatchUp_LoadsOnlyNewerMessages(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	client.addChat("@live", testChatInfo(-1006666, "Live", "live"))
	client.addHistory(-1006666, 100)
	engine := newTestEngine(t, store, client, nil, 100)

	_, err := engine.Sync(context.Background(), "@live", 0)
	require.NoError(t, err)
	cursorBefore, err := store.GetCursor(context.Background(), -1006666)
	require.NoError(t, err)

	// 50 more messages arrive while we were offline.
	for i := 101; i <= 150; i++ {
		client.messages[-1006666] = append(client.messages[-1006666],
			testMessage(-1006666, int64(i), "late"))
	}

	result, err := engine.CatchUp(context.Background(), -1006666, 500)
	require.NoError(t, err)
	assert.EqualValues(t, 50, result.NewMessages)
	assert.EqualValues(t, 150, result.TotalLoaded)

	// Catch-up never moves the backfill position.
	cursorAfter, err := store.GetCursor(context.Background(), -1006666)
	require.NoError(t, err)
	assert.Equal(t, cursorBefore.LastLoadedID, cursorAfter.LastLoadedID)
	assert.Equal(t, cursorBefore.FullyLoaded, cursorAfter.FullyLoaded)
}

func TestCatchUp_DateWindowWithoutAnchor(t *testing.T) {
	store := newTestStore(t)
	client := newFakeClient()
	require.NoError(t, store.UpsertChat(context.Background(), &Chat{
		ID: -1005555, Title: "Window", Kind: ChatKindBroadcast,
	}))
	// Two old messages outside the window, one recent inside it.
	old1 := testMessage(-1005555, 1, "ancient")
	old1.Date = time.Now().UTC().Add(-30 * 24 * time.Hour)
	old2 := testMessage(-1005555, 2, "old")
	old2.Date = time.Now().UTC().Add(-10 * 24 * time.Hour)
	recent := testMessage(-1005555, 3, "recent")
	recent.Date = time.Now().UTC().Add(-time.Hour)
	client.messages[-1005555] = []*MessageEvent{old1, old2, recent}

	engine := newTestEngine(t, store, client, nil, 100)
	engine.SetCatchUpWindow(7 * 24 * time.Hour)

	result, err := engine.CatchUp(context.Background(), -1005555, 500)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.NewMessages)

	stored, err := store.GetMessage(context.Background(), -1005555, 3)
	require.NoError(t, err)
	assert.NotNil(t, stored)
	skipped, err := store.GetMessage(context.Background(), -1005555, 1)
	require.NoError(t, err)
	assert.Nil(t, skipped)
}

func TestCatchUp_UnknownChat(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, newFakeClient(), nil, 100)
	_, err := engine.CatchUp(context.Background(), 12345, 100)
	assert.Error(t, err)
}
