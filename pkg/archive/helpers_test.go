package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "archive.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func testMessage(chatID, messageID int64, text string) *MessageEvent {
	return &MessageEvent{
		ChatID:     chatID,
		MessageID:  messageID,
		SenderID:   42,
		SenderName: "Alice",
		Date:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(messageID) * time.Minute),
		Text:       text,
		Payload:    json.RawMessage(fmt.Sprintf(`{"id":%d,"message":%q}`, messageID, text)),
	}
}

// fakeClient serves history from an in-memory message list and counts
// remote calls.
type fakeClient struct {
	mu       sync.Mutex
	chats    map[string]*ChatInfo
	messages map[int64][]*MessageEvent

	resolveCalls int
	joinCalls    int
	fetchCalls   int

	// errs are consumed one per FetchMessagesBefore call before any data
	// is served.
	fetchErrs []error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chats:    make(map[string]*ChatInfo),
		messages: make(map[int64][]*MessageEvent),
	}
}

func (fc *fakeClient) addChat(ref string, info *ChatInfo) {
	fc.chats[ref] = info
}

// addHistory fills a chat with sequential messages ID 1..count.
func (fc *fakeClient) addHistory(chatID int64, count int) {
	for i := 1; i <= count; i++ {
		fc.messages[chatID] = append(fc.messages[chatID],
			testMessage(chatID, int64(i), fmt.Sprintf("message %d", i)))
	}
}

func (fc *fakeClient) ResolveChat(ctx context.Context, ref string) (*ChatInfo, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.resolveCalls++
	info, ok := fc.chats[ref]
	if !ok {
		return nil, &PermissionError{Reason: "USERNAME_NOT_OCCUPIED"}
	}
	return info, nil
}

func (fc *fakeClient) JoinChat(ctx context.Context, ref string) (*ChatInfo, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.joinCalls++
	info, ok := fc.chats[ref]
	if !ok {
		return nil, &PermissionError{Reason: "INVITE_HASH_INVALID"}
	}
	return info, nil
}

func (fc *fakeClient) FetchMessagesBefore(ctx context.Context, chatID int64, beforeID int64, limit int) ([]*MessageEvent, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.fetchCalls++
	if len(fc.fetchErrs) > 0 {
		err := fc.fetchErrs[0]
		fc.fetchErrs = fc.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var page []*MessageEvent
	msgs := fc.messages[chatID]
	for i := len(msgs) - 1; i >= 0 && len(page) < limit; i-- {
		if beforeID > 0 && msgs[i].MessageID >= beforeID {
			continue
		}
		page = append(page, msgs[i])
	}
	return page, nil
}

func (fc *fakeClient) FetchMessagesAfter(ctx context.Context, chatID int64, afterID int64, limit int) ([]*MessageEvent, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.fetchCalls++
	var page []*MessageEvent
	for _, msg := range fc.messages[chatID] {
		if msg.MessageID > afterID {
			page = append(page, msg)
		}
		if len(page) >= limit {
			break
		}
	}
	return page, nil
}

// recordingNotifier captures events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (rn *recordingNotifier) Notify(evt Event) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.events = append(rn.events, evt)
}

func (rn *recordingNotifier) byType(typ EventType) []Event {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	var out []Event
	for _, evt := range rn.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

// instantRetry never sleeps in real time but records what it would have
// slept.
func instantRetry(maxAttempts int) (*RetryPolicy, *[]time.Duration) {
	var slept []time.Duration
	rp := NewRetryPolicy(maxAttempts, 10*time.Millisecond)
	rp.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return rp, &slept
}

func newTestEngine(t *testing.T, store *Store, client Client, notify Notifier, pageSize int) *BackfillEngine {
	t.Helper()
	rp, _ := instantRetry(3)
	return NewBackfillEngine(store, client, rp, NewPacer(0), notify, pageSize, zerolog.Nop())
}
