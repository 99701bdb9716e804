// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// seenCacheLimit caps the in-memory duplicate filter for live updates.
// When full, the oldest half is evicted; the database upsert still keeps
// storage idempotent for anything evicted.
const seenCacheLimit = 10000

type messageKey struct {
	chatID    int64
	messageID int64
}

// LiveIngestEngine consumes realtime updates: new messages, edits and
// deletions. It writes straight to the store without passing through the
// request pacer, since live updates are pushed by the server rather than
// requested.
type LiveIngestEngine struct {
	store  *Store
	notify Notifier
	log    zerolog.Logger

	seenMu    sync.Mutex
	seen      map[messageKey]struct{}
	seenOrder []messageKey
}

// NewLiveIngestEngine wires a live ingest engine.
func NewLiveIngestEngine(store *Store, notify Notifier, log zerolog.Logger) *LiveIngestEngine {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &LiveIngestEngine{
		store:  store,
		notify: notify,
		log:    log.With().Str("component", "ingest").Logger(),
		seen:   make(map[messageKey]struct{}, seenCacheLimit),
	}
}

func (li *LiveIngestEngine) markSeen(key messageKey) bool {
	li.seenMu.Lock()
	defer li.seenMu.Unlock()
	if _, ok := li.seen[key]; ok {
		return false
	}
	if len(li.seenOrder) >= seenCacheLimit {
		drop := li.seenOrder[:seenCacheLimit/2]
		for _, old := range drop {
			delete(li.seen, old)
		}
		li.seenOrder = append([]messageKey(nil), li.seenOrder[seenCacheLimit/2:]...)
	}
	li.seen[key] = struct{}{}
	li.seenOrder = append(li.seenOrder, key)
	return true
}

// OnNewMessage archives a live message. Content-free service messages are
// dropped; duplicates (already seen or already stored) are archived
// idempotently without a second notification.
func (li *LiveIngestEngine) OnNewMessage(ctx context.Context, evt *MessageEvent) error {
	if !evt.HasContent() {
		li.log.Debug().
			Int64("chat_id", evt.ChatID).
			Int64("message_id", evt.MessageID).
			Msg("Skipping message without content")
		return nil
	}
	key := messageKey{evt.ChatID, evt.MessageID}
	fresh := li.markSeen(key)

	if chat, err := li.store.GetChat(ctx, evt.ChatID); err != nil {
		return err
	} else if chat == nil {
		// First sighting of this chat; register a stub so the message has
		// a parent row. Title gets filled in by the next resolve.
		err = li.store.UpsertChat(ctx, &Chat{
			ID:   evt.ChatID,
			Kind: ChatKindFromID(evt.ChatID),
		})
		if err != nil {
			return err
		}
	}

	known, err := li.store.HasMessage(ctx, evt.ChatID, evt.MessageID)
	if err != nil {
		return err
	}
	if err := li.store.UpsertMessage(ctx, evt); err != nil {
		return err
	}
	if !fresh || known {
		return nil
	}

	// One self-contained statement, never a read-modify-write: a backfill
	// run may be rewriting the same cursor row concurrently.
	if err := li.store.BumpCursorLive(ctx, evt.ChatID, evt.Date); err != nil {
		return err
	}

	li.notify.Notify(Event{
		Type:      EventNewMessage,
		ChatID:    evt.ChatID,
		MessageID: evt.MessageID,
		Data:      map[string]any{"text": previewText(evt.ArchiveText())},
	})
	return nil
}

// OnMessageEdited records an edit: the previous raw+text go into the edit
// history, then the message is overwritten with the new version. Replays
// of an already-recorded edit (same edit timestamp) are ignored.
func (li *LiveIngestEngine) OnMessageEdited(ctx context.Context, evt *MessageEvent) error {
	old, err := li.store.GetMessage(ctx, evt.ChatID, evt.MessageID)
	if err != nil {
		return err
	}
	if old == nil {
		// Edit of a message we never archived; store it as a new message.
		return li.OnNewMessage(ctx, evt)
	}
	if evt.EditedAt != nil && old.Meta.EditedAt != nil && !evt.EditedAt.After(*old.Meta.EditedAt) {
		return nil
	}

	err = li.store.AppendEdit(ctx, &EditRecord{
		ChatID:    evt.ChatID,
		MessageID: evt.MessageID,
		EditedAt:  editTime(evt),
		OldText:   old.Meta.TextPreview,
		NewText:   previewText(evt.ArchiveText()),
		OldRaw:    old.Raw,
	})
	if err != nil {
		return err
	}
	if err := li.store.UpsertMessage(ctx, evt); err != nil {
		return err
	}

	li.log.Info().
		Int64("chat_id", evt.ChatID).
		Int64("message_id", evt.MessageID).
		Msg("Recorded message edit")
	li.notify.Notify(Event{
		Type:      EventMessageEdited,
		ChatID:    evt.ChatID,
		MessageID: evt.MessageID,
	})
	return nil
}

func editTime(evt *MessageEvent) time.Time {
	if evt.EditedAt != nil {
		return *evt.EditedAt
	}
	return time.Now().UTC()
}

// OnMessagesDeleted soft-deletes the referenced messages. When the update
// carries no chat, every chat containing the message ID is tombstoned,
// since plain-chat deletions don't identify their chat.
func (li *LiveIngestEngine) OnMessagesDeleted(ctx context.Context, evt *DeleteEvent) error {
	at := evt.Date
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for _, msgID := range evt.MessageIDs {
		chatIDs := []int64{evt.ChatID}
		if evt.ChatID == 0 {
			var err error
			chatIDs, err = li.store.FindChatsForMessage(ctx, msgID)
			if err != nil {
				return err
			}
		}
		for _, chatID := range chatIDs {
			if err := li.store.MarkDeleted(ctx, chatID, msgID, at); err != nil {
				return err
			}
			li.log.Info().
				Int64("chat_id", chatID).
				Int64("message_id", msgID).
				Msg("Recorded message deletion")
			li.notify.Notify(Event{
				Type:      EventMessageDeleted,
				ChatID:    chatID,
				MessageID: msgID,
			})
		}
	}
	return nil
}
