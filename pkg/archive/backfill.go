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
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BackfillEngine walks chat history backwards in pages, persisting each
// message and advancing the per-chat cursor after every page. A run can be
// interrupted at any point and resumed from the stored cursor.
type BackfillEngine struct {
	store  *Store
	client Client
	retry  *RetryPolicy
	pacer  *Pacer
	notify Notifier
	log    zerolog.Logger

	pageSize      int
	catchUpWindow time.Duration
}

// NewBackfillEngine wires a backfill engine. pageSize caps how many
// messages are requested per history call.
func NewBackfillEngine(store *Store, client Client, retry *RetryPolicy, pacer *Pacer, notify Notifier, pageSize int, log zerolog.Logger) *BackfillEngine {
	if pageSize <= 0 {
		pageSize = 100
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	return &BackfillEngine{
		store:         store,
		client:        client,
		retry:         retry,
		pacer:         pacer,
		notify:        notify,
		log:           log.With().Str("component", "backfill").Logger(),
		pageSize:      pageSize,
		catchUpWindow: 7 * 24 * time.Hour,
	}
}

// SetCatchUpWindow bounds how far back catch-up reaches for chats with no
// archived messages yet. Zero disables the bound.
func (be *BackfillEngine) SetCatchUpWindow(window time.Duration) {
	be.catchUpWindow = window
}

// SyncResult summarizes one backfill run.
type SyncResult struct {
	ChatID        int64  `json:"chat_id"`
	ChatTitle     string `json:"chat_title"`
	NewMessages   int64  `json:"new_messages"`
	TotalLoaded   int64  `json:"total_loaded"`
	FullyLoaded   bool   `json:"fully_loaded"`
	AlreadyLoaded bool   `json:"already_loaded"`
	LastLoadedID  int64  `json:"last_loaded_id"`
}

// Sync backfills history for the chat referenced by ref. limit caps how
// many messages this run may load; 0 means unlimited. An unlimited run on
// a chat whose cursor is already fully loaded returns without any remote
// calls; a limited run still resolves the chat, refreshing its metadata.
func (be *BackfillEngine) Sync(ctx context.Context, ref string, limit int64) (*SyncResult, error) {
	return be.sync(ctx, ref, limit, false)
}

// JoinAndSync joins the chat first, then backfills it like Sync.
func (be *BackfillEngine) JoinAndSync(ctx context.Context, ref string, limit int64) (*SyncResult, error) {
	return be.sync(ctx, ref, limit, true)
}

func (be *BackfillEngine) sync(ctx context.Context, ref string, limit int64, join bool) (*SyncResult, error) {
	// Unlimited runs on known chats with a finished cursor short-circuit
	// before touching the network at all.
	if !join && limit == 0 {
		if stored, cursor, err := be.lookupStored(ctx, ref); err != nil {
			return nil, err
		} else if stored != nil && cursor.FullyLoaded {
			be.log.Debug().Int64("chat_id", stored.ID).Msg("Chat already fully loaded, skipping")
			return &SyncResult{
				ChatID:        stored.ID,
				ChatTitle:     stored.Title,
				TotalLoaded:   cursor.TotalLoaded,
				FullyLoaded:   true,
				AlreadyLoaded: true,
				LastLoadedID:  cursor.LastLoadedID,
			}, nil
		}
	}

	var info *ChatInfo
	err := be.retry.Do(ctx, be.log, "resolve_chat", func() error {
		var err error
		if join {
			info, err = be.client.JoinChat(ctx, ref)
		} else {
			info, err = be.client.ResolveChat(ctx, ref)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chat %q: %w", ref, err)
	}

	chat := &Chat{
		ID:           info.ID,
		Title:        info.Title,
		Username:     info.Username,
		Kind:         info.Kind,
		MembersCount: info.MembersCount,
		Description:  info.Description,
		Raw:          NewRawEnvelope(info.Payload),
	}
	if chat.Kind == "" {
		chat.Kind = ChatKindFromID(chat.ID)
	}
	if err := be.store.UpsertChat(ctx, chat); err != nil {
		return nil, err
	}

	cursor, err := be.store.GetCursor(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	if cursor.FullyLoaded && limit == 0 {
		return &SyncResult{
			ChatID:        chat.ID,
			ChatTitle:     chat.Title,
			TotalLoaded:   cursor.TotalLoaded,
			FullyLoaded:   true,
			AlreadyLoaded: true,
			LastLoadedID:  cursor.LastLoadedID,
		}, nil
	}

	result, err := be.runBackfill(ctx, chat, cursor, limit)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lookupStored resolves a local chat reference without the network:
// numeric IDs and @usernames hit the chat table directly.
func (be *BackfillEngine) lookupStored(ctx context.Context, ref string) (*Chat, *LoadingCursor, error) {
	var chat *Chat
	var err error
	if id, ok := parseChatID(ref); ok {
		chat, err = be.store.GetChat(ctx, id)
	} else if username, ok := parseUsername(ref); ok {
		chat, err = be.store.GetChatByUsername(ctx, username)
	}
	if err != nil || chat == nil {
		return nil, nil, err
	}
	cursor, err := be.store.GetCursor(ctx, chat.ID)
	if err != nil {
		return nil, nil, err
	}
	return chat, cursor, nil
}

func (be *BackfillEngine) runBackfill(ctx context.Context, chat *Chat, cursor *LoadingCursor, limit int64) (*SyncResult, error) {
	log := be.log.With().Int64("chat_id", chat.ID).Logger()
	log.Info().
		Int64("resume_from", cursor.LastLoadedID).
		Int64("limit", limit).
		Msg("Starting history backfill")

	result := &SyncResult{ChatID: chat.ID, ChatTitle: chat.Title}
	var loadedThisRun int64
	duplicateRun := 0

	for {
		if limit > 0 && loadedThisRun >= limit {
			log.Info().Int64("loaded", loadedThisRun).Msg("Reached load limit for this run")
			break
		}
		pageLimit := be.pageSize
		if limit > 0 && limit-loadedThisRun < int64(pageLimit) {
			pageLimit = int(limit - loadedThisRun)
		}

		if err := be.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		var page []*MessageEvent
		err := be.retry.Do(ctx, log, "fetch_history", func() error {
			var err error
			page, err = be.client.FetchMessagesBefore(ctx, chat.ID, cursor.LastLoadedID, pageLimit)
			return err
		})
		if err != nil {
			// Progress so far is already persisted; the next run resumes
			// from the cursor.
			return nil, fmt.Errorf("failed to fetch history page: %w", err)
		}

		if len(page) == 0 {
			if limit == 0 {
				cursor.FullyLoaded = true
			}
			break
		}

		pageNew := 0
		for _, evt := range page {
			loadedThisRun++
			// Cursor moves past every message on the page, stored or not,
			// so a resumed run never refetches the same page.
			if cursor.LastLoadedID == 0 || evt.MessageID < cursor.LastLoadedID {
				cursor.LastLoadedID = evt.MessageID
			}
			if evt.Date.After(cursor.LastMessageAt) {
				cursor.LastMessageAt = evt.Date
			}
			if !evt.HasContent() {
				continue
			}
			known, err := be.store.HasMessage(ctx, chat.ID, evt.MessageID)
			if err != nil {
				return nil, err
			}
			if err := be.store.UpsertMessage(ctx, evt); err != nil {
				return nil, err
			}
			if known {
				duplicateRun++
			} else {
				duplicateRun = 0
				pageNew++
				cursor.TotalLoaded++
				result.NewMessages++
			}
		}

		shortPage := len(page) < pageLimit
		if shortPage && limit == 0 {
			cursor.FullyLoaded = true
		}

		cursor.LastSyncedAt = time.Now().UTC()
		if err := be.store.PutCursor(ctx, cursor); err != nil {
			return nil, err
		}
		be.notify.Notify(Event{
			Type:   EventSyncProgress,
			ChatID: chat.ID,
			Data: map[string]any{
				"new_messages": pageNew,
				"total_loaded": cursor.TotalLoaded,
				"last_loaded":  cursor.LastLoadedID,
			},
		})

		if cursor.FullyLoaded {
			break
		}
		// A full page worth of consecutive duplicates means we walked back
		// into territory a previous run already archived. Stop here, but
		// don't claim the whole history is loaded.
		if duplicateRun >= be.pageSize {
			log.Info().Int("duplicates", duplicateRun).Msg("Reached previously archived history, stopping")
			break
		}
	}

	cursor.LastSyncedAt = time.Now().UTC()
	if err := be.store.PutCursor(ctx, cursor); err != nil {
		return nil, err
	}

	result.TotalLoaded = cursor.TotalLoaded
	result.FullyLoaded = cursor.FullyLoaded
	result.LastLoadedID = cursor.LastLoadedID
	log.Info().
		Int64("new_messages", result.NewMessages).
		Int64("total_loaded", result.TotalLoaded).
		Bool("fully_loaded", result.FullyLoaded).
		Msg("Backfill finished")
	return result, nil
}

// CatchUp loads messages newer than the newest archived one, covering the
// gap from downtime. It never touches the backfill cursor's position, only
// the loaded counters.
func (be *BackfillEngine) CatchUp(ctx context.Context, chatID int64, limit int) (*SyncResult, error) {
	log := be.log.With().Int64("chat_id", chatID).Logger()
	chat, err := be.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, fmt.Errorf("chat %d is not archived", chatID)
	}
	afterID, err := be.store.MaxMessageID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	// With no archived messages to anchor on, bound the reach by date
	// instead of fetching arbitrarily old history.
	var cutoff time.Time
	if afterID == 0 && be.catchUpWindow > 0 {
		cutoff = time.Now().UTC().Add(-be.catchUpWindow)
	}

	result := &SyncResult{ChatID: chatID, ChatTitle: chat.Title}
	cursor, err := be.store.GetCursor(ctx, chatID)
	if err != nil {
		return nil, err
	}

	remaining := limit
	for remaining > 0 {
		pageLimit := be.pageSize
		if remaining < pageLimit {
			pageLimit = remaining
		}
		if err := be.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		var page []*MessageEvent
		err := be.retry.Do(ctx, log, "fetch_missed", func() error {
			var err error
			page, err = be.client.FetchMessagesAfter(ctx, chatID, afterID, pageLimit)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch missed messages: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			if evt.MessageID > afterID {
				afterID = evt.MessageID
			}
			if !cutoff.IsZero() && evt.Date.Before(cutoff) {
				continue
			}
			if evt.Date.After(cursor.LastMessageAt) {
				cursor.LastMessageAt = evt.Date
			}
			if !evt.HasContent() {
				continue
			}
			known, err := be.store.HasMessage(ctx, chatID, evt.MessageID)
			if err != nil {
				return nil, err
			}
			if err := be.store.UpsertMessage(ctx, evt); err != nil {
				return nil, err
			}
			if !known {
				cursor.TotalLoaded++
				result.NewMessages++
			}
		}
		remaining -= len(page)
		if len(page) < pageLimit {
			break
		}
	}

	cursor.LastSyncedAt = time.Now().UTC()
	if err := be.store.PutCursor(ctx, cursor); err != nil {
		return nil, err
	}
	result.TotalLoaded = cursor.TotalLoaded
	result.FullyLoaded = cursor.FullyLoaded
	result.LastLoadedID = cursor.LastLoadedID
	log.Info().Int64("new_messages", result.NewMessages).Msg("Catch-up finished")
	return result, nil
}
