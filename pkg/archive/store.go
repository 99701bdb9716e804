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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists chats, raw messages, meta rows, cursors and history
// records in SQLite. All writes are idempotent upserts keyed on
// (chat_id, message_id); raw payloads are never mutated in place except by
// a newer version of the same message.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// NewStore opens (or creates) the archive database at the given path.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	storeLog := log.With().Str("component", "store").Logger()
	db, err := dbutil.NewFromConfig("telegrab", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3",
			URI:          fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", path),
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		},
	}, dbutil.ZeroLogger(storeLog))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	s := &Store{db: db, log: storeLog}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB wraps an already-open database. Used by tests.
func NewStoreWithDB(db *dbutil.Database, log zerolog.Logger) (*Store, error) {
	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat (
			chat_id BIGINT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			members_count INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			raw_version INTEGER NOT NULL DEFAULT 1,
			raw_data TEXT,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_raw (
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			raw_version INTEGER NOT NULL,
			raw_data TEXT NOT NULL,
			saved_ts BIGINT NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_meta (
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			sender_id BIGINT NOT NULL DEFAULT 0,
			sender_name TEXT NOT NULL DEFAULT '',
			message_ts BIGINT NOT NULL,
			has_media BOOLEAN NOT NULL DEFAULT FALSE,
			media_kind TEXT NOT NULL DEFAULT '',
			text_preview TEXT NOT NULL DEFAULT '',
			has_forward BOOLEAN NOT NULL DEFAULT FALSE,
			has_reply BOOLEAN NOT NULL DEFAULT FALSE,
			edited_ts BIGINT,
			views INTEGER NOT NULL DEFAULT 0,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_ts BIGINT,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS file (
			file_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			thumb_file_id TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			duration INTEGER NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_file (
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			file_id TEXT NOT NULL,
			PRIMARY KEY (chat_id, message_id, file_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_edit (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			edited_ts BIGINT NOT NULL,
			old_text TEXT NOT NULL DEFAULT '',
			new_text TEXT NOT NULL DEFAULT '',
			old_raw_version INTEGER NOT NULL DEFAULT 1,
			old_raw_data TEXT,
			recorded_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_event (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			event_ts BIGINT NOT NULL,
			payload TEXT,
			recorded_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_cursor (
			chat_id BIGINT PRIMARY KEY,
			last_loaded_id BIGINT NOT NULL DEFAULT 0,
			last_message_ts BIGINT NOT NULL DEFAULT 0,
			total_loaded BIGINT NOT NULL DEFAULT 0,
			fully_loaded BOOLEAN NOT NULL DEFAULT FALSE,
			last_synced_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS message_meta_chat_ts_idx
			ON message_meta (chat_id, message_ts, message_id)`,
		`CREATE INDEX IF NOT EXISTS message_meta_deleted_idx
			ON message_meta (deleted, chat_id)`,
		`CREATE INDEX IF NOT EXISTS message_edit_msg_idx
			ON message_edit (chat_id, message_id, edited_ts)`,
		`CREATE INDEX IF NOT EXISTS message_event_msg_idx
			ON message_event (chat_id, message_id, event_ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}
	return nil
}

func tsToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// UpsertChat inserts or refreshes a chat record, keeping the original
// created timestamp.
func (s *Store) UpsertChat(ctx context.Context, chat *Chat) error {
	now := time.Now().UnixMilli()
	rawData := ""
	if len(chat.Raw.Payload) > 0 {
		rawData = string(chat.Raw.Payload)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat (
			chat_id, title, username, kind, members_count, description,
			raw_version, raw_data, created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (chat_id) DO UPDATE SET
			title=excluded.title,
			username=excluded.username,
			kind=excluded.kind,
			members_count=excluded.members_count,
			description=excluded.description,
			raw_version=excluded.raw_version,
			raw_data=excluded.raw_data,
			updated_ts=excluded.updated_ts
	`, chat.ID, chat.Title, chat.Username, string(chat.Kind), chat.MembersCount,
		chat.Description, RawFormatVersion, rawData, now)
	if err != nil {
		return fmt.Errorf("failed to upsert chat %d: %w", chat.ID, err)
	}
	return nil
}

func (s *Store) scanChat(row dbutil.Scannable) (*Chat, error) {
	var chat Chat
	var kind, rawData string
	var rawVersion int
	var createdTS, updatedTS int64
	err := row.Scan(&chat.ID, &chat.Title, &chat.Username, &kind, &chat.MembersCount,
		&chat.Description, &rawVersion, &rawData, &createdTS, &updatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	chat.Kind = ChatKind(kind)
	chat.Raw = RawEnvelope{Version: rawVersion, Payload: json.RawMessage(rawData)}
	chat.CreatedAt = millisToTime(createdTS)
	chat.UpdatedAt = millisToTime(updatedTS)
	return &chat, nil
}

const chatColumns = `chat_id, title, username, kind, members_count, description, raw_version, raw_data, created_ts, updated_ts`

// GetChat returns the stored chat or nil if unknown.
func (s *Store) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	return s.scanChat(s.db.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chat WHERE chat_id=$1`, chatID))
}

// GetChatByUsername returns the stored chat with the given username
// (case-insensitive) or nil.
func (s *Store) GetChatByUsername(ctx context.Context, username string) (*Chat, error) {
	return s.scanChat(s.db.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chat WHERE LOWER(username)=LOWER($1)`, username))
}

// ListChats returns all known chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context) ([]*Chat, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chatColumns+` FROM chat ORDER BY updated_ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []*Chat
	for rows.Next() {
		chat, err := s.scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// HasMessage reports whether the message is already archived.
func (s *Store) HasMessage(ctx context.Context, chatID, messageID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_raw WHERE chat_id=$1 AND message_id=$2`,
		chatID, messageID,
	).Scan(&count)
	return count > 0, err
}

// UpsertMessage writes the raw payload, meta row and file links for one
// message in a single transaction. Safe to call repeatedly with the same
// message.
func (s *Store) UpsertMessage(ctx context.Context, evt *MessageEvent) error {
	now := time.Now().UnixMilli()
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO message_raw (chat_id, message_id, raw_version, raw_data, saved_ts)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chat_id, message_id) DO UPDATE SET
				raw_version=excluded.raw_version,
				raw_data=excluded.raw_data,
				saved_ts=excluded.saved_ts
		`, evt.ChatID, evt.MessageID, RawFormatVersion, string(evt.Payload), now)
		if err != nil {
			return fmt.Errorf("failed to upsert raw message: %w", err)
		}

		var editedTS *int64
		if evt.EditedAt != nil {
			ts := evt.EditedAt.UnixMilli()
			editedTS = &ts
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO message_meta (
				chat_id, message_id, sender_id, sender_name, message_ts,
				has_media, media_kind, text_preview, has_forward, has_reply,
				edited_ts, views
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (chat_id, message_id) DO UPDATE SET
				sender_id=excluded.sender_id,
				sender_name=excluded.sender_name,
				message_ts=excluded.message_ts,
				has_media=excluded.has_media,
				media_kind=excluded.media_kind,
				text_preview=excluded.text_preview,
				has_forward=excluded.has_forward,
				has_reply=excluded.has_reply,
				edited_ts=excluded.edited_ts,
				views=excluded.views
		`, evt.ChatID, evt.MessageID, evt.SenderID, evt.SenderName, tsToMillis(evt.Date),
			len(evt.Media) > 0 || evt.MediaKind != "", evt.MediaKind,
			previewText(evt.ArchiveText()), evt.HasForward, evt.HasReply,
			editedTS, evt.Views)
		if err != nil {
			return fmt.Errorf("failed to upsert message meta: %w", err)
		}

		for _, file := range evt.Media {
			_, err = s.db.Exec(ctx, `
				INSERT INTO file (
					file_id, kind, size, name, mime_type, thumb_file_id,
					width, height, duration, created_ts
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (file_id) DO UPDATE SET
					kind=excluded.kind,
					size=excluded.size,
					name=excluded.name,
					mime_type=excluded.mime_type,
					thumb_file_id=excluded.thumb_file_id,
					width=excluded.width,
					height=excluded.height,
					duration=excluded.duration
			`, file.FileID, file.Kind, file.Size, file.Name, file.MIMEType,
				file.ThumbFileID, file.Width, file.Height, file.Duration, now)
			if err != nil {
				return fmt.Errorf("failed to upsert file %s: %w", file.FileID, err)
			}
			_, err = s.db.Exec(ctx, `
				INSERT INTO message_file (chat_id, message_id, file_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (chat_id, message_id, file_id) DO NOTHING
			`, evt.ChatID, evt.MessageID, file.FileID)
			if err != nil {
				return fmt.Errorf("failed to link file %s: %w", file.FileID, err)
			}
		}
		return nil
	})
}

// GetMessage returns the stored raw+meta pair or nil if unknown.
func (s *Store) GetMessage(ctx context.Context, chatID, messageID int64) (*StoredMessage, error) {
	var msg StoredMessage
	var rawVersion int
	var rawData string
	var savedTS int64
	err := s.db.QueryRow(ctx, `
		SELECT chat_id, message_id, raw_version, raw_data, saved_ts
		FROM message_raw WHERE chat_id=$1 AND message_id=$2
	`, chatID, messageID).Scan(&msg.ChatID, &msg.MessageID, &rawVersion, &rawData, &savedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	msg.Raw = RawEnvelope{Version: rawVersion, Payload: json.RawMessage(rawData)}
	msg.SavedAt = millisToTime(savedTS)

	meta, err := s.getMeta(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		msg.Meta = *meta
	}
	return &msg, nil
}

const metaColumns = `chat_id, message_id, sender_id, sender_name, message_ts,
	has_media, media_kind, text_preview, has_forward, has_reply,
	edited_ts, views, deleted, deleted_ts`

func scanMeta(row dbutil.Scannable) (*MessageMeta, error) {
	var meta MessageMeta
	var msgTS int64
	var editedTS, deletedTS *int64
	err := row.Scan(&meta.ChatID, &meta.MessageID, &meta.SenderID, &meta.SenderName,
		&msgTS, &meta.HasMedia, &meta.MediaKind, &meta.TextPreview,
		&meta.HasForward, &meta.HasReply, &editedTS, &meta.Views,
		&meta.Deleted, &deletedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	meta.Date = millisToTime(msgTS)
	if editedTS != nil {
		ts := millisToTime(*editedTS)
		meta.EditedAt = &ts
	}
	if deletedTS != nil {
		ts := millisToTime(*deletedTS)
		meta.DeletedAt = &ts
	}
	return &meta, nil
}

func (s *Store) getMeta(ctx context.Context, chatID, messageID int64) (*MessageMeta, error) {
	return scanMeta(s.db.QueryRow(ctx,
		`SELECT `+metaColumns+` FROM message_meta WHERE chat_id=$1 AND message_id=$2`,
		chatID, messageID))
}

func buildFilter(filter MessageFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ChatID != 0 {
		conds = append(conds, "chat_id="+arg(filter.ChatID))
	}
	if filter.Search != "" {
		conds = append(conds, "text_preview LIKE "+arg("%"+filter.Search+"%"))
	}
	if filter.MediaKind != "" {
		conds = append(conds, "media_kind="+arg(filter.MediaKind))
	}
	if filter.OnlyDeleted {
		conds = append(conds, "deleted=TRUE")
	} else if !filter.IncludeDeleted {
		conds = append(conds, "deleted=FALSE")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	return where, args
}

// ListMessages returns meta rows matching the filter, newest first.
func (s *Store) ListMessages(ctx context.Context, filter MessageFilter) ([]*MessageMeta, error) {
	where, args := buildFilter(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT %s FROM message_meta%s ORDER BY message_ts DESC, message_id DESC LIMIT %d OFFSET %d`,
		metaColumns, where, limit, filter.Offset)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var metas []*MessageMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// CountMessages returns the number of meta rows matching the filter.
func (s *Store) CountMessages(ctx context.Context, filter MessageFilter) (int64, error) {
	where, args := buildFilter(filter)
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_meta`+where, args...).Scan(&count)
	return count, err
}

// MaxMessageID returns the highest archived message ID in the chat, or 0.
func (s *Store) MaxMessageID(ctx context.Context, chatID int64) (int64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(message_id) FROM message_raw WHERE chat_id=$1`, chatID).Scan(&maxID)
	return maxID.Int64, err
}

// GetCursor returns the chat's backfill cursor, or a zero cursor if the
// chat has never been synced.
func (s *Store) GetCursor(ctx context.Context, chatID int64) (*LoadingCursor, error) {
	cursor := LoadingCursor{ChatID: chatID}
	var lastMessageTS, lastSyncedTS int64
	err := s.db.QueryRow(ctx, `
		SELECT last_loaded_id, last_message_ts, total_loaded, fully_loaded, last_synced_ts
		FROM chat_cursor WHERE chat_id=$1
	`, chatID).Scan(&cursor.LastLoadedID, &lastMessageTS, &cursor.TotalLoaded,
		&cursor.FullyLoaded, &lastSyncedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return &cursor, nil
	} else if err != nil {
		return nil, err
	}
	cursor.LastMessageAt = millisToTime(lastMessageTS)
	cursor.LastSyncedAt = millisToTime(lastSyncedTS)
	return &cursor, nil
}

// BumpCursorLive counts one live message against the cursor in a single
// statement: total_loaded goes up by one and last_message_ts only moves
// forward. last_loaded_id and fully_loaded belong to the backfill writer
// and are left untouched, so a concurrent backfill never loses progress.
func (s *Store) BumpCursorLive(ctx context.Context, chatID int64, messageAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_cursor (chat_id, last_message_ts, total_loaded)
		VALUES ($1, $2, 1)
		ON CONFLICT (chat_id) DO UPDATE SET
			total_loaded=chat_cursor.total_loaded + 1,
			last_message_ts=MAX(chat_cursor.last_message_ts, excluded.last_message_ts)
	`, chatID, tsToMillis(messageAt))
	if err != nil {
		return fmt.Errorf("failed to bump cursor for chat %d: %w", chatID, err)
	}
	return nil
}

// PutCursor persists the cursor. Called after every processed page so a
// crash never loses more than one page of progress.
func (s *Store) PutCursor(ctx context.Context, cursor *LoadingCursor) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_cursor (
			chat_id, last_loaded_id, last_message_ts, total_loaded, fully_loaded, last_synced_ts
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id) DO UPDATE SET
			last_loaded_id=excluded.last_loaded_id,
			last_message_ts=excluded.last_message_ts,
			total_loaded=excluded.total_loaded,
			fully_loaded=excluded.fully_loaded,
			last_synced_ts=excluded.last_synced_ts
	`, cursor.ChatID, cursor.LastLoadedID, tsToMillis(cursor.LastMessageAt),
		cursor.TotalLoaded, cursor.FullyLoaded, tsToMillis(cursor.LastSyncedAt))
	if err != nil {
		return fmt.Errorf("failed to persist cursor for chat %d: %w", cursor.ChatID, err)
	}
	return nil
}

// AppendEdit records one entry in the message's edit history.
func (s *Store) AppendEdit(ctx context.Context, rec *EditRecord) error {
	oldRaw := ""
	if len(rec.OldRaw.Payload) > 0 {
		oldRaw = string(rec.OldRaw.Payload)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_edit (
			chat_id, message_id, edited_ts, old_text, new_text,
			old_raw_version, old_raw_data, recorded_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ChatID, rec.MessageID, tsToMillis(rec.EditedAt), rec.OldText, rec.NewText,
		rec.OldRaw.Version, oldRaw, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append edit record: %w", err)
	}
	return nil
}

// ListEdits returns the edit history of one message (messageID > 0) or of
// a whole chat (messageID 0), oldest first.
func (s *Store) ListEdits(ctx context.Context, chatID, messageID int64) ([]*EditRecord, error) {
	query := `
		SELECT rowid, chat_id, message_id, edited_ts, old_text, new_text,
			old_raw_version, old_raw_data, recorded_ts
		FROM message_edit WHERE chat_id=$1`
	args := []any{chatID}
	if messageID > 0 {
		query += ` AND message_id=$2`
		args = append(args, messageID)
	}
	query += ` ORDER BY edited_ts, rowid`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*EditRecord
	for rows.Next() {
		var rec EditRecord
		var editedTS, recordedTS int64
		var oldRawVersion int
		var oldRawData sql.NullString
		err = rows.Scan(&rec.ID, &rec.ChatID, &rec.MessageID, &editedTS,
			&rec.OldText, &rec.NewText, &oldRawVersion, &oldRawData, &recordedTS)
		if err != nil {
			return nil, err
		}
		rec.EditedAt = millisToTime(editedTS)
		rec.RecordedAt = millisToTime(recordedTS)
		rec.OldRaw = RawEnvelope{Version: oldRawVersion, Payload: json.RawMessage(oldRawData.String)}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// MarkDeleted soft-deletes a message: flips the meta flag and appends a
// tombstone event. The raw payload stays untouched. Unknown messages still
// get an event row so the deletion is not lost.
func (s *Store) MarkDeleted(ctx context.Context, chatID, messageID int64, at time.Time) error {
	now := time.Now().UnixMilli()
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			UPDATE message_meta SET deleted=TRUE, deleted_ts=$3
			WHERE chat_id=$1 AND message_id=$2
		`, chatID, messageID, tsToMillis(at))
		if err != nil {
			return fmt.Errorf("failed to mark message deleted: %w", err)
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO message_event (chat_id, message_id, event_type, event_ts, recorded_ts)
			VALUES ($1, $2, $3, $4, $5)
		`, chatID, messageID, EventTypeDeleted, tsToMillis(at), now)
		if err != nil {
			return fmt.Errorf("failed to append deletion event: %w", err)
		}
		return nil
	})
}

// ListDeletionEvents returns tombstone events, newest first. chatID 0
// means all chats.
func (s *Store) ListDeletionEvents(ctx context.Context, chatID int64, limit int) ([]*DeletionEvent, error) {
	return s.ListEvents(ctx, chatID, EventTypeDeleted, limit)
}

// ListDeleted returns soft-deleted messages, newest first. chatID 0
// means all chats.
func (s *Store) ListDeleted(ctx context.Context, chatID int64, limit int) ([]*MessageMeta, error) {
	return s.ListMessages(ctx, MessageFilter{
		ChatID:      chatID,
		OnlyDeleted: true,
		Limit:       limit,
	})
}

// ListEvents returns message events, newest first. chatID 0 means all
// chats, eventType "" means all types.
func (s *Store) ListEvents(ctx context.Context, chatID int64, eventType string, limit int) ([]*DeletionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT rowid, chat_id, message_id, event_type, event_ts, payload, recorded_ts
		FROM message_event WHERE 1=1`
	var args []any
	if eventType != "" {
		args = append(args, eventType)
		query += fmt.Sprintf(` AND event_type=$%d`, len(args))
	}
	if chatID != 0 {
		args = append(args, chatID)
		query += fmt.Sprintf(` AND chat_id=$%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY event_ts DESC, rowid DESC LIMIT %d`, limit)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*DeletionEvent
	for rows.Next() {
		var evt DeletionEvent
		var eventTS, recordedTS int64
		var payload sql.NullString
		err = rows.Scan(&evt.ID, &evt.ChatID, &evt.MessageID, &evt.EventType,
			&eventTS, &payload, &recordedTS)
		if err != nil {
			return nil, err
		}
		evt.EventAt = millisToTime(eventTS)
		evt.RecordedAt = millisToTime(recordedTS)
		if payload.Valid && payload.String != "" {
			evt.Payload = json.RawMessage(payload.String)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// FindChatsForMessage returns the chats that contain the given message ID.
// Needed when a deletion update doesn't say which chat it happened in.
func (s *Store) FindChatsForMessage(ctx context.Context, messageID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT chat_id FROM message_raw WHERE message_id=$1`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chatIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chatIDs = append(chatIDs, id)
	}
	return chatIDs, rows.Err()
}

// Stats returns archive-wide counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var lastSavedTS sql.NullInt64
	var totalFileBytes sql.NullInt64
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM message_raw),
			(SELECT COUNT(*) FROM chat),
			(SELECT COUNT(*) FROM chat_cursor WHERE fully_loaded=TRUE),
			(SELECT COUNT(*) FROM message_meta WHERE deleted=TRUE),
			(SELECT COUNT(*) FROM message_edit),
			(SELECT COUNT(*) FROM file),
			(SELECT SUM(size) FROM file),
			(SELECT MAX(saved_ts) FROM message_raw)
	`).Scan(&stats.TotalMessages, &stats.TotalChats, &stats.FullyLoadedChats,
		&stats.DeletedMessages, &stats.TotalEdits, &stats.TotalFiles,
		&totalFileBytes, &lastSavedTS)
	if err != nil {
		return nil, err
	}
	stats.TotalFileBytes = totalFileBytes.Int64
	stats.LastSavedAt = millisToTime(lastSavedTS.Int64)
	return &stats, nil
}

// ChatExport is a self-contained dump of one chat's archive: the chat
// row, its loading cursor and every message including soft-deleted ones.
type ChatExport struct {
	Chat       *Chat          `json:"chat"`
	Cursor     *LoadingCursor `json:"chat_status"`
	Messages   []*MessageMeta `json:"messages"`
	ExportedAt time.Time      `json:"exported_at"`
}

// ExportChat assembles a ChatExport. Returns nil without error when the
// chat is unknown.
func (s *Store) ExportChat(ctx context.Context, chatID int64, limit int) (*ChatExport, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil || chat == nil {
		return nil, err
	}
	messages, err := s.ListMessages(ctx, MessageFilter{
		ChatID:         chatID,
		IncludeDeleted: true,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	cursor, err := s.GetCursor(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &ChatExport{
		Chat:       chat,
		Cursor:     cursor,
		Messages:   messages,
		ExportedAt: time.Now().UTC(),
	}, nil
}

// ResetChatData wipes all archived data for one chat, including its
// cursor. Intended for forced re-syncs from scratch.
func (s *Store) ResetChatData(ctx context.Context, chatID int64) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, table := range []string{"message_raw", "message_meta", "message_file", "message_edit", "message_event", "chat_cursor"} {
			_, err := s.db.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE chat_id=$1`, table), chatID)
			if err != nil {
				return fmt.Errorf("failed to clear %s for chat %d: %w", table, chatID, err)
			}
		}
		return nil
	})
}
