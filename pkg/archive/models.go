// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// RawFormatVersion tags the envelope layout of stored raw payloads so the
// schema can evolve without guessing what old rows contain.
const RawFormatVersion = 1

// RawEnvelope wraps the original wire-format payload of a message or chat.
// The payload is opaque to the archive: it is stored verbatim and only the
// version tag is interpreted.
type RawEnvelope struct {
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// NewRawEnvelope wraps a payload with the current format version.
func NewRawEnvelope(payload json.RawMessage) RawEnvelope {
	return RawEnvelope{Version: RawFormatVersion, Payload: payload}
}

type ChatKind string

const (
	ChatKindPrivate   ChatKind = "private"
	ChatKindGroup     ChatKind = "group"
	ChatKindBroadcast ChatKind = "channel"
)

// ChatKindFromID infers the chat kind from a platform chat ID: broadcast
// channels and supergroups are -100xxxxxxxxxx, basic groups are negative,
// direct chats are positive.
func ChatKindFromID(chatID int64) ChatKind {
	switch {
	case chatID <= -1000000000000:
		return ChatKindBroadcast
	case chatID < 0:
		return ChatKindGroup
	default:
		return ChatKindPrivate
	}
}

// Chat is the archival record of a conversation. Chats are created on first
// observed message or explicit registration and are never hard-deleted.
type Chat struct {
	ID           int64       `json:"chat_id"`
	Title        string      `json:"title"`
	Username     string      `json:"username,omitempty"`
	Kind         ChatKind    `json:"kind"`
	MembersCount int         `json:"members_count,omitempty"`
	Description  string      `json:"description,omitempty"`
	Raw          RawEnvelope `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// MessageMeta is the queryable half of the RAW+Meta pair: a parsed
// projection of the opaque payload, used for listing and search.
type MessageMeta struct {
	ChatID      int64      `json:"chat_id"`
	MessageID   int64      `json:"message_id"`
	SenderID    int64      `json:"sender_id,omitempty"`
	SenderName  string     `json:"sender_name,omitempty"`
	Date        time.Time  `json:"message_date"`
	HasMedia    bool       `json:"has_media"`
	MediaKind   string     `json:"media_kind,omitempty"`
	TextPreview string     `json:"text"`
	HasForward  bool       `json:"has_forward"`
	HasReply    bool       `json:"has_reply"`
	EditedAt    *time.Time `json:"edit_date,omitempty"`
	Views       int        `json:"views,omitempty"`
	Deleted     bool       `json:"is_deleted"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// StoredMessage joins the raw envelope with its meta row.
type StoredMessage struct {
	ChatID    int64       `json:"chat_id"`
	MessageID int64       `json:"message_id"`
	Raw       RawEnvelope `json:"raw"`
	Meta      MessageMeta `json:"meta"`
	SavedAt   time.Time   `json:"saved_at"`
}

// FileRef describes a media attachment by platform file ID. Only metadata is
// archived; the media bytes themselves are never downloaded.
type FileRef struct {
	FileID      string `json:"file_id"`
	Kind        string `json:"kind,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Name        string `json:"name,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	ThumbFileID string `json:"thumb_file_id,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Duration    int    `json:"duration,omitempty"`
}

// LoadingCursor is the per-chat backfill progress marker. LastLoadedID is
// the furthest (oldest) message ID processed so far; backfill pages are
// always requested strictly older than it.
type LoadingCursor struct {
	ChatID        int64     `json:"chat_id"`
	LastLoadedID  int64     `json:"last_loaded_id"`
	LastMessageAt time.Time `json:"last_message_date"`
	TotalLoaded   int64     `json:"total_loaded"`
	FullyLoaded   bool      `json:"fully_loaded"`
	LastSyncedAt  time.Time `json:"last_synced_at"`
}

// EditRecord is one append-only entry in a message's edit history.
type EditRecord struct {
	ID         int64       `json:"id"`
	ChatID     int64       `json:"chat_id"`
	MessageID  int64       `json:"message_id"`
	EditedAt   time.Time   `json:"edit_date"`
	OldText    string      `json:"old_text"`
	NewText    string      `json:"new_text"`
	OldRaw     RawEnvelope `json:"-"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// DeletionEvent is one append-only tombstone entry. The meta row's deleted
// flag is derived from the latest such event; raw data is never removed.
type DeletionEvent struct {
	ID         int64           `json:"id"`
	ChatID     int64           `json:"chat_id"`
	MessageID  int64           `json:"message_id"`
	EventType  string          `json:"event_type"`
	EventAt    time.Time       `json:"event_date"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

const EventTypeDeleted = "deleted"

// MessageFilter selects messages for listing. A zero ChatID means all
// chats. Soft-deleted rows are hidden unless IncludeDeleted or OnlyDeleted
// is set.
type MessageFilter struct {
	ChatID         int64
	Search         string
	MediaKind      string
	IncludeDeleted bool
	OnlyDeleted    bool
	Limit          int
	Offset         int
}

// Stats summarizes the archive contents.
type Stats struct {
	TotalMessages    int64     `json:"total_messages"`
	TotalChats       int64     `json:"total_chats"`
	FullyLoadedChats int64     `json:"fully_loaded_chats"`
	DeletedMessages  int64     `json:"deleted_messages"`
	TotalEdits       int64     `json:"total_edits"`
	TotalFiles       int64     `json:"total_files"`
	TotalFileBytes   int64     `json:"total_file_bytes"`
	LastSavedAt      time.Time `json:"last_saved_at"`
}

// Recognized media kinds, matching the categories the platform exposes.
const (
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaVoice    = "voice"
	MediaSticker  = "sticker"
	MediaGIF      = "gif"
	MediaDocument = "document"
)

// MediaKindFromMIME classifies a declared MIME type into one of the media
// kind buckets. Used for document attachments where the platform reports a
// MIME string instead of a typed media class.
func MediaKindFromMIME(mime string) string {
	if mime == "" {
		return ""
	}
	switch {
	case mimetype.EqualsAny(mime, "image/gif"):
		return MediaGIF
	case mimetype.EqualsAny(mime, "image/webp"):
		return MediaSticker
	case mimetype.EqualsAny(mime, "audio/ogg", "audio/opus"):
		return MediaVoice
	case strings.HasPrefix(mime, "image/"):
		return MediaPhoto
	case strings.HasPrefix(mime, "video/"):
		return MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return MediaAudio
	default:
		return MediaDocument
	}
}

// textPreviewLimit caps the searchable text excerpt stored in meta rows.
const textPreviewLimit = 500

func previewText(text string) string {
	if len(text) <= textPreviewLimit {
		return text
	}
	// Cut on a rune boundary so the preview stays valid UTF-8.
	cut := textPreviewLimit
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut]
}
