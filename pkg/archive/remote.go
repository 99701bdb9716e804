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
	"encoding/json"
	"fmt"
	"time"
)

// MessageEvent is a single remote message as the sync engines consume it:
// the opaque payload plus the parsed fields needed for meta extraction.
type MessageEvent struct {
	ChatID     int64
	MessageID  int64
	SenderID   int64
	SenderName string
	Date       time.Time
	Text       string
	Media      []FileRef
	MediaKind  string
	HasForward bool
	HasReply   bool
	EditedAt   *time.Time
	Views      int
	Payload    json.RawMessage
}

// HasContent reports whether the event carries anything worth archiving.
// Service messages with neither text nor media are skipped.
func (evt *MessageEvent) HasContent() bool {
	return evt.Text != "" || len(evt.Media) > 0 || evt.MediaKind != ""
}

// ArchiveText is the text stored for this event. Media-only messages get a
// bracketed placeholder so search still finds them by kind.
func (evt *MessageEvent) ArchiveText() string {
	if evt.Text != "" {
		return evt.Text
	}
	if evt.MediaKind != "" {
		return fmt.Sprintf("[%s]", evt.MediaKind)
	}
	return ""
}

// DeleteEvent reports remote deletion of one or more messages. ChatID may
// be zero when the platform doesn't attribute the deletion to a chat.
type DeleteEvent struct {
	ChatID     int64
	MessageIDs []int64
	Date       time.Time
}

// ChatInfo is the remote view of a chat, as returned by resolution.
type ChatInfo struct {
	ID           int64
	Title        string
	Username     string
	Kind         ChatKind
	MembersCount int
	Description  string
	Payload      json.RawMessage
}

// Client is the remote capability surface the sync engines drive. The
// concrete implementation lives in the telegram package; tests substitute
// their own.
type Client interface {
	// ResolveChat resolves a chat reference (numeric ID, @username, or
	// invite link) without joining it.
	ResolveChat(ctx context.Context, ref string) (*ChatInfo, error)
	// JoinChat joins a public chat or invite link and returns the joined
	// chat. Joining a chat the account is already in is not an error.
	JoinChat(ctx context.Context, ref string) (*ChatInfo, error)
	// FetchMessagesBefore returns up to limit messages strictly older than
	// beforeID, newest first. beforeID 0 means start from the newest.
	FetchMessagesBefore(ctx context.Context, chatID int64, beforeID int64, limit int) ([]*MessageEvent, error)
	// FetchMessagesAfter returns up to limit messages strictly newer than
	// afterID, newest first.
	FetchMessagesAfter(ctx context.Context, chatID int64, afterID int64, limit int) ([]*MessageEvent, error)
}

// FloodWaitError is the platform telling us to back off for an exact
// duration. It is retried indefinitely and never counts against a retry
// budget.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// TransientError wraps a failure worth retrying with backoff, such as a
// network timeout or a server-side 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermissionError means the operation can never succeed as issued: private
// channel, banned account, invalid peer. It aborts the operation
// immediately.
type PermissionError struct {
	Reason string
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permission denied (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permission denied (%s)", e.Reason)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}
