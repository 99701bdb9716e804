// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventTaskCompleted  EventType = "task_completed"
	EventSyncProgress   EventType = "sync_progress"
)

// Event is a realtime notification about archive activity, fanned out to
// websocket subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	ChatID    int64          `json:"chat_id,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier receives events as they happen. Notify must not block; slow
// consumers are the notifier's problem.
type Notifier interface {
	Notify(evt Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(evt Event)

func (f NotifierFunc) Notify(evt Event) {
	f(evt)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
