// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lrhodin/telegrab/pkg/archive"
)

const sendBuffer = 32

// client pairs a connection with its outbound queue. All writes to the
// connection go through writePump, never directly, since gorilla allows
// only one concurrent writer per connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans archive events out to connected websocket clients. It
// implements archive.Notifier, so the sync engines can broadcast without
// knowing about websockets.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]*client),
		log:     log.With().Str("component", "ws").Logger(),
	}
}

// AddClient registers a connection and starts its writer goroutine.
func (h *Hub) AddClient(conn *websocket.Conn) {
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[conn] = cl
	count := len(h.clients)
	h.mu.Unlock()
	go h.writePump(cl)
	h.log.Debug().Int("clients", count).Msg("Websocket client connected")
}

// RemoveClient removes a connection and stops its writer goroutine.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	cl, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(cl.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify broadcasts the event to every connected client. The send is
// non-blocking: a client whose queue is full misses the event rather
// than stalling the sync engines.
func (h *Hub) Notify(evt archive.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Err(err).Msg("Failed to marshal event")
		return
	}

	// Queueing under the read lock keeps sends ordered before the close
	// in RemoveClient, which holds the write lock.
	h.mu.RLock()
	for _, cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			h.log.Debug().Msg("Websocket client queue full, dropping event")
		}
	}
	h.mu.RUnlock()
}

// writePump is the single writer for one connection. It exits when the
// send channel closes or a write fails, dead connections get dropped.
func (h *Hub) writePump(cl *client) {
	defer func() {
		_ = cl.conn.Close()
		h.RemoveClient(cl.conn)
	}()
	for payload := range cl.send {
		if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug().Err(err).Msg("Websocket write failed, dropping client")
			return
		}
	}
}
