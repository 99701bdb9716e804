// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lrhodin/telegrab/pkg/archive"
	"github.com/lrhodin/telegrab/pkg/ws"
)

// Server exposes the archive over HTTP: read endpoints for stored data,
// write endpoints that enqueue sync jobs, and a websocket for live events.
type Server struct {
	store     *archive.Store
	scheduler *archive.TaskScheduler
	hub       *ws.Hub
	log       zerolog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(store *archive.Store, scheduler *archive.TaskScheduler, hub *ws.Hub, listen string, log zerolog.Logger) *Server {
	srv := &Server{
		store:     store,
		scheduler: scheduler,
		hub:       hub,
		log:       log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), srv.requestLog)

	api := router.Group("/api")
	api.GET("/health", srv.health)
	api.GET("/stats", srv.stats)
	api.GET("/chats", srv.listChats)
	api.GET("/chats/:chat_id", srv.getChat)
	api.GET("/messages", srv.listMessages)
	api.GET("/messages/:chat_id/:message_id", srv.getMessage)
	api.GET("/messages/:chat_id/:message_id/raw", srv.getMessageRaw)
	api.GET("/search", srv.search)
	api.GET("/edits/:chat_id", srv.listEdits)
	api.GET("/edits/:chat_id/:message_id", srv.listEdits)
	api.GET("/deleted", srv.listDeleted)
	api.GET("/events", srv.listEvents)
	api.GET("/export/:chat_id", srv.exportChat)
	api.POST("/load", srv.submitLoad)
	api.GET("/task/:id", srv.taskStatus)
	api.GET("/queue", srv.queue)
	api.GET("/chat_status/:chat_id", srv.chatStatus)
	router.GET("/ws", srv.websocketHandler)

	srv.httpServer = &http.Server{
		Addr:    listen,
		Handler: router,
	}
	return srv
}

// Handler exposes the router for tests.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (srv *Server) Run() error {
	srv.log.Info().Str("listen", srv.httpServer.Addr).Msg("API server listening")
	err := srv.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

func (srv *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	srv.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func errorResponse(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	val, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return val, true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}

func (srv *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (srv *Server) stats(c *gin.Context) {
	stats, err := srv.store.Stats(c.Request.Context())
	if err != nil {
		srv.log.Err(err).Msg("Failed to load stats")
		errorResponse(c, http.StatusInternalServerError, "failed to load stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (srv *Server) listChats(c *gin.Context) {
	chats, err := srv.store.ListChats(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list chats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats, "count": len(chats)})
}

func (srv *Server) getChat(c *gin.Context) {
	chatID, ok := pathInt64(c, "chat_id")
	if !ok {
		return
	}
	chat, err := srv.store.GetChat(c.Request.Context(), chatID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if chat == nil {
		errorResponse(c, http.StatusNotFound, "chat not found")
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (srv *Server) messageFilter(c *gin.Context) archive.MessageFilter {
	chatID, _ := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	return archive.MessageFilter{
		ChatID:         chatID,
		Search:         c.Query("q"),
		MediaKind:      c.Query("media_kind"),
		IncludeDeleted: c.Query("include_deleted") == "true",
		OnlyDeleted:    c.Query("only_deleted") == "true",
		Limit:          queryInt(c, "limit", 100),
		Offset:         queryInt(c, "offset", 0),
	}
}

func (srv *Server) listMessages(c *gin.Context) {
	filter := srv.messageFilter(c)
	messages, err := srv.store.ListMessages(c.Request.Context(), filter)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list messages")
		return
	}
	total, err := srv.store.CountMessages(c.Request.Context(), filter)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to count messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": total})
}

func (srv *Server) search(c *gin.Context) {
	if c.Query("q") == "" {
		errorResponse(c, http.StatusBadRequest, "q parameter is required")
		return
	}
	srv.listMessages(c)
}

func (srv *Server) getMessage(c *gin.Context) {
	msg, ok := srv.lookupMessage(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, msg.Meta)
}

func (srv *Server) getMessageRaw(c *gin.Context) {
	msg, ok := srv.lookupMessage(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, msg.Raw)
}

func (srv *Server) lookupMessage(c *gin.Context) (*archive.StoredMessage, bool) {
	chatID, ok := pathInt64(c, "chat_id")
	if !ok {
		return nil, false
	}
	messageID, ok := pathInt64(c, "message_id")
	if !ok {
		return nil, false
	}
	msg, err := srv.store.GetMessage(c.Request.Context(), chatID, messageID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load message")
		return nil, false
	}
	if msg == nil {
		errorResponse(c, http.StatusNotFound, "message not found")
		return nil, false
	}
	return msg, true
}

func (srv *Server) listEdits(c *gin.Context) {
	chatID, ok := pathInt64(c, "chat_id")
	if !ok {
		return
	}
	var messageID int64
	if c.Param("message_id") != "" {
		if messageID, ok = pathInt64(c, "message_id"); !ok {
			return
		}
	}
	edits, err := srv.store.ListEdits(c.Request.Context(), chatID, messageID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list edits")
		return
	}
	c.JSON(http.StatusOK, gin.H{"edits": edits, "count": len(edits)})
}

func (srv *Server) listDeleted(c *gin.Context) {
	chatID, _ := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	deleted, err := srv.store.ListDeleted(c.Request.Context(), chatID, queryInt(c, "limit", 100))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list deleted messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "count": len(deleted)})
}

func (srv *Server) listEvents(c *gin.Context) {
	chatID, _ := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	events, err := srv.store.ListEvents(c.Request.Context(), chatID, c.Query("type"), queryInt(c, "limit", 100))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (srv *Server) exportChat(c *gin.Context) {
	chatID, ok := pathInt64(c, "chat_id")
	if !ok {
		return
	}
	export, err := srv.store.ExportChat(c.Request.Context(), chatID, queryInt(c, "limit", 100000))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to export chat")
		return
	}
	if export == nil {
		errorResponse(c, http.StatusNotFound, "chat not found")
		return
	}
	c.JSON(http.StatusOK, export)
}

type loadRequest struct {
	Chat  string `json:"chat" binding:"required"`
	Limit int64  `json:"limit"`
	Join  bool   `json:"join"`
}

func (srv *Server) submitLoad(c *gin.Context) {
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "chat field is required")
		return
	}
	jobType := archive.JobBackfill
	if req.Join {
		jobType = archive.JobJoinAndBackfill
	}
	job, err := srv.scheduler.Submit(jobType, archive.JobParams{
		ChatRef: req.Chat,
		Limit:   req.Limit,
	})
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (srv *Server) taskStatus(c *gin.Context) {
	job := srv.scheduler.Status(c.Param("id"))
	if job == nil {
		errorResponse(c, http.StatusNotFound, "task not found")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (srv *Server) queue(c *gin.Context) {
	jobs := srv.scheduler.Queue()
	c.JSON(http.StatusOK, gin.H{"queue": jobs, "depth": len(jobs)})
}

func (srv *Server) chatStatus(c *gin.Context) {
	chatID, ok := pathInt64(c, "chat_id")
	if !ok {
		return
	}
	cursor, err := srv.store.GetCursor(c.Request.Context(), chatID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load chat status")
		return
	}
	c.JSON(http.StatusOK, cursor)
}

func (srv *Server) websocketHandler(c *gin.Context) {
	conn, err := srv.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		srv.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	srv.hub.AddClient(conn)
	// Reads keep the connection alive and detect the client going away;
	// inbound messages are ignored.
	go func() {
		defer func() {
			srv.hub.RemoveClient(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
