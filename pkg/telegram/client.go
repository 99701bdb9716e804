// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/lrhodin/telegrab/pkg/archive"
)

// Client is the MTProto implementation of archive.Client. It owns the
// telegram session, a peer cache for access hashes, and the update
// dispatch into the live ingest engine.
type Client struct {
	cfg    archive.TelegramConfig
	log    zerolog.Logger
	ingest *archive.LiveIngestEngine

	client     *telegram.Client
	api        *tg.Client
	dispatcher tg.UpdateDispatcher

	peerMu sync.RWMutex
	peers  map[int64]tg.InputPeerClass
	names  map[int64]string
}

// NewClient builds the MTProto client. ingest may be nil when live
// updates are not wanted (e.g. one-shot CLI commands).
func NewClient(cfg archive.TelegramConfig, ingest *archive.LiveIngestEngine, log zerolog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		log:    log.With().Str("component", "telegram").Logger(),
		ingest: ingest,
		peers:  make(map[int64]tg.InputPeerClass),
		names:  make(map[int64]string),
	}
	c.dispatcher = tg.NewUpdateDispatcher()
	c.registerHandlers()
	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  c.dispatcher,
	})
	c.api = c.client.API()
	return c
}

// Run connects, authenticates if needed, and invokes ready once the
// client is usable. It blocks until ready returns or the connection dies.
func (c *Client) Run(ctx context.Context, ready func(ctx context.Context) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(termAuth{phone: c.cfg.Phone}, auth.SendCodeOptions{})
		if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		self, err := c.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch self: %w", err)
		}
		c.log.Info().
			Int64("user_id", self.ID).
			Str("username", self.Username).
			Msg("Logged in to Telegram")
		return ready(ctx)
	})
}

// ResolveChat implements archive.Client.
func (c *Client) ResolveChat(ctx context.Context, ref string) (*archive.ChatInfo, error) {
	if id, ok := parseNumericRef(ref); ok {
		peer, err := c.inputPeer(id)
		if err != nil {
			return nil, err
		}
		return c.chatInfoFromPeer(ctx, id, peer)
	}
	username, invite, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	if invite != "" {
		return c.previewInvite(ctx, invite)
	}

	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		return nil, mapError(err)
	}
	c.cacheEntities(resolved.Users, resolved.Chats)
	return c.chatInfoFromResolved(resolved)
}

// JoinChat implements archive.Client.
func (c *Client) JoinChat(ctx context.Context, ref string) (*archive.ChatInfo, error) {
	username, invite, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	if invite != "" {
		return c.joinInvite(ctx, invite)
	}

	info, err := c.ResolveChat(ctx, "@"+username)
	if err != nil {
		return nil, err
	}
	peer, err := c.inputPeer(info.ID)
	if err != nil {
		return nil, err
	}
	if channel, ok := peer.(*tg.InputPeerChannel); ok {
		_, err = c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{
			ChannelID:  channel.ChannelID,
			AccessHash: channel.AccessHash,
		})
		if err != nil && !isAlreadyParticipant(err) {
			return nil, mapError(err)
		}
	}
	return info, nil
}

func (c *Client) previewInvite(ctx context.Context, hash string) (*archive.ChatInfo, error) {
	invite, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, mapError(err)
	}
	switch inv := invite.(type) {
	case *tg.ChatInviteAlready:
		c.cacheEntities(nil, []tg.ChatClass{inv.Chat})
		return chatInfoFromChatClass(inv.Chat)
	case *tg.ChatInvitePeek:
		c.cacheEntities(nil, []tg.ChatClass{inv.Chat})
		return chatInfoFromChatClass(inv.Chat)
	default:
		// Not a member yet: the chat has no resolvable ID until joined.
		return nil, &archive.PermissionError{Reason: "NOT_A_MEMBER"}
	}
}

func (c *Client) joinInvite(ctx context.Context, hash string) (*archive.ChatInfo, error) {
	updates, err := c.api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		if isAlreadyParticipant(err) {
			return c.previewInvite(ctx, hash)
		}
		return nil, mapError(err)
	}
	if upd, ok := updates.(*tg.Updates); ok {
		c.cacheEntities(upd.Users, upd.Chats)
		for _, chat := range upd.Chats {
			if info, err := chatInfoFromChatClass(chat); err == nil {
				return info, nil
			}
		}
	}
	return nil, fmt.Errorf("join returned no chat")
}

// FetchMessagesBefore implements archive.Client.
func (c *Client) FetchMessagesBefore(ctx context.Context, chatID int64, beforeID int64, limit int) ([]*archive.MessageEvent, error) {
	peer, err := c.inputPeer(chatID)
	if err != nil {
		return nil, err
	}
	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(beforeID),
		Limit:    limit,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return c.eventsFromHistory(chatID, history)
}

// FetchMessagesAfter implements archive.Client.
func (c *Client) FetchMessagesAfter(ctx context.Context, chatID int64, afterID int64, limit int) ([]*archive.MessageEvent, error) {
	peer, err := c.inputPeer(chatID)
	if err != nil {
		return nil, err
	}
	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		MinID: int(afterID),
		Limit: limit,
	})
	if err != nil {
		return nil, mapError(err)
	}
	events, err := c.eventsFromHistory(chatID, history)
	if err != nil {
		return nil, err
	}
	// MinID is inclusive of newer messages only, but guard against the
	// server including the boundary message itself.
	filtered := events[:0]
	for _, evt := range events {
		if evt.MessageID > afterID {
			filtered = append(filtered, evt)
		}
	}
	return filtered, nil
}

// ListDialogs returns the chat IDs of the account's most recent dialogs,
// used for auto-loading on startup.
func (c *Client) ListDialogs(ctx context.Context, limit int) ([]int64, error) {
	dialogs, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, mapError(err)
	}
	var users []tg.UserClass
	var chats []tg.ChatClass
	var dialogList []tg.DialogClass
	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		users, chats, dialogList = d.Users, d.Chats, d.Dialogs
	case *tg.MessagesDialogsSlice:
		users, chats, dialogList = d.Users, d.Chats, d.Dialogs
	default:
		return nil, fmt.Errorf("unexpected dialogs response %T", dialogs)
	}
	c.cacheEntities(users, chats)

	var chatIDs []int64
	for _, dialog := range dialogList {
		d, ok := dialog.(*tg.Dialog)
		if !ok {
			continue
		}
		if id, ok := chatIDFromPeer(d.Peer); ok {
			chatIDs = append(chatIDs, id)
		}
	}
	return chatIDs, nil
}

func (c *Client) eventsFromHistory(chatID int64, history tg.MessagesMessagesClass) ([]*archive.MessageEvent, error) {
	var messages []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesMessages:
		c.cacheEntities(h.Users, h.Chats)
		messages = h.Messages
	case *tg.MessagesMessagesSlice:
		c.cacheEntities(h.Users, h.Chats)
		messages = h.Messages
	case *tg.MessagesChannelMessages:
		c.cacheEntities(h.Users, h.Chats)
		messages = h.Messages
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected history response %T", history)
	}

	events := make([]*archive.MessageEvent, 0, len(messages))
	for _, msg := range messages {
		evt := c.convertMessage(chatID, msg)
		if evt != nil {
			events = append(events, evt)
		}
	}
	return events, nil
}

func (c *Client) chatInfoFromPeer(ctx context.Context, chatID int64, peer tg.InputPeerClass) (*archive.ChatInfo, error) {
	switch p := peer.(type) {
	case *tg.InputPeerChannel:
		full, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash},
		})
		if err != nil {
			return nil, mapError(err)
		}
		if chats, ok := full.(*tg.MessagesChats); ok {
			c.cacheEntities(nil, chats.Chats)
			for _, chat := range chats.Chats {
				return chatInfoFromChatClass(chat)
			}
		}
	case *tg.InputPeerChat:
		full, err := c.api.MessagesGetChats(ctx, []int64{p.ChatID})
		if err != nil {
			return nil, mapError(err)
		}
		if chats, ok := full.(*tg.MessagesChats); ok {
			c.cacheEntities(nil, chats.Chats)
			for _, chat := range chats.Chats {
				return chatInfoFromChatClass(chat)
			}
		}
	case *tg.InputPeerUser:
		users, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{
			&tg.InputUser{UserID: p.UserID, AccessHash: p.AccessHash},
		})
		if err != nil {
			return nil, mapError(err)
		}
		c.cacheEntities(users, nil)
		for _, user := range users {
			if u, ok := user.(*tg.User); ok {
				return chatInfoFromUser(u), nil
			}
		}
	}
	return nil, fmt.Errorf("failed to load chat info for %d", chatID)
}

func (c *Client) chatInfoFromResolved(resolved *tg.ContactsResolvedPeer) (*archive.ChatInfo, error) {
	switch peer := resolved.Peer.(type) {
	case *tg.PeerUser:
		for _, user := range resolved.Users {
			if u, ok := user.(*tg.User); ok && u.ID == peer.UserID {
				return chatInfoFromUser(u), nil
			}
		}
	default:
		for _, chat := range resolved.Chats {
			if info, err := chatInfoFromChatClass(chat); err == nil {
				return info, nil
			}
		}
	}
	return nil, fmt.Errorf("resolved peer has no chat")
}

// inputPeer returns the cached input peer for a chat ID. Peers enter the
// cache through resolution, dialogs and history responses; history of a
// chat never seen in any of those can't be requested.
func (c *Client) inputPeer(chatID int64) (tg.InputPeerClass, error) {
	c.peerMu.RLock()
	peer, ok := c.peers[chatID]
	c.peerMu.RUnlock()
	if !ok {
		return nil, &archive.PermissionError{Reason: "PEER_ID_INVALID"}
	}
	return peer, nil
}

func (c *Client) cacheEntities(users []tg.UserClass, chats []tg.ChatClass) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	for _, user := range users {
		u, ok := user.(*tg.User)
		if !ok {
			continue
		}
		c.peers[u.ID] = &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		c.names[u.ID] = displayName(u)
	}
	for _, chat := range chats {
		switch ch := chat.(type) {
		case *tg.Chat:
			c.peers[-ch.ID] = &tg.InputPeerChat{ChatID: ch.ID}
			c.names[-ch.ID] = ch.Title
		case *tg.Channel:
			id := channelChatID(ch.ID)
			c.peers[id] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			c.names[id] = ch.Title
		}
	}
}

func (c *Client) senderName(id int64) string {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.names[id]
}

func parseNumericRef(ref string) (int64, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, false
	}
	var id int64
	_, err := fmt.Sscanf(ref, "%d", &id)
	if err != nil {
		return 0, false
	}
	// Reject partial parses like "123abc".
	return id, fmt.Sprintf("%d", id) == ref
}

// splitRef separates a chat reference into a public username or an invite
// hash. Exactly one of the two is non-empty on success.
func splitRef(ref string) (username, invite string, err error) {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(ref, prefix) {
			ref = strings.TrimPrefix(ref, prefix)
			break
		}
	}
	switch {
	case strings.HasPrefix(ref, "+"):
		return "", strings.TrimPrefix(ref, "+"), nil
	case strings.HasPrefix(ref, "joinchat/"):
		return "", strings.TrimPrefix(ref, "joinchat/"), nil
	case strings.HasPrefix(ref, "@"):
		ref = strings.TrimPrefix(ref, "@")
	}
	if ref == "" || strings.ContainsAny(ref, "/? ") {
		return "", "", fmt.Errorf("invalid chat reference %q", ref)
	}
	return ref, "", nil
}
