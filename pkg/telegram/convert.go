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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/lrhodin/telegrab/pkg/archive"
)

// channelIDOffset converts between raw channel IDs and the Bot-API-style
// negative chat IDs used throughout the archive.
const channelIDOffset = 1000000000000

func channelChatID(channelID int64) int64 {
	return -channelIDOffset - channelID
}

func chatIDFromPeer(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return channelChatID(p.ChannelID), true
	default:
		return 0, false
	}
}

func displayName(u *tg.User) string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

func chatInfoFromUser(u *tg.User) *archive.ChatInfo {
	payload, _ := json.Marshal(u)
	return &archive.ChatInfo{
		ID:       u.ID,
		Title:    displayName(u),
		Username: u.Username,
		Kind:     archive.ChatKindPrivate,
		Payload:  payload,
	}
}

func chatInfoFromChatClass(chat tg.ChatClass) (*archive.ChatInfo, error) {
	switch ch := chat.(type) {
	case *tg.Chat:
		payload, _ := json.Marshal(ch)
		return &archive.ChatInfo{
			ID:           -ch.ID,
			Title:        ch.Title,
			Kind:         archive.ChatKindGroup,
			MembersCount: ch.ParticipantsCount,
			Payload:      payload,
		}, nil
	case *tg.Channel:
		kind := archive.ChatKindBroadcast
		if ch.Megagroup {
			kind = archive.ChatKindGroup
		}
		payload, _ := json.Marshal(ch)
		return &archive.ChatInfo{
			ID:           channelChatID(ch.ID),
			Title:        ch.Title,
			Username:     ch.Username,
			Kind:         kind,
			MembersCount: ch.ParticipantsCount,
			Payload:      payload,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported chat class %T", chat)
	}
}

// convertMessage turns one history or update message into an archive
// event. Non-message entries (service messages, empty holes) return nil.
func (c *Client) convertMessage(chatID int64, msg tg.MessageClass) *archive.MessageEvent {
	m, ok := msg.(*tg.Message)
	if !ok {
		return nil
	}
	if chatID == 0 {
		chatID, ok = chatIDFromPeer(m.PeerID)
		if !ok {
			return nil
		}
	}

	evt := &archive.MessageEvent{
		ChatID:    chatID,
		MessageID: int64(m.ID),
		Date:      time.Unix(int64(m.Date), 0).UTC(),
		Text:      m.Message,
		HasReply:  m.ReplyTo != nil,
	}
	if _, ok := m.GetFwdFrom(); ok {
		evt.HasForward = true
	}
	if views, ok := m.GetViews(); ok {
		evt.Views = views
	}
	if editDate, ok := m.GetEditDate(); ok {
		at := time.Unix(int64(editDate), 0).UTC()
		evt.EditedAt = &at
	}
	if from, ok := m.GetFromID(); ok {
		if senderID, ok := chatIDFromPeer(from); ok {
			evt.SenderID = senderID
			evt.SenderName = c.senderName(senderID)
		}
	}
	if m.Media != nil {
		evt.MediaKind, evt.Media = convertMedia(m.Media)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		c.log.Err(err).Int("message_id", m.ID).Msg("Failed to serialize message payload")
		return nil
	}
	evt.Payload = payload
	return evt
}

func convertMedia(media tg.MessageMediaClass) (string, []archive.FileRef) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return archive.MediaPhoto, nil
		}
		return archive.MediaPhoto, []archive.FileRef{{
			FileID: strconv.FormatInt(photo.ID, 10),
			Kind:   archive.MediaPhoto,
		}}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return archive.MediaDocument, nil
		}
		ref := archive.FileRef{
			FileID:   strconv.FormatInt(doc.ID, 10),
			Size:     doc.Size,
			MIMEType: doc.MimeType,
		}
		kind := archive.MediaKindFromMIME(doc.MimeType)
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				ref.Name = a.FileName
			case *tg.DocumentAttributeVideo:
				kind = archive.MediaVideo
				ref.Width = a.W
				ref.Height = a.H
				ref.Duration = int(a.Duration)
			case *tg.DocumentAttributeAudio:
				kind = archive.MediaAudio
				if a.Voice {
					kind = archive.MediaVoice
				}
				ref.Duration = a.Duration
			case *tg.DocumentAttributeSticker:
				kind = archive.MediaSticker
			case *tg.DocumentAttributeAnimated:
				kind = archive.MediaGIF
			case *tg.DocumentAttributeImageSize:
				ref.Width = a.W
				ref.Height = a.H
			}
		}
		ref.Kind = kind
		return kind, []archive.FileRef{ref}
	default:
		// Polls, geo, contacts and the rest are archived with the raw
		// payload only.
		return archive.MediaDocument, nil
	}
}

// registerHandlers wires MTProto updates into the live ingest engine.
func (c *Client) registerHandlers() {
	c.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return c.handleNew(ctx, e, u.Message)
	})
	c.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return c.handleNew(ctx, e, u.Message)
	})
	c.dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		return c.handleEdit(ctx, e, u.Message)
	})
	c.dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		return c.handleEdit(ctx, e, u.Message)
	})
	c.dispatcher.OnDeleteMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteMessages) error {
		// Plain-chat deletions don't identify their chat.
		return c.handleDelete(ctx, 0, u.Messages)
	})
	c.dispatcher.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		return c.handleDelete(ctx, channelChatID(u.ChannelID), u.Messages)
	})
}

func (c *Client) cacheUpdateEntities(e tg.Entities) {
	users := make([]tg.UserClass, 0, len(e.Users))
	for _, u := range e.Users {
		users = append(users, u)
	}
	chats := make([]tg.ChatClass, 0, len(e.Chats)+len(e.Channels))
	for _, ch := range e.Chats {
		chats = append(chats, ch)
	}
	for _, ch := range e.Channels {
		chats = append(chats, ch)
	}
	c.cacheEntities(users, chats)
}

func (c *Client) handleNew(ctx context.Context, e tg.Entities, msg tg.MessageClass) error {
	if c.ingest == nil {
		return nil
	}
	c.cacheUpdateEntities(e)
	evt := c.convertMessage(0, msg)
	if evt == nil {
		return nil
	}
	if err := c.ingest.OnNewMessage(ctx, evt); err != nil {
		c.log.Err(err).Int64("chat_id", evt.ChatID).Msg("Failed to ingest live message")
	}
	return nil
}

func (c *Client) handleEdit(ctx context.Context, e tg.Entities, msg tg.MessageClass) error {
	if c.ingest == nil {
		return nil
	}
	c.cacheUpdateEntities(e)
	evt := c.convertMessage(0, msg)
	if evt == nil {
		return nil
	}
	if err := c.ingest.OnMessageEdited(ctx, evt); err != nil {
		c.log.Err(err).Int64("chat_id", evt.ChatID).Msg("Failed to ingest message edit")
	}
	return nil
}

func (c *Client) handleDelete(ctx context.Context, chatID int64, messageIDs []int) error {
	if c.ingest == nil {
		return nil
	}
	ids := make([]int64, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = int64(id)
	}
	err := c.ingest.OnMessagesDeleted(ctx, &archive.DeleteEvent{
		ChatID:     chatID,
		MessageIDs: ids,
		Date:       time.Now().UTC(),
	})
	if err != nil {
		c.log.Err(err).Int64("chat_id", chatID).Msg("Failed to ingest deletion")
	}
	return nil
}

var permissionCodes = []string{
	"CHANNEL_PRIVATE",
	"CHAT_FORBIDDEN",
	"USER_BANNED_IN_CHANNEL",
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"INVITE_HASH_EXPIRED",
	"INVITE_HASH_INVALID",
	"PEER_ID_INVALID",
	"CHANNELS_TOO_MUCH",
	"AUTH_KEY_UNREGISTERED",
}

// mapError translates transport and RPC errors into the archive error
// taxonomy consumed by the retry policy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &archive.FloodWaitError{RetryAfter: wait}
	}
	if tgerr.Is(err, permissionCodes...) {
		return &archive.PermissionError{Reason: rpcType(err), Err: err}
	}
	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) && rpcErr.Code >= 500 {
		return &archive.TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &archive.TransientError{Err: err}
	}
	return err
}

func rpcType(err error) string {
	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Type
	}
	return "UNKNOWN"
}

func isAlreadyParticipant(err error) bool {
	return tgerr.Is(err, "USER_ALREADY_PARTICIPANT")
}
