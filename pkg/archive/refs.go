// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"strconv"
	"strings"
)

// parseChatID interprets a chat reference as a numeric chat ID.
func parseChatID(ref string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// parseUsername interprets a chat reference as a public @username or a
// t.me link to one. Invite links (t.me/+hash, t.me/joinchat/...) can't be
// resolved locally and return false.
func parseUsername(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(ref, prefix) {
			ref = strings.TrimPrefix(ref, prefix)
			break
		}
	}
	if strings.HasPrefix(ref, "+") || strings.HasPrefix(ref, "joinchat/") {
		return "", false
	}
	ref = strings.TrimPrefix(ref, "@")
	if ref == "" || strings.ContainsAny(ref, "/? ") {
		return "", false
	}
	return ref, true
}
