// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package magnet handles magnet URI construction and info-hash extraction.
package magnet

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var btihRe = regexp.MustCompile(`(?i)xt=urn:btih:([0-9a-fA-F]{40})`)

// ErrNoInfoHash is returned when a magnet URI carries no 40-char hex
// BTIH. Base32 hashes are not supported.
var ErrNoInfoHash = errors.New("magnet: no btih info hash found")

// IsMagnet reports whether s looks like a magnet URI.
func IsMagnet(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "magnet:?")
}

// InfoHash extracts the lowercased 40-char hex info hash from a magnet URI.
func InfoHash(uri string) (string, error) {
	m := btihRe.FindStringSubmatch(uri)
	if m == nil {
		return "", ErrNoInfoHash
	}
	return strings.ToLower(m[1]), nil
}

// Build constructs a magnet URI from an info hash, display name and
// tracker URLs. The hash is validated and lowercased.
func Build(infoHash, displayName string, trackers []string) (string, error) {
	hash := strings.ToLower(strings.TrimSpace(infoHash))
	if len(hash) != 40 || !isHex(hash) {
		return "", errors.Errorf("magnet: invalid info hash %q", infoHash)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "magnet:?xt=urn:btih:%s", hash)
	if displayName != "" {
		fmt.Fprintf(&b, "&dn=%s", url.QueryEscape(displayName))
	}
	for _, tr := range trackers {
		if tr == "" {
			continue
		}
		fmt.Fprintf(&b, "&tr=%s", url.QueryEscape(tr))
	}
	return b.String(), nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
