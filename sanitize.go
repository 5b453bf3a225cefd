package main

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minNameLen   = 3
	maxNameLen   = 20
	maxChatLen   = 500
	maxStateLen  = 32
	maxAnimLen   = 64
	maxSlotLen   = 32
	maxItemIDLen = 64
)

var (
	htmlTagRe     = regexp.MustCompile(`<[^>]*>`)
	nameCharsRe   = regexp.MustCompile(`[^\w\s\-.]`)
	scriptURLRe   = regexp.MustCompile(`(?i)javascript:`)
	eventAttrRe   = regexp.MustCompile(`(?i)on\w+\s*=`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// GenerateGuestName creates a unique guest name like "Guest_a3f2c1"
func GenerateGuestName() string {
	b := make([]byte, 3)
	rand.Read(b)
	return "Guest_" + hex.EncodeToString(b)
}

// SanitizeName strips markup and odd characters from a display name. Names
// that end up too short are replaced with a guest name.
func SanitizeName(name string) string {
	name = htmlTagRe.ReplaceAllString(name, "")
	name = nameCharsRe.ReplaceAllString(name, "")
	name = whitespaceRun.ReplaceAllString(strings.TrimSpace(name), " ")
	if utf8.RuneCountInString(name) < minNameLen {
		return GenerateGuestName()
	}
	return truncateRunes(name, maxNameLen)
}

// SanitizeChat cleans a chat line. The second result is false when nothing
// is left to send.
func SanitizeChat(msg string) (string, bool) {
	msg = htmlTagRe.ReplaceAllString(msg, "")
	msg = scriptURLRe.ReplaceAllString(msg, "")
	msg = eventAttrRe.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", false
	}
	return truncateRunes(msg, maxChatLen), true
}

// sanitizeEquipment drops slots and items with unusable identifiers. Empty
// slots are left out. A nil map stays nil so the update keeps the stored
// equipment.
func sanitizeEquipment(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for slot, item := range in {
		slot = strings.TrimSpace(slot)
		item = strings.TrimSpace(item)
		if slot == "" || item == "" || len(slot) > maxSlotLen || len(item) > maxItemIDLen {
			continue
		}
		out[slot] = item
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
