package format

import (
	"regexp"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ParseResult contains plain text and message entities
type ParseResult struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

// UTF16Len returns the length of s in UTF-16 code units, the unit Telegram
// uses for entity offsets.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

var markupRe = regexp.MustCompile("\\*\\*(.+?)\\*\\*|__(.+?)__|`([^`]+?)`")

// ParseMarkdown strips **bold**, __bold__ and `code` markers and returns the
// equivalent Telegram entities. Everything else is left as plain text, so user
// supplied titles never break message parsing.
func ParseMarkdown(text string) ParseResult {
	var (
		out      strings.Builder
		entities []tgbotapi.MessageEntity
		offset   int
		last     int
	)

	for _, m := range markupRe.FindAllStringSubmatchIndex(text, -1) {
		before := text[last:m[0]]
		out.WriteString(before)
		offset += UTF16Len(before)

		kind, inner := "bold", ""
		switch {
		case m[2] != -1:
			inner = text[m[2]:m[3]]
		case m[4] != -1:
			inner = text[m[4]:m[5]]
		default:
			kind, inner = "code", text[m[6]:m[7]]
		}

		length := UTF16Len(inner)
		entities = append(entities, tgbotapi.MessageEntity{Type: kind, Offset: offset, Length: length})
		out.WriteString(inner)
		offset += length
		last = m[1]
	}
	out.WriteString(text[last:])

	return ParseResult{Text: out.String(), Entities: entities}
}
