// Package chat defines the message payload stored in session entries.
//
// The session store treats a Message as opaque apart from its role and its
// text content. Non-text blocks (tool calls, images, audio) round-trip
// through storage unchanged.
package chat

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolCall BlockType = "tool_call"
	BlockImage    BlockType = "image"
	BlockAudio    BlockType = "audio"
)

// Block is one content block of a message.
// Only Text is interpreted; the remaining fields are carried verbatim.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Source    json.RawMessage `json:"source,omitempty"`
}

// Message is a single chat message.
type Message struct {
	Role       Role    `json:"role"`
	Content    []Block `json:"content"`
	ToolCallID string  `json:"tool_call_id,omitempty"`
	ToolName   string  `json:"tool_name,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
}

// NoText is the preview shown for messages without text content.
const NoText = "(no text)"

// System returns a system message with a single text block.
func System(text string) Message {
	return textMessage(RoleSystem, text)
}

// User returns a user message with a single text block.
func User(text string) Message {
	return textMessage(RoleUser, text)
}

// Assistant returns an assistant message with a single text block.
func Assistant(text string) Message {
	return textMessage(RoleAssistant, text)
}

func textMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: []Block{{Type: BlockText, Text: text}},
	}
}

// TextContent joins the text blocks of the message with newlines.
func (m Message) TextContent() string {
	parts := make([]string, 0, len(m.Content))
	for _, block := range m.Content {
		if block.Type == BlockText {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Preview returns a single-line, NFC-normalized, whitespace-collapsed rendering of the text content,
// truncated to maxRunes runes with a trailing "..." when longer.
// A non-positive maxRunes disables truncation.
func (m Message) Preview(maxRunes int) string {
	text := strings.Join(strings.Fields(norm.NFC.String(m.TextContent())), " ")
	if text == "" {
		return NoText
	}
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes]) + "..."
}

// RoleLabel returns the role as a lowercase label, "unknown" when unset.
func (m Message) RoleLabel() string {
	if m.Role == "" {
		return "unknown"
	}
	return strings.ToLower(string(m.Role))
}
