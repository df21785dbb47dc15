// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single turn in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Streaming state. Content grows monotonically while streaming and
	// is final once IsStreaming drops back to false.
	IsStreaming bool `json:"-"`

	// Exchange accounting (assistant messages)
	Usage   *api.Usage    `json:"usage,omitempty"`
	Cost    *pricing.Cost `json:"cost,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`

	// ExchangeID correlates the turn with its in-flight exchange.
	ExchangeID string `json:"exchange_id,omitempty"`

	// Error holds the displayable failure message when the exchange
	// failed; partial streamed content stays in Content alongside it.
	Error string `json:"error,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantPlaceholder creates an empty assistant turn in streaming
// state, to be grown by deltas and finalized later.
func NewAssistantPlaceholder() *Message {
	return &Message{
		ID:          generateID(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// Append adds a streamed fragment to the message content.
func (m *Message) Append(fragment string) {
	m.Content += fragment
}

// Failed reports whether the turn finalized with an error.
func (m *Message) Failed() bool {
	return m.Error != ""
}

// Preview returns the first line of content, truncated for display.
func (m *Message) Preview(max int) string {
	line := m.Content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if len(line) > max {
		return line[:max] + "..."
	}
	return line
}

// generateID creates a random message identifier.
func generateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return "msg_" + hex.EncodeToString(b)
}
