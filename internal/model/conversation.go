// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an ordered sequence of turns plus running usage/cost
// totals. It is not safe for concurrent use; the owning Store serializes
// access.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Model     string     `json:"model"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Running totals published on each successful exchange.
	TotalUsage api.Usage `json:"total_usage"`
	TotalCost  float64   `json:"total_cost"`
	Currency   string    `json:"currency"`
}

// NewConversation creates an empty conversation for the given model.
func NewConversation(modelID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        generateConversationID(),
		Model:     modelID,
		Messages:  make([]*Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
		Currency:  pricing.DefaultCurrency,
	}
}

// AddMessage appends a turn.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	if c.Title == "" && msg.Role == RoleUser {
		c.Title = msg.Preview(48)
	}
}

// AddUserMessage appends a new user turn and returns it.
func (c *Conversation) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	c.AddMessage(msg)
	return msg
}

// AddAssistantPlaceholder appends an empty streaming assistant turn.
func (c *Conversation) AddAssistantPlaceholder() *Message {
	msg := NewAssistantPlaceholder()
	c.AddMessage(msg)
	return msg
}

// MessageByID finds a turn by id, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastMessage returns the trailing turn, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// PriorUserMessage returns the user turn immediately preceding the given
// assistant turn, or nil when the structure does not allow a retry.
func (c *Conversation) PriorUserMessage(assistantID string) *Message {
	for i, msg := range c.Messages {
		if msg.ID != assistantID {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if c.Messages[j].Role == RoleUser {
				return c.Messages[j]
			}
		}
		return nil
	}
	return nil
}

// WireMessages builds the wire-level turn sequence from all finalized
// turns up to (but excluding) the turn with stopBefore id. Failed
// assistant turns and streaming placeholders are skipped; an empty
// stopBefore includes the whole history.
func (c *Conversation) WireMessages(stopBefore string) []api.ChatMessage {
	out := make([]api.ChatMessage, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if stopBefore != "" && msg.ID == stopBefore {
			break
		}
		if msg.IsStreaming || msg.Failed() {
			continue
		}
		if msg.Content == "" {
			continue
		}
		out = append(out, api.ChatMessage{Role: msg.Role.String(), Content: msg.Content})
	}
	return out
}

// RecordUsage publishes one exchange's accounting into the running totals.
func (c *Conversation) RecordUsage(usage api.Usage, cost pricing.Cost) {
	c.TotalUsage.Input += usage.Input
	c.TotalUsage.Output += usage.Output
	c.TotalUsage.Total += usage.Total
	c.TotalCost += cost.Total
	if cost.Currency != "" {
		c.Currency = cost.Currency
	}
	c.UpdatedAt = time.Now()
}

// MessageCount returns the number of turns.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// generateConversationID creates a random conversation identifier.
func generateConversationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return "conv_" + hex.EncodeToString(b)
}
