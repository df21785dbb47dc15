// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"sync"
	"time"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

// ErrNotFound is returned for unknown conversation or message ids.
var ErrNotFound = errors.New("not found")

// TurnPatch is a partial update applied to an existing turn. Nil fields
// are left untouched; AppendContent is applied before Content overwrite
// so streaming appends and final rewrites compose.
type TurnPatch struct {
	AppendContent string
	Content       *string
	Error         *string
	Usage         *api.Usage
	Cost          *pricing.Cost
	Elapsed       *time.Duration
	Streaming     *bool
	ExchangeID    *string
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// Store is an in-memory conversation store with one active conversation.
// It owns all durability concerns for the conversations it holds; the
// orchestrator only talks to it through the collaborator methods below.
// Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	convs    map[string]*Conversation
	activeID string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{convs: make(map[string]*Conversation)}
}

// Create adds a conversation and makes it active.
func (s *Store) Create(modelID string) *Conversation {
	conv := NewConversation(modelID)
	s.mu.Lock()
	s.convs[conv.ID] = conv
	s.activeID = conv.ID
	s.mu.Unlock()
	return conv
}

// SetActive switches the active conversation.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	s.activeID = id
	return nil
}

// Active returns the active conversation, or nil when none exists.
func (s *Store) Active() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return nil
	}
	return s.convs[s.activeID]
}

// AppendTurn appends a turn to a conversation.
func (s *Store) AppendTurn(convID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return ErrNotFound
	}
	conv.AddMessage(msg)
	return nil
}

// UpdateTurn applies a patch to an existing turn.
func (s *Store) UpdateTurn(convID, msgID string, patch TurnPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return ErrNotFound
	}
	msg := conv.MessageByID(msgID)
	if msg == nil {
		return ErrNotFound
	}

	if patch.AppendContent != "" {
		msg.Append(patch.AppendContent)
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.Error != nil {
		msg.Error = *patch.Error
	}
	if patch.Usage != nil {
		msg.Usage = patch.Usage
	}
	if patch.Cost != nil {
		msg.Cost = patch.Cost
	}
	if patch.Elapsed != nil {
		msg.Elapsed = *patch.Elapsed
	}
	if patch.Streaming != nil {
		msg.IsStreaming = *patch.Streaming
	}
	if patch.ExchangeID != nil {
		msg.ExchangeID = *patch.ExchangeID
	}
	conv.UpdatedAt = time.Now()
	return nil
}

// RecordUsage publishes an exchange's accounting to a conversation's
// running totals.
func (s *Store) RecordUsage(convID string, usage api.Usage, cost pricing.Cost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return ErrNotFound
	}
	conv.RecordUsage(usage, cost)
	return nil
}
