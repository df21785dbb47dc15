// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the
// application for representing chat conversations and their turns, plus
// an in-memory Store implementing the conversation-store collaborator
// consumed by the orchestrator.
//
// # Key Types
//
//   - Conversation: container for a chat session with turns and running totals
//   - Message: single turn with role, content, timestamp, and per-exchange stats
//   - Role: message role enumeration (user, assistant, system)
//   - Store: in-memory conversation store with an active conversation
//
// # Usage
//
// Create a new conversation and add a turn:
//
//	conv := model.NewConversation("gpt-4o-mini")
//	conv.AddUserMessage("Hello!")
package model
