// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator drives chat exchanges end to end.
//
// Given an active conversation and a new user turn it builds the wire
// message list, invokes the transport client (streaming when the caller
// supplies a delta sink), keeps the trailing assistant turn growing while
// deltas arrive, and finalizes the turn with usage, cost, and elapsed
// time. Failed exchanges keep their partial text. A bounded retry policy
// resubmits a specific prior exchange with linear backoff.
//
// Orchestration-level conditions (no-session, already-processing, ...)
// are surfaced as fields of the returned result, never as Go errors, so
// callers render them without error handling.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/dispatch"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/model"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
)

// Retry policy defaults.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// =============================================================================
// CONDITIONS AND RESULTS
// =============================================================================

// Condition is an orchestration-level rejection. Empty means none.
type Condition string

const (
	ConditionNone              Condition = ""
	ConditionNoSession         Condition = "no-session"
	ConditionAlreadyProcessing Condition = "already-processing"
	ConditionRetryExhausted    Condition = "retry-exhausted"
	ConditionNotAssistant      Condition = "not-an-assistant-message"
	ConditionNoPriorUserTurn   Condition = "no-prior-user-turn"
)

// SendResult is the outcome of SendMessage or RetryMessage. Exactly one
// of these is true: Condition != "" (rejected before any exchange),
// Err != nil (transport failure, partial text preserved), or success.
type SendResult struct {
	MessageID  string        // assistant turn id, when one was created
	ExchangeID string        // correlation id, when an exchange was issued
	Text       string        // final or partial assistant text
	Usage      *api.Usage    // reported or estimated
	Cost       *pricing.Cost // nil when no price was resolvable
	Elapsed    time.Duration
	Condition  Condition
	Err        *api.APIError
}

// Failed reports whether the send did not complete successfully.
func (r *SendResult) Failed() bool {
	return r.Condition != ConditionNone || r.Err != nil
}

// Reason returns a displayable failure message, empty on success.
func (r *SendResult) Reason() string {
	if r.Condition != ConditionNone {
		return string(r.Condition)
	}
	if r.Err != nil {
		return r.Err.Message
	}
	return ""
}

// Attachment is a file reference whose textual content has already been
// extracted by the attachment-reader collaborator. Text may be empty.
type Attachment struct {
	Name string
	Text string
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// ConversationStore is the outbound collaborator owning all conversation
// durability. The orchestrator never persists anything itself.
type ConversationStore interface {
	Active() *model.Conversation
	AppendTurn(convID string, msg *model.Message) error
	UpdateTurn(convID, msgID string, patch model.TurnPatch) error
	RecordUsage(convID string, usage api.Usage, cost pricing.Cost) error
}

// PriceSource resolves a user price override for a model, nil when none.
type PriceSource interface {
	PriceOverride(modelID string) *pricing.Price
}

// PriceSourceFunc adapts a function to the PriceSource interface.
type PriceSourceFunc func(modelID string) *pricing.Price

// PriceOverride implements PriceSource.
func (f PriceSourceFunc) PriceOverride(modelID string) *pricing.Price {
	return f(modelID)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator coordinates exchanges for one transport client. Retry
// counters and the in-flight set are instance state, so isolated
// orchestrators never share cross-talk.
type Orchestrator struct {
	client *api.Client
	gov    *dispatch.Governor
	store  ConversationStore
	prices PriceSource

	maxRetries int
	retryDelay time.Duration

	mu       sync.Mutex
	inFlight map[string]string // conversation id -> exchange id
	retries  map[string]int    // assistant message id -> attempts
}

// New creates an orchestrator. prices may be nil when no overrides exist.
func New(client *api.Client, gov *dispatch.Governor, store ConversationStore, prices PriceSource) *Orchestrator {
	if gov == nil {
		gov = dispatch.NewGovernor(0) // interactive chat is unbounded
	}
	return &Orchestrator{
		client:     client,
		gov:        gov,
		store:      store,
		prices:     prices,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		inFlight:   make(map[string]string),
		retries:    make(map[string]int),
	}
}

// WithRetryPolicy overrides the retry bounds.
func (o *Orchestrator) WithRetryPolicy(maxRetries int, delay time.Duration) *Orchestrator {
	o.maxRetries = maxRetries
	o.retryDelay = delay
	return o
}

// =============================================================================
// SEND
// =============================================================================

// SendMessage drives one exchange for the active conversation. With a
// non-nil onDelta the exchange streams and the trailing assistant turn
// grows as fragments arrive. Never returns a Go error; all failure modes
// are fields of the result.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, attachments []Attachment, onDelta func(string)) *SendResult {
	conv := o.store.Active()
	if conv == nil {
		return &SendResult{Condition: ConditionNoSession}
	}

	// At most one in-flight send per conversation.
	o.mu.Lock()
	if _, busy := o.inFlight[conv.ID]; busy {
		o.mu.Unlock()
		return &SendResult{Condition: ConditionAlreadyProcessing}
	}
	exCtx, exchangeID := o.gov.Register(ctx, "send:"+conv.ID)
	o.inFlight[conv.ID] = exchangeID
	o.mu.Unlock()

	defer func() {
		o.gov.Deregister(exchangeID)
		o.mu.Lock()
		delete(o.inFlight, conv.ID)
		o.mu.Unlock()
	}()

	userContent := buildUserContent(text, attachments)
	wire := append(conv.WireMessages(""), api.NewUserMessage(userContent))

	o.store.AppendTurn(conv.ID, model.NewUserMessage(userContent))
	placeholder := model.NewAssistantPlaceholder()
	placeholder.ExchangeID = exchangeID
	o.store.AppendTurn(conv.ID, placeholder)

	return o.execute(exCtx, conv.ID, placeholder.ID, exchangeID, conv.Model, wire, userContent, onDelta)
}

// execute runs the transport call and finalizes the assistant turn.
// Shared by SendMessage and RetryMessage. The conversation's model wins
// over the profile default; an empty modelID falls through to it.
func (o *Orchestrator) execute(ctx context.Context, convID, assistantID, exchangeID, modelID string, wire []api.ChatMessage, inputText string, onDelta func(string)) *SendResult {
	req := api.ChatRequest{Model: modelID, Messages: wire}

	var sink func(string)
	if onDelta != nil {
		sink = func(fragment string) {
			// Observable while streaming: the trailing assistant turn
			// grows monotonically.
			o.store.UpdateTurn(convID, assistantID, model.TurnPatch{AppendContent: fragment})
			onDelta(fragment)
		}
	}

	start := time.Now()
	completion, err := o.client.Complete(ctx, req, sink)
	elapsed := time.Since(start)

	if err != nil {
		return o.finalizeFailure(convID, assistantID, exchangeID, elapsed, err)
	}
	return o.finalizeSuccess(convID, assistantID, exchangeID, inputText, elapsed, completion)
}

// finalizeSuccess writes the finished turn and publishes usage totals.
func (o *Orchestrator) finalizeSuccess(convID, assistantID, exchangeID, inputText string, elapsed time.Duration, completion *api.Completion) *SendResult {
	usage := completion.Usage
	if usage == nil {
		in := pricing.EstimateTokens(inputText)
		out := pricing.EstimateTokens(completion.Text)
		usage = &api.Usage{Input: in, Output: out, Total: in + out}
	}

	cost := o.resolveCost(completion.Model, *usage)

	final := completion.Text
	notStreaming := false
	o.store.UpdateTurn(convID, assistantID, model.TurnPatch{
		Content:   &final,
		Usage:     usage,
		Cost:      cost,
		Elapsed:   &elapsed,
		Streaming: &notStreaming,
	})
	if cost != nil {
		o.store.RecordUsage(convID, *usage, *cost)
	} else {
		o.store.RecordUsage(convID, *usage, pricing.Cost{Currency: pricing.DefaultCurrency})
	}

	return &SendResult{
		MessageID:  assistantID,
		ExchangeID: exchangeID,
		Text:       completion.Text,
		Usage:      usage,
		Cost:       cost,
		Elapsed:    elapsed,
	}
}

// finalizeFailure writes the failed turn, preserving any partial text
// next to the displayable error. The placeholder turn is never removed.
func (o *Orchestrator) finalizeFailure(convID, assistantID, exchangeID string, elapsed time.Duration, err error) *SendResult {
	apiErr := api.Normalize(err)
	partial := ""
	if streamErr, ok := err.(*api.StreamError); ok {
		partial = streamErr.Partial
	}

	msg := apiErr.Message
	notStreaming := false
	patch := model.TurnPatch{
		Error:     &msg,
		Elapsed:   &elapsed,
		Streaming: &notStreaming,
	}
	if partial != "" {
		patch.Content = &partial
	}
	o.store.UpdateTurn(convID, assistantID, patch)

	return &SendResult{
		MessageID:  assistantID,
		ExchangeID: exchangeID,
		Text:       partial,
		Elapsed:    elapsed,
		Err:        apiErr,
	}
}

// resolveCost applies override > provider/default price > none.
func (o *Orchestrator) resolveCost(modelID string, usage api.Usage) *pricing.Cost {
	if modelID == "" {
		modelID = o.client.Profile().Model
	}
	var override *pricing.Price
	if o.prices != nil {
		override = o.prices.PriceOverride(modelID)
	}
	price := override
	if price == nil {
		price = pricing.DefaultPrice(modelID)
	}
	if price == nil {
		return nil
	}
	cost := pricing.Calculate(usage, *price)
	return &cost
}

// buildUserContent inlines attachment text as appended context.
// Attachments without extractable text are referenced by name only.
func buildUserContent(text string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, att := range attachments {
		if att.Text != "" {
			fmt.Fprintf(&b, "\n\n--- %s ---\n%s", att.Name, att.Text)
		} else {
			fmt.Fprintf(&b, "\n\n[attachment: %s]", att.Name)
		}
	}
	return b.String()
}

// =============================================================================
// RETRY
// =============================================================================

// RetryMessage resubmits the exchange that produced the given assistant
// turn. The attempt counter increments before the network call, so a
// crash mid-retry still counts. Backoff is linear: retryDelay times the
// attempts made so far, meaning the first retry waits nothing. A
// successful retry clears the counter; a later independent failure
// starts a fresh count.
func (o *Orchestrator) RetryMessage(ctx context.Context, assistantID string, onDelta func(string)) *SendResult {
	conv := o.store.Active()
	if conv == nil {
		return &SendResult{Condition: ConditionNoSession}
	}

	target := conv.MessageByID(assistantID)
	if target == nil || target.Role != model.RoleAssistant {
		return &SendResult{Condition: ConditionNotAssistant}
	}
	trigger := conv.PriorUserMessage(assistantID)
	if trigger == nil {
		return &SendResult{Condition: ConditionNoPriorUserTurn}
	}

	o.mu.Lock()
	if _, busy := o.inFlight[conv.ID]; busy {
		o.mu.Unlock()
		return &SendResult{MessageID: assistantID, Condition: ConditionAlreadyProcessing}
	}
	attempts := o.retries[assistantID]
	if attempts >= o.maxRetries {
		o.mu.Unlock()
		return &SendResult{MessageID: assistantID, Condition: ConditionRetryExhausted}
	}
	// The counter moves before the network call, so an interrupted
	// attempt still counts.
	o.retries[assistantID] = attempts + 1
	exCtx, exchangeID := o.gov.Register(ctx, "retry:"+assistantID)
	o.inFlight[conv.ID] = exchangeID
	o.mu.Unlock()

	defer func() {
		o.gov.Deregister(exchangeID)
		o.mu.Lock()
		delete(o.inFlight, conv.ID)
		o.mu.Unlock()
	}()

	// Linear backoff, cancellation-aware.
	if wait := o.retryDelay * time.Duration(attempts); wait > 0 {
		select {
		case <-exCtx.Done():
			return o.finalizeFailure(conv.ID, assistantID, exchangeID, 0, exCtx.Err())
		case <-time.After(wait):
		}
	}

	// Reset the failed turn before resubmitting.
	empty := ""
	streaming := true
	o.store.UpdateTurn(conv.ID, assistantID, model.TurnPatch{
		Content:    &empty,
		Error:      &empty,
		Streaming:  &streaming,
		ExchangeID: &exchangeID,
	})

	wire := append(conv.WireMessages(trigger.ID), api.NewUserMessage(trigger.Content))
	result := o.execute(exCtx, conv.ID, assistantID, exchangeID, conv.Model, wire, trigger.Content, onDelta)

	if !result.Failed() {
		o.mu.Lock()
		delete(o.retries, assistantID)
		o.mu.Unlock()
	}
	return result
}

// Attempts returns the recorded retry count for an assistant turn.
func (o *Orchestrator) Attempts(assistantID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries[assistantID]
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel aborts one in-flight exchange by correlation id. Partial state
// is left as-is; cancelling a finished exchange is a no-op.
func (o *Orchestrator) Cancel(exchangeID string) bool {
	return o.gov.Cancel(exchangeID)
}

// CancelAll aborts every exchange issued through this orchestrator's
// client and returns how many were aborted.
func (o *Orchestrator) CancelAll() int {
	return o.gov.CancelAll()
}
