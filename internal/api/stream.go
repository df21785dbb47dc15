// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxFrameSize is the largest single event frame the decoder accepts.
const MaxFrameSize = 64 * 1024

// dataPrefix marks the significant lines of an event-formatted stream.
var dataPrefix = []byte("data:")

// doneSentinel terminates a stream.
var doneSentinel = []byte("[DONE]")

// =============================================================================
// DECODER STATE
// =============================================================================

// DecoderState tracks the decoder's position in the stream lifecycle.
type DecoderState int

const (
	// StateAwaitingFrame means no significant frame has been seen yet.
	StateAwaitingFrame DecoderState = iota

	// StateAccumulating means at least one frame has been processed.
	StateAccumulating

	// StateDone means the [DONE] sentinel was observed.
	StateDone

	// StateFailed is terminal: the underlying stream errored.
	StateFailed
)

// String returns a readable name for the state.
func (s DecoderState) String() string {
	switch s {
	case StateAwaitingFrame:
		return "awaiting-frame"
	case StateAccumulating:
		return "accumulating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// streamChunk is one parsed frame payload.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder incrementally reassembles a streaming chat completion from raw
// byte chunks. A chunk may contain zero, one, or many newline-delimited
// frames, and a frame may be split across chunk boundaries; partial lines
// are buffered until complete. Deltas are surfaced through the callback
// in arrival order, exactly as received, without deduplication.
//
// Malformed JSON payloads are skipped, not fatal: providers are
// inconsistent and one bad frame must not lose the frames after it. The
// skip count is kept for observability.
type Decoder struct {
	state        DecoderState
	partial      []byte // carry-over for a line split across chunks
	text         strings.Builder
	usage        *Usage
	finishReason string
	skipped      int
	deltas       int
	onDelta      func(string)
	err          error
}

// NewDecoder creates a decoder. onDelta may be nil.
func NewDecoder(onDelta func(string)) *Decoder {
	return &Decoder{onDelta: onDelta}
}

// State returns the current decoder state.
func (d *Decoder) State() DecoderState {
	return d.state
}

// Text returns the text reassembled so far.
func (d *Decoder) Text() string {
	return d.text.String()
}

// Usage returns the most recently observed usage frame, or nil if none
// was seen. A later usage frame overwrites an earlier one.
func (d *Decoder) Usage() *Usage {
	return d.usage
}

// FinishReason returns the finish reason from the last frame carrying one.
func (d *Decoder) FinishReason() string {
	return d.finishReason
}

// Skipped returns how many malformed frames were dropped.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Deltas returns how many textual fragments were delivered.
func (d *Decoder) Deltas() int {
	return d.deltas
}

// Done reports whether the [DONE] sentinel has been observed.
func (d *Decoder) Done() bool {
	return d.state == StateDone
}

// Err returns the terminal error, if the decoder failed.
func (d *Decoder) Err() error {
	return d.err
}

// Feed processes one raw chunk. Returns an error only on a terminal
// condition (oversized frame, or feeding after failure). Feeding after
// [DONE] is a no-op.
func (d *Decoder) Feed(chunk []byte) error {
	switch d.state {
	case StateFailed:
		return d.err
	case StateDone:
		return nil
	}

	d.partial = append(d.partial, chunk...)

	for {
		idx := bytes.IndexByte(d.partial, '\n')
		if idx < 0 {
			// An unterminated line is buffered until the next chunk,
			// within the frame size guard.
			if len(d.partial) > MaxFrameSize {
				return d.fail(fmt.Errorf("frame exceeds %d bytes", MaxFrameSize))
			}
			return nil
		}
		line := d.partial[:idx]
		d.partial = d.partial[idx+1:]
		d.processLine(line)
		if d.state == StateDone {
			return nil
		}
	}
}

// processLine handles one complete line of the stream.
func (d *Decoder) processLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		// Comments, event:, id:, retry:, and blank separators are ignored.
		return
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return
	}

	if bytes.Equal(payload, doneSentinel) {
		d.state = StateDone
		return
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		// Deliberate leniency: a malformed frame must not abort the stream.
		d.skipped++
		return
	}

	d.state = StateAccumulating

	if len(chunk.Choices) > 0 {
		if content := chunk.Choices[0].Delta.Content; content != "" {
			d.text.WriteString(content)
			d.deltas++
			if d.onDelta != nil {
				d.onDelta(content)
			}
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			d.finishReason = fr
		}
	}
	if chunk.Usage != nil {
		// Last usage frame wins; totals overwrite, never accumulate.
		d.usage = usageFromWire(chunk.Usage)
	}
}

// fail moves the decoder into its terminal failed state.
func (d *Decoder) fail(err error) error {
	d.state = StateFailed
	d.err = err
	return err
}

// Consume reads the stream to completion, feeding each chunk through the
// decoder. Cancellation is checked before every read. EOF without a
// [DONE] sentinel is treated as normal termination, matching lenient
// provider behavior.
func (d *Decoder) Consume(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return d.fail(ctx.Err())
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			if ferr := d.Feed(buf[:n]); ferr != nil {
				return ferr
			}
			if d.state == StateDone {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A final frame may arrive without its trailing newline;
				// flush it before closing out the stream.
				if len(d.partial) > 0 && d.state != StateDone {
					line := d.partial
					d.partial = nil
					d.processLine(line)
				}
				if d.state != StateDone {
					d.state = StateDone
				}
				return nil
			}
			return d.fail(err)
		}
	}
}
