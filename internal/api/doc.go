// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the transport client for OpenAI-compatible
// chat endpoints.
//
// A Client is bound to a single endpoint profile (base URL, credential,
// default generation parameters). It performs non-streaming and streaming
// chat completions, probes connectivity, and lists the endpoint's models
// with a TTL cache. All transport and server failures are normalized into
// a closed error taxonomy (network, auth, validation, server, unknown)
// exactly once, at this boundary.
//
// Streaming responses are consumed incrementally by the Decoder, which
// reassembles textual deltas from event-formatted frames without buffering
// the whole body.
package api
