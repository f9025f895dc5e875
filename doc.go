// Package chatwire is the internal message bus of a conversational agent
// core. It normalizes every platform message into a typed Envelope, carries
// envelopes between platform adapters and the agent core, and ships them
// across process boundaries over a small JSON websocket wire protocol.
//
// The pipeline has four stations. A platform Adapter converts raw platform
// payloads into envelopes and pushes them into a CoreSink; the sink is either
// a direct in-process call or a paired in-memory queue standing in for a
// process boundary. A BatchDispatcher can sit in front of the sink to coalesce
// bursty traffic into bounded batches. On the wire, MessageServer accepts
// websocket connections keyed by platform and MessageClient dials out; the
// Router supervises one client per configured platform and redials with
// exponential backoff when a connection drops. Finally MessageRuntime routes
// inbound envelopes to application handlers through a predicate route table
// with middleware and lifecycle hooks.
//
// # Envelopes
//
// Envelope content is a tagged union: text, image, audio, file, video, event,
// command, and system bodies each carry their own fields under a "type" tag.
// Codec encode/decode is strict; unknown fields and tag mismatches are schema
// violations, distinguishable from malformed JSON through DecodeError.
//
// # Wire protocol
//
// Frames are JSON objects {"type":"message"|"send","payload":...} where the
// payload is one envelope or an array. Servers authenticate clients with
// optional bearer tokens and keep one connection per platform, newest wins.
//
// A minimal in-process setup involves building a sink over the core handler,
// an adapter per platform, and a runtime with routes; see examples/ for
// runnable pipelines.
package chatwire
