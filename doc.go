// Package drover is a routing, correlation, and handoff layer for agent
// nodes that communicate through a partitioned pub/sub log.
//
// Everything on the wire is an envelope (package envelope): an immutable
// unit with an id, a hierarchical dot topic, an opaque JSON payload, and
// string metadata. Nodes (package node) subscribe to topic patterns and
// transform inbound envelopes into outbound ones; the dispatch loop
// (package dispatch) owns delivery semantics, consumer groups, ordering
// per partition key, retries, and the idempotency record.
//
// Routers (package router) own conversation state: they append turns to a
// history store, drive a model-backed responder, fan tool calls out over
// the broker, and either resolve the conversation or hand it to another
// router through the handoff stack (package handoff). The correlation
// registry (package correlation) turns the asynchronous transport into
// awaitable request/reply, and package client is the synchronous edge a
// caller talks to.
//
// Package broker ships two transports: an in-process broker for tests and
// single-process deployments, and a NATS adapter for everything else.
package drover
