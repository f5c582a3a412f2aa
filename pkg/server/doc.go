// Package server implements the rupy request daemon.
//
// The daemon multiplexes many client connections onto a small, fixed pool of
// workers. One reactor goroutine owns the listening socket and the readiness
// notifications of every open connection; workers are matched to connections
// only while a request is actually being served.
//
// # Architecture
//
// The runtime consists of several key components:
//
//   - Event: one live connection with its parsed Query and buffered Reply
//   - Worker: a goroutine that serves exactly one request per binding
//   - Chain: the ordered services registered for one path
//   - SessionStore: cookie-keyed session state expired by the heartbeat
//   - EventRegistry: every open Event by index
//   - Archive: a deployed bundle of chains bounded by a sandbox context
//
// # Event Processing
//
// When a connection becomes readable:
//  1. The reactor receives the readiness notification for its Event
//  2. An idle Worker is bound to the Event, or the Event is queued
//  3. The Worker reads one request and resolves (host, path) to a Chain
//  4. Each service of the Chain filters the Event inside its sandbox
//  5. The Reply is flushed and the Worker is released
//  6. The released Worker pulls the next queued Event, if any
//
// A service stops its chain early by returning ev.Halt(). Any other error is
// logged with the request context and answered with a 500.
//
// # Push Streams
//
// A service may call ev.Hold() to turn its reply into a chunked stream. The
// worker is released once the chain returns but the connection stays open;
// another goroutine calls ev.Wakeup() to run the chain again as a push
// continuation and ev.Reply().End() to finish the stream.
package server
