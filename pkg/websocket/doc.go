// Package websocket is a client-only implementation of the WebSocket
// protocol (RFC 6455), built for a single connection driven cooperatively
// from inside a [loop.Loop] rather than by dedicated reader/writer
// goroutines.
//
// [Open] performs the HTTP/1.1 Upgrade handshake and returns a
// [Transport]: a poll/read-frame/write-frame primitive over one TCP (or
// TLS) connection. [NewHandler] wraps a [Transport] with the WS client
// handler: it registers a single FD watcher, automatically replies to
// Ping with Pong, negotiates the closing handshake, and exposes
// [Handler.SendMessage] for message-granularity sends (split into
// multiple frames as needed) and [Handler.Close] for initiating shutdown.
// [Defragmenter] reassembles the frames an application receives through
// EventHandler.OnDataFrameReceived into complete messages, validating
// Text messages as UTF-8 one fragment at a time via [xsputf8].
//
// This package intentionally omits:
//   - WebSocket extensions (including permessage-deflate) and
//     subprotocol-specific framing beyond Sec-WebSocket-Protocol
//     negotiation during the handshake
//   - Server-side WebSocket support
//   - Streaming (partial) sends: SendMessage always takes a complete,
//     already-assembled payload
package websocket
