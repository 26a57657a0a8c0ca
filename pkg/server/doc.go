// Package server exposes the chat dispatcher over WebSocket.
//
// Clients connect to GET /ws and exchange JSON envelopes of the form
// {"event": "...", "data": {...}}. The session cookie issued during the
// handshake lets a reconnecting client resume its conversation.
package server
