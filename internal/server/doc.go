// Package server hosts the chat fan-out core behind an HTTP listener.
//
// The implementation is organized into specialized files for the connection
// hub, WebSocket clients, routing, origin checks, peer identity and HTTP
// handlers. Room membership, broker bridging and message intake live in the
// registry, bridge and chat packages; this package only adapts WebSocket
// connections to them.
package server
