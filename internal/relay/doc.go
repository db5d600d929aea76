// Package relay owns the server side of the bouncer: session lifecycle,
// replay buffering and handshake dispatch.
//
// Ownership boundary:
// - handshake routing (new session vs resume)
// - session registry and token minting
// - offset-addressed replay backlog and ack reclamation
// - idle session reaping
//
// Lifecycle order:
// - handshake -> dial upstream -> attach -> detach/resume -> close
//
// - a session outlives its client attachments; only upstream loss, an
//   explicit close or the reaper ends it.
package relay
