package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/bouncerd/internal/protocol/control"
	"github.com/danmuck/bouncerd/internal/protocol/frame"
)

// stubUpstream is a loopback stand-in for the real upstream server.
type stubUpstream struct {
	ln    net.Listener
	conns chan net.Conn
}

func newStubUpstream(t *testing.T) *stubUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("stub upstream listen: %v", err)
	}
	u := &stubUpstream{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			u.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return u
}

func (u *stubUpstream) addr() string { return u.ln.Addr().String() }

func (u *stubUpstream) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-u.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream connection never arrived")
		return nil
	}
}

func startServer(t *testing.T, mutate func(*Config)) (*Server, *stubUpstream) {
	t.Helper()
	upstream := newStubUpstream(t)
	cfg := Config{
		ListenAddr:   "127.0.0.1:0",
		UpstreamAddr: upstream.addr(),
		BufferBudget: 64 * 1024,
		IdleTimeout:  time.Hour,
		ReapInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()
	return srv, upstream
}

func dialRelay(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendHandshake(t *testing.T, conn net.Conn, hs control.Handshake) {
	t.Helper()
	payload, err := hs.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if err := frame.Write(conn, frame.KindCtrl, payload); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

// openSession connects, completes a new-session handshake and returns the
// client conn, its decoder, the assigned token, and the upstream side.
func openSession(t *testing.T, srv *Server, upstream *stubUpstream) (net.Conn, *frame.Decoder, string, net.Conn) {
	t.Helper()
	conn := dialRelay(t, srv)
	sendHandshake(t, conn, control.Handshake{New: true})
	dec := &frame.Decoder{}
	frames := readFrames(t, conn, dec, 1)
	msg, err := control.ParseServerMessage(frames[0].Payload)
	if err != nil {
		t.Fatalf("parse session announcement: %v", err)
	}
	if msg.Session == "" {
		t.Fatalf("expected session token, got %+v", msg)
	}
	return conn, dec, msg.Session, upstream.accept(t)
}

func TestServerConfigValidation(t *testing.T) {
	if _, err := NewServer(Config{UpstreamAddr: "127.0.0.1:1"}); err != ErrListenAddrRequired {
		t.Fatalf("expected ErrListenAddrRequired, got %v", err)
	}
	if _, err := NewServer(Config{ListenAddr: ":0"}); err != ErrUpstreamAddrRequired {
		t.Fatalf("expected ErrUpstreamAddrRequired, got %v", err)
	}
	srv, err := NewServer(Config{ListenAddr: ":0", UpstreamAddr: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if srv.cfg.BufferBudget != DefaultConfig().BufferBudget {
		t.Fatalf("zero budget not defaulted: %d", srv.cfg.BufferBudget)
	}
	if srv.cfg.IdleTimeout != DefaultConfig().IdleTimeout {
		t.Fatalf("zero idle timeout not defaulted: %s", srv.cfg.IdleTimeout)
	}
}

func TestServerNewSessionRelaysBothWays(t *testing.T) {
	srv, stub := startServer(t, nil)
	conn, dec, _, upstream := openSession(t, srv, stub)

	if err := frame.Write(conn, frame.KindData, []byte("look\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 64)
	_ = upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstream.Read(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(buf[:n]) != "look\n" {
		t.Fatalf("unexpected upstream bytes: %q", buf[:n])
	}

	if _, err := upstream.Write([]byte("A dark cave.")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	got := readData(t, conn, dec, len("A dark cave."))
	if string(got) != "A dark cave." {
		t.Fatalf("unexpected client bytes: %q", got)
	}

	if srv.registry.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", srv.registry.Len())
	}
}

func TestServerRejectsDataFrameFirst(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dialRelay(t, srv)
	if err := frame.Write(conn, frame.KindData, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	dec := &frame.Decoder{}
	frames := readFrames(t, conn, dec, 1)
	msg, err := control.ParseServerMessage(frames[0].Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Error != control.ReasonMissingControlFrame {
		t.Fatalf("expected %q, got %+v", control.ReasonMissingControlFrame, msg)
	}
	if srv.registry.Len() != 0 {
		t.Fatalf("rejected handshake must not register a session")
	}
}

func TestServerRejectsMalformedHandshake(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dialRelay(t, srv)
	if err := frame.Write(conn, frame.KindCtrl, []byte(`{"neither":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	dec := &frame.Decoder{}
	frames := readFrames(t, conn, dec, 1)
	msg, _ := control.ParseServerMessage(frames[0].Payload)
	if msg.Error != control.ReasonMissingControlFrame {
		t.Fatalf("expected %q, got %+v", control.ReasonMissingControlFrame, msg)
	}
	if srv.registry.Len() != 0 {
		t.Fatalf("rejected handshake must not register a session")
	}
}

func TestServerRejectsUnknownResumeToken(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn := dialRelay(t, srv)
	sendHandshake(t, conn, control.Handshake{Resume: "deadbeef"})
	dec := &frame.Decoder{}
	frames := readFrames(t, conn, dec, 1)
	msg, _ := control.ParseServerMessage(frames[0].Payload)
	if msg.Error != control.ReasonInvalidSession {
		t.Fatalf("expected %q, got %+v", control.ReasonInvalidSession, msg)
	}
}

func TestServerUpstreamDialFailure(t *testing.T) {
	// bind a port, then close it so the dial is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	srv, _ := startServer(t, func(cfg *Config) {
		cfg.UpstreamAddr = deadAddr
	})
	conn := dialRelay(t, srv)
	sendHandshake(t, conn, control.Handshake{New: true})
	dec := &frame.Decoder{}
	frames := readFrames(t, conn, dec, 1)
	msg, _ := control.ParseServerMessage(frames[0].Payload)
	if msg.Error != control.ReasonConnectionRefused {
		t.Fatalf("expected %q, got %+v", control.ReasonConnectionRefused, msg)
	}
	if srv.registry.Len() != 0 {
		t.Fatalf("failed dial must not register a session")
	}
}

func TestServerResumeReplaysUnacknowledged(t *testing.T) {
	srv, stub := startServer(t, nil)
	conn, dec, token, upstream := openSession(t, srv, stub)

	if _, err := upstream.Write([]byte("0123456789")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	got := readData(t, conn, dec, 10)
	if string(got) != "0123456789" {
		t.Fatalf("unexpected first delivery: %q", got)
	}
	_ = conn.Close()

	sess, ok := srv.registry.Get(token)
	if !ok {
		t.Fatalf("session missing after client drop")
	}
	waitFor(t, "detach", func() bool { return sess.Info().State == StateDetached })

	ack := int64(4)
	conn2 := dialRelay(t, srv)
	sendHandshake(t, conn2, control.Handshake{Resume: token, Ack: &ack})
	dec2 := &frame.Decoder{}
	frames := readFrames(t, conn2, dec2, 1)
	msg, _ := control.ParseServerMessage(frames[0].Payload)
	if msg.Session != token {
		t.Fatalf("resume announced wrong token: %+v", msg)
	}
	replayed := readData(t, conn2, dec2, 6)
	if string(replayed) != "456789" {
		t.Fatalf("unexpected replay: %q", replayed)
	}

	// the resumed attachment carries live traffic both ways
	if err := frame.Write(conn2, frame.KindData, []byte("again")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 64)
	_ = upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstream.Read(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(buf[:n]) != "again" {
		t.Fatalf("unexpected upstream bytes: %q", buf[:n])
	}
}

func TestServerUpstreamCloseDropsSession(t *testing.T) {
	srv, stub := startServer(t, nil)
	conn, dec, token, upstream := openSession(t, srv, stub)

	_ = upstream.Close()
	frames := readFrames(t, conn, dec, 1)
	msg, _ := control.ParseServerMessage(frames[0].Payload)
	if msg.Error != control.ReasonConnectionLost {
		t.Fatalf("expected %q, got %+v", control.ReasonConnectionLost, msg)
	}
	waitFor(t, "registry drop", func() bool {
		_, ok := srv.registry.Get(token)
		return !ok
	})
}

func TestServerResumeAfterCloseIsInvalid(t *testing.T) {
	srv, stub := startServer(t, nil)
	conn, dec, token, upstream := openSession(t, srv, stub)
	_ = upstream.Close()
	readFrames(t, conn, dec, 1) // connection lost notice
	waitFor(t, "registry drop", func() bool {
		_, ok := srv.registry.Get(token)
		return !ok
	})

	conn2 := dialRelay(t, srv)
	sendHandshake(t, conn2, control.Handshake{Resume: token})
	dec2 := &frame.Decoder{}
	frames := readFrames(t, conn2, dec2, 1)
	msg, _ := control.ParseServerMessage(frames[0].Payload)
	if msg.Error != control.ReasonInvalidSession {
		t.Fatalf("expected %q, got %+v", control.ReasonInvalidSession, msg)
	}
}

func TestServerReaperReclaimsIdleSessions(t *testing.T) {
	srv, stub := startServer(t, func(cfg *Config) {
		cfg.IdleTimeout = 50 * time.Millisecond
	})
	conn, _, token, upstream := openSession(t, srv, stub)
	_ = conn.Close()

	sess, ok := srv.registry.Get(token)
	if !ok {
		t.Fatalf("session missing")
	}
	waitFor(t, "detach", func() bool { return sess.Info().State == StateDetached })

	// not yet idle long enough
	if n := srv.reapOnce(sess.lastActiveAt()); n != 0 {
		t.Fatalf("reaped %d sessions before the timeout", n)
	}
	if n := srv.reapOnce(sess.lastActiveAt().Add(time.Second)); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if _, ok := srv.registry.Get(token); ok {
		t.Fatalf("reaped session still registered")
	}

	// the upstream connection is torn down with the session
	_ = upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := upstream.Read(buf); err == nil {
		t.Fatalf("upstream connection should be closed")
	}
}

func TestServerReaperSparesRecentlyActiveSessions(t *testing.T) {
	srv, stub := startServer(t, func(cfg *Config) {
		cfg.IdleTimeout = time.Minute
	})
	conn, _, token, _ := openSession(t, srv, stub)

	writeCtrl(t, conn, control.EncodeAck(0))
	if n := srv.reapOnce(time.Now()); n != 0 {
		t.Fatalf("active session reaped: %d", n)
	}
	if _, ok := srv.registry.Get(token); !ok {
		t.Fatalf("active session missing from registry")
	}
}

func TestServerHandshakeWithTrailingDataIsNotDiscarded(t *testing.T) {
	srv, stub := startServer(t, nil)
	conn := dialRelay(t, srv)

	// handshake and first input in a single write
	payload, err := control.Handshake{New: true}.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	hsFrame, err := frame.Encode(frame.KindCtrl, payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	dataFrame, err := frame.Encode(frame.KindData, []byte("eager input\n"))
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if _, err := conn.Write(append(hsFrame, dataFrame...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	upstream := stub.accept(t)
	buf := make([]byte, 64)
	_ = upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstream.Read(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(buf[:n]) != "eager input\n" {
		t.Fatalf("trailing frame lost: %q", buf[:n])
	}
}

func TestServerSessionsSnapshot(t *testing.T) {
	srv, stub := startServer(t, nil)
	_, _, token, _ := openSession(t, srv, stub)

	infos := srv.Sessions()
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
	if infos[0].Token != token {
		t.Fatalf("snapshot token mismatch: %q", infos[0].Token)
	}
	if infos[0].State != StateActive || !infos[0].Attached {
		t.Fatalf("unexpected snapshot: %+v", infos[0])
	}
}
