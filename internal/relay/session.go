package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/bouncerd/internal/observability"
	"github.com/danmuck/bouncerd/internal/protocol/control"
	"github.com/danmuck/bouncerd/internal/protocol/frame"
)

// State names the session lifecycle phase.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateDetached   State = "detached"
	StateClosed     State = "closed"
)

const (
	upstreamReadSize = 4096
	clientReadSize   = 4096
	// closeNotifyTimeout bounds the farewell write to a client that has
	// stopped reading; teardown must never wait on a wedged socket.
	closeNotifyTimeout = time.Second
)

var ErrSessionClosed = errors.New("relay: session closed")

// SessionInfo is a point-in-time snapshot for the admin plane and the reaper.
type SessionInfo struct {
	Token       string    `json:"token"`
	State       State     `json:"state"`
	TotalBytes  int64     `json:"total_bytes"`
	AckOffset   int64     `json:"ack_offset"`
	WindowStart int64     `json:"window_start"`
	Retained    int64     `json:"retained_bytes"`
	Attached    bool      `json:"attached"`
	LastActive  time.Time `json:"last_active"`
}

// Session owns one upstream connection and relays it to at most one attached
// client at a time. The upstream loop runs for the session's whole lifetime;
// a client read loop and a client write loop run per attachment and are
// invalidated by the generation counter when the client detaches or is
// replaced.
//
// No network write to the client ever happens under mu: frames destined for
// the client are queued on the outbox and drained by the per-attachment
// writer goroutine, so a client that stops reading can wedge nothing but its
// own attachment.
type Session struct {
	token  string
	remove func(token string)

	mu         sync.Mutex
	state      State
	upstream   net.Conn
	client     net.Conn
	backlog    *Backlog
	lastActive time.Time
	outbox     [][]byte
	outboxSize int64
	sendCond   *sync.Cond

	clientGen atomic.Uint64
	// writeMu serializes upstream writes so a stale client loop can never
	// interleave with its replacement.
	writeMu sync.Mutex
}

func newSession(token string, upstream net.Conn, budget int64, remove func(token string)) *Session {
	if remove == nil {
		remove = func(string) {}
	}
	s := &Session{
		token:      token,
		remove:     remove,
		state:      StateConnecting,
		upstream:   upstream,
		backlog:    NewBacklog(budget),
		lastActive: time.Now(),
	}
	s.sendCond = sync.NewCond(&s.mu)
	return s
}

func (s *Session) Token() string { return s.token }

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		Token:       s.token,
		State:       s.state,
		TotalBytes:  s.backlog.TotalBytes(),
		AckOffset:   s.backlog.AckOffset(),
		WindowStart: s.backlog.WindowStart(),
		Retained:    s.backlog.Retained(),
		Attached:    s.client != nil,
		LastActive:  s.lastActive,
	}
}

func (s *Session) lastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// runUpstream is the session-lifetime relay loop: upstream bytes are appended
// to the backlog and queued for the attached client, if any.
func (s *Session) runUpstream() {
	buf := make([]byte, upstreamReadSize)
	for {
		n, err := s.upstream.Read(buf)
		if n > 0 {
			s.relayUpstreamChunk(buf[:n])
		}
		if err != nil {
			s.closeWithReason(control.ReasonConnectionLost)
			return
		}
	}
}

func (s *Session) relayUpstreamChunk(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	evicted := s.backlog.Append(data)
	observability.RecordUpstreamBytes(len(data))
	if evicted > 0 {
		observability.RecordEvictedBytes(evicted)
	}
	if s.client == nil {
		return
	}
	if s.outboxSize > s.backlog.Budget() {
		// the client has fallen a full buffer behind; drop the attachment
		// and let it resume from the backlog
		log.Warn().Str("token", s.token).Int64("queued", s.outboxSize).Msg("client write queue over budget, detaching")
		s.dropClientLocked()
		return
	}
	s.enqueueLocked(frame.KindData, data)
}

// enqueueLocked queues one encoded frame for the client writer. Callers hold
// mu; the socket write happens later on the writer goroutine.
func (s *Session) enqueueLocked(kind frame.Kind, payload []byte) {
	buf, err := frame.Encode(kind, payload)
	if err != nil {
		return
	}
	s.outbox = append(s.outbox, buf)
	s.outboxSize += int64(len(buf))
	s.sendCond.Signal()
}

// closeWithReason tears the session down exactly once: the attached client
// (if any) is notified and closed, the upstream connection is closed, and the
// token is removed from the registry.
func (s *Session) closeWithReason(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.clientGen.Add(1)
	client := s.client
	s.client = nil
	s.outbox = nil
	s.outboxSize = 0
	s.sendCond.Broadcast()
	s.mu.Unlock()

	if client != nil {
		// the deadline also unblocks a writer wedged mid-frame on this conn
		_ = client.SetWriteDeadline(time.Now().Add(closeNotifyTimeout))
		_ = frame.Write(client, frame.KindCtrl, control.EncodeError(reason))
		_ = client.Close()
	}
	_ = s.upstream.Close()
	s.remove(s.token)
	observability.RecordSessionClosed(reason)
	log.Info().Str("token", s.token).Str("reason", reason).Msg("session closed")
}

// Attach binds conn as the session's client, replacing any current
// attachment. It queues the session token announcement and the replay per
// the resume offset, then starts the client read and write loops. dec
// carries any bytes the dispatcher read past the handshake frame; pending
// carries frames it already decoded. Returns ErrSessionClosed when racing a
// concurrent close.
func (s *Session) Attach(conn net.Conn, resume *int64, dec *frame.Decoder, pending []frame.Frame) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.client != nil {
		// the new connection wins
		s.dropClientLocked()
	}
	gen := s.clientGen.Add(1)
	s.client = conn
	s.state = StateActive
	s.lastActive = time.Now()
	s.enqueueLocked(frame.KindCtrl, control.EncodeSession(s.token))
	s.enqueueReplayLocked(resume)
	s.mu.Unlock()

	if dec == nil {
		dec = &frame.Decoder{}
	}
	go s.runClientWriter(conn, gen)
	go s.runClient(conn, gen, dec, pending)
	return nil
}

func (s *Session) enqueueReplayLocked(resume *int64) {
	var chunks [][]byte
	if resume != nil {
		var err error
		chunks, err = s.backlog.ReplayFrom(*resume)
		if errors.Is(err, ErrReplayEvicted) {
			// the requested bytes are gone; report the gap with the new
			// window start so the client can resync, then replay what is
			// still retained
			observability.RecordReplayDataLoss()
			start := s.backlog.WindowStart()
			log.Warn().Str("token", s.token).Int64("offset", *resume).
				Int64("window_start", start).Msg("resume offset evicted")
			s.enqueueLocked(frame.KindCtrl, control.EncodeDataLost(start))
			chunks = s.backlog.Window()
		}
	} else {
		chunks = s.backlog.Window()
	}
	for _, chunk := range chunks {
		s.enqueueLocked(frame.KindData, chunk)
	}
}

// runClientWriter drains the outbox to the attached client in order. It is
// the only writer on the client socket and holds no locks during the write;
// a stalled client parks here without touching the session.
func (s *Session) runClientWriter(conn net.Conn, gen uint64) {
	for {
		s.mu.Lock()
		for s.clientGen.Load() == gen && len(s.outbox) == 0 {
			s.sendCond.Wait()
		}
		if s.clientGen.Load() != gen {
			s.mu.Unlock()
			return
		}
		batch := s.outbox
		s.outbox = nil
		s.outboxSize = 0
		s.mu.Unlock()

		for _, buf := range batch {
			if _, err := conn.Write(buf); err != nil {
				s.detach(gen)
				return
			}
		}
	}
}

// runClient is the per-attachment read loop: client Data frames are written
// to upstream, client Ctrl frames update ack state. Exits when the client
// disconnects or the attachment is superseded; the session lives on.
func (s *Session) runClient(conn net.Conn, gen uint64, dec *frame.Decoder, pending []frame.Frame) {
	for _, f := range pending {
		if !s.handleClientFrame(f, gen) {
			s.detach(gen)
			_ = conn.Close()
			return
		}
	}
	buf := make([]byte, clientReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			observability.RecordClientBytes(n)
			for _, f := range dec.Push(buf[:n]) {
				if !s.handleClientFrame(f, gen) {
					s.detach(gen)
					_ = conn.Close()
					return
				}
			}
		}
		if err != nil {
			s.detach(gen)
			_ = conn.Close()
			return
		}
	}
}

func (s *Session) handleClientFrame(f frame.Frame, gen uint64) bool {
	switch f.Kind {
	case frame.KindData:
		return s.writeUpstream(f.Payload, gen)
	case frame.KindCtrl:
		return s.handleClientControl(f.Payload, gen)
	default:
		// unknown kinds are skipped, the stream stays aligned
		return true
	}
}

func (s *Session) writeUpstream(payload []byte, gen uint64) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.clientGen.Load() != gen {
		return false
	}
	if _, err := s.upstream.Write(payload); err != nil {
		// the upstream loop observes the same failure and closes the session
		return false
	}
	return true
}

func (s *Session) handleClientControl(payload []byte, gen uint64) bool {
	offset, ok := control.ParseAck(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientGen.Load() != gen || s.state == StateClosed {
		return false
	}
	s.lastActive = time.Now()
	if ok {
		s.backlog.Ack(offset)
	}
	return true
}

// detach releases the attachment if it is still current. The upstream loop
// and the session keep running.
func (s *Session) detach(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientGen.Load() != gen {
		return
	}
	s.dropClientLocked()
}

func (s *Session) dropClientLocked() {
	s.clientGen.Add(1)
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.outbox = nil
	s.outboxSize = 0
	if s.state == StateActive {
		s.state = StateDetached
	}
	s.sendCond.Broadcast()
}
