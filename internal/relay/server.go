package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/bouncerd/internal/observability"
	"github.com/danmuck/bouncerd/internal/protocol/control"
	"github.com/danmuck/bouncerd/internal/protocol/frame"
)

var ErrListenAddrRequired = errors.New("relay: listen address required")
var ErrUpstreamAddrRequired = errors.New("relay: upstream address required")

// Config defines one relay instance.
type Config struct {
	ListenAddr   string
	UpstreamAddr string
	BufferBudget int64
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	// TLS enables a TLS listener when non-nil; the upstream dial stays plain.
	TLS *tls.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":12345",
		UpstreamAddr: "127.0.0.1:6666",
		BufferBudget: 64 * 1024,
		IdleTimeout:  600 * time.Second,
		ReapInterval: 30 * time.Second,
	}
}

// Server accepts client connections, dispatches handshakes to session
// creation or resumption, and runs the idle reaper.
type Server struct {
	cfg      Config
	registry *Registry
	ln       net.Listener
	started  time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, ErrListenAddrRequired
	}
	if strings.TrimSpace(cfg.UpstreamAddr) == "" {
		return nil, ErrUpstreamAddrRequired
	}
	def := DefaultConfig()
	if cfg.BufferBudget <= 0 {
		cfg.BufferBudget = def.BufferBudget
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		started:  time.Now(),
	}, nil
}

// Listen binds the configured address; separate from Serve so callers can
// learn the bound address before accepting.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Sessions snapshots the registry for the admin plane.
func (s *Server) Sessions() []SessionInfo {
	return s.registry.Snapshot()
}

// Serve runs the accept loop and the reaper until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	log.Info().Str("addr", s.ln.Addr().String()).Str("upstream", s.cfg.UpstreamAddr).Msg("relay listening")

	go s.runReaper(ctx)
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn reads and routes the handshake: the first frame of a new
// connection must be a control frame naming either a new session or a
// resume token.
func (s *Server) handleConn(conn net.Conn) {
	dec := &frame.Decoder{}
	buf := make([]byte, clientReadSize)
	var frames []frame.Frame
	for len(frames) == 0 {
		n, err := conn.Read(buf)
		if n > 0 {
			frames = dec.Push(buf[:n])
		}
		if err != nil {
			_ = conn.Close()
			return
		}
	}

	first := frames[0]
	pending := frames[1:]
	if first.Kind != frame.KindCtrl {
		s.reject(conn, control.ReasonMissingControlFrame)
		return
	}
	hs, err := control.ParseHandshake(first.Payload)
	if err != nil {
		s.reject(conn, control.ReasonMissingControlFrame)
		return
	}

	if hs.Resume != "" {
		s.resumeSession(conn, hs, dec, pending)
		return
	}
	s.createSession(conn, dec, pending)
}

func (s *Server) reject(conn net.Conn, reason string) {
	observability.RecordHandshakeRejected(reason)
	_ = frame.Write(conn, frame.KindCtrl, control.EncodeError(reason))
	_ = conn.Close()
}

func (s *Server) createSession(conn net.Conn, dec *frame.Decoder, pending []frame.Frame) {
	upstream, err := net.Dial("tcp", s.cfg.UpstreamAddr)
	if err != nil {
		log.Warn().Str("upstream", s.cfg.UpstreamAddr).Err(err).Msg("upstream dial failed")
		observability.RecordDialFailure()
		_ = frame.Write(conn, frame.KindCtrl, control.EncodeError(control.ReasonConnectionRefused))
		_ = conn.Close()
		return
	}

	token := MintToken()
	sess := newSession(token, upstream, s.cfg.BufferBudget, s.registry.Remove)
	s.registry.Put(sess)
	go sess.runUpstream()

	observability.RecordSessionCreated()
	log.Info().Str("token", token).Str("remote", conn.RemoteAddr().String()).Msg("session created")
	if err := sess.Attach(conn, nil, dec, pending); err != nil {
		// client vanished mid-attach; the session stays for resume or the reaper
		log.Warn().Str("token", token).Err(err).Msg("initial attach failed")
	}
}

func (s *Server) resumeSession(conn net.Conn, hs control.Handshake, dec *frame.Decoder, pending []frame.Frame) {
	sess, ok := s.registry.Get(hs.Resume)
	if !ok {
		s.reject(conn, control.ReasonInvalidSession)
		return
	}
	if err := sess.Attach(conn, hs.Ack, dec, pending); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			s.reject(conn, control.ReasonInvalidSession)
			return
		}
		_ = conn.Close()
		return
	}
	observability.RecordSessionResumed()
	log.Info().Str("token", sess.Token()).Str("remote", conn.RemoteAddr().String()).Msg("session resumed")
}
