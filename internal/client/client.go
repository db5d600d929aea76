// Package client implements a reconnect-tolerant relay client: it holds the
// session token assigned by the relay, acknowledges received bytes, and on
// connection loss dials back with backoff and resumes from its ack offset.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/bouncerd/internal/protocol/control"
	"github.com/danmuck/bouncerd/internal/protocol/frame"
)

var (
	ErrAddressRequired = errors.New("client: relay address required")
	ErrSessionInvalid  = errors.New("client: session rejected by relay")
	ErrUpstreamRefused = errors.New("client: upstream connection refused")
	ErrUpstreamLost    = errors.New("client: upstream connection lost")
)

// errReconnect marks a relay-link failure worth a resume attempt.
var errReconnect = errors.New("client: relay connection lost")

// Config defines one relay client.
type Config struct {
	Address            string
	AckEvery           int64
	MaxConnectAttempts int
	Backoff            BackoffConfig
	TLS                *tls.Config
	// Token resumes a session from a previous run; empty requests a new one.
	Token string
	// OnToken observes every session token assignment, e.g. to persist it.
	OnToken func(token string)
}

// Client bridges a local stream to the relayed upstream connection.
type Client struct {
	cfg Config
	rng *rand.Rand

	mu       sync.Mutex
	token    string
	received int64
	lastAck  int64
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.AckEvery <= 0 {
		cfg.AckEvery = 4096
	}
	if cfg.Backoff.InitialDelay == 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	return &Client{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		token: strings.TrimSpace(cfg.Token),
	}, nil
}

// Token returns the current session token, if one has been assigned.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Run bridges term to the relayed upstream until term reaches end of stream
// or ctx is cancelled, resuming across relay connection losses. Session-level
// failures (invalid token, upstream refused or lost) are returned as-is.
func (c *Client) Run(ctx context.Context, term io.ReadWriter) error {
	termCh := make(chan []byte)
	termErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := term.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case termCh <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				termErr <- err
				return
			}
		}
	}()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		err = c.relay(ctx, conn, term, termCh, termErr)
		_ = conn.Close()
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errReconnect):
			log.Warn().Str("addr", c.cfg.Address).Msg("relay connection lost, resuming")
		default:
			return err
		}
	}
}

// connect dials the relay with backoff and performs the handshake: a new
// session when no token is held, otherwise a resume at the ack offset.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("relay dial failed")
			if !c.shouldRetry(attempt) {
				return nil, err
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.handshake(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{}
	if c.cfg.TLS != nil {
		td := tls.Dialer{NetDialer: &d, Config: c.cfg.TLS}
		return td.DialContext(ctx, "tcp", c.cfg.Address)
	}
	return d.DialContext(ctx, "tcp", c.cfg.Address)
}

func (c *Client) handshake(conn net.Conn) error {
	c.mu.Lock()
	hs := control.Handshake{}
	if c.token == "" {
		hs.New = true
	} else {
		hs.Resume = c.token
		ack := c.received
		hs.Ack = &ack
	}
	c.mu.Unlock()

	payload, err := hs.Encode()
	if err != nil {
		return err
	}
	return frame.Write(conn, frame.KindCtrl, payload)
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// relay pumps both directions for one relay connection. Returns nil on term
// end of stream, errReconnect when the relay link drops, or a session-level
// error.
func (c *Client) relay(ctx context.Context, conn net.Conn, term io.Writer, termCh <-chan []byte, termErr <-chan error) error {
	connErr := make(chan error, 1)
	go func() {
		connErr <- c.readRelay(conn, term)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-connErr
			return ctx.Err()
		case <-termErr:
			// local stream finished; the session stays resumable server-side
			return nil
		case chunk := <-termCh:
			if err := c.writeChunk(conn, chunk); err != nil {
				_ = conn.Close()
				<-connErr
				return errReconnect
			}
		case err := <-connErr:
			return err
		}
	}
}

func (c *Client) writeChunk(conn net.Conn, chunk []byte) error {
	for len(chunk) > 0 {
		n := len(chunk)
		if n > frame.MaxPayload {
			n = frame.MaxPayload
		}
		if err := frame.Write(conn, frame.KindData, chunk[:n]); err != nil {
			return err
		}
		chunk = chunk[n:]
	}
	return nil
}

// readRelay decodes relayed frames: Data goes to term and is acknowledged,
// Ctrl carries the token assignment and error notifications.
func (c *Client) readRelay(conn net.Conn, term io.Writer) error {
	dec := &frame.Decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, f := range dec.Push(buf[:n]) {
				if err := c.handleFrame(conn, term, f); err != nil {
					return err
				}
			}
		}
		if err != nil {
			return errReconnect
		}
	}
}

func (c *Client) handleFrame(conn net.Conn, term io.Writer, f frame.Frame) error {
	switch f.Kind {
	case frame.KindData:
		if _, err := term.Write(f.Payload); err != nil {
			return fmt.Errorf("client: local write failed: %w", err)
		}
		return c.recordReceived(conn, int64(len(f.Payload)))
	case frame.KindCtrl:
		return c.handleControl(f.Payload)
	default:
		return nil
	}
}

func (c *Client) recordReceived(conn net.Conn, n int64) error {
	c.mu.Lock()
	c.received += n
	due := c.received-c.lastAck >= c.cfg.AckEvery
	offset := c.received
	if due {
		c.lastAck = offset
	}
	c.mu.Unlock()
	if !due {
		return nil
	}
	if err := frame.Write(conn, frame.KindCtrl, control.EncodeAck(offset)); err != nil {
		return errReconnect
	}
	return nil
}

func (c *Client) handleControl(payload []byte) error {
	msg, err := control.ParseServerMessage(payload)
	if err != nil {
		// malformed server control payloads are ignorable
		return nil
	}
	if msg.Session != "" {
		c.mu.Lock()
		c.token = msg.Session
		c.mu.Unlock()
		if c.cfg.OnToken != nil {
			c.cfg.OnToken(msg.Session)
		}
		return nil
	}
	switch msg.Error {
	case "":
		return nil
	case control.ReasonInvalidSession:
		c.mu.Lock()
		c.token = ""
		c.received = 0
		c.lastAck = 0
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionInvalid, msg.Error)
	case control.ReasonConnectionRefused:
		return fmt.Errorf("%w: %s", ErrUpstreamRefused, msg.Error)
	case control.ReasonConnectionLost:
		return fmt.Errorf("%w: %s", ErrUpstreamLost, msg.Error)
	case control.ReasonDataLost:
		// the relay evicted bytes we never saw; adopt its window start so
		// later acks and resumes speak the relay's coordinates
		if msg.Offset != nil {
			c.mu.Lock()
			if *msg.Offset > c.received {
				c.received = *msg.Offset
				c.lastAck = *msg.Offset
			}
			c.mu.Unlock()
		}
		log.Warn().Msg("relay reported replay data loss")
		return nil
	default:
		log.Warn().Str("reason", msg.Error).Msg("relay error")
		return nil
	}
}
