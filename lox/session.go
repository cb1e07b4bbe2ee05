package lox

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lox/log2"
)

type sessionPhase uint8

const (
	phaseHandshake sessionPhase = iota
	phaseAuthenticated
	phaseStructureLoaded
	phaseStreaming
	phaseClosed
)

func (p sessionPhase) String() string {
	switch p {
	case phaseHandshake:
		return "handshake"
	case phaseAuthenticated:
		return "authenticated"
	case phaseStructureLoaded:
		return "structure-loaded"
	case phaseStreaming:
		return "streaming"
	case phaseClosed:
		return "closed"
	default:
		return "invalid"
	}
}

type SessionOptions struct {
	Log     *log2.Log
	Address string

	Conn      ConnOptions
	Handshake HandshakeOptions
	Dispatch  DispatchOptions

	// Keepalive sends keepalive command when nothing was received for this long, 0 disables.
	Keepalive time.Duration
}

// Session is one connection: handshake, structure, live updates.
// New connection requires new Session, key material is never reused.
type Session struct {
	mu        sync.Mutex
	alive     *alive.Alive
	conn      Conn
	hs        *Handshake
	opt       SessionOptions
	phase     sessionPhase
	sctx      *SessionContext
	structure *Structure
	disp      *Dispatcher
}

// DialSession connects to opt.Address. Key source defaults to controller HTTP API.
func DialSession(ctx context.Context, opt SessionOptions) (*Session, error) {
	_, httpURL, err := ParseAddress(opt.Address)
	if err != nil {
		return nil, errors.Annotate(err, "config error")
	}
	opt.Conn.setDefaults()
	if opt.Conn.Log == nil {
		opt.Conn.Log = opt.Log
	}
	if opt.Handshake.Keys == nil {
		client := &http.Client{Timeout: opt.Conn.NetworkTimeout}
		if opt.Conn.TLS != nil {
			client.Transport = &http.Transport{TLSClientConfig: opt.Conn.TLS}
		}
		opt.Handshake.Keys = &HTTPKeySource{BaseURL: httpURL, Client: client}
	}
	conn, err := DialContext(ctx, opt.Address, opt.Conn)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, opt), nil
}

func NewSession(conn Conn, opt SessionOptions) *Session {
	if opt.Handshake.Log == nil {
		opt.Handshake.Log = opt.Log
	}
	if opt.Dispatch.Log == nil {
		opt.Dispatch.Log = opt.Log
	}
	return &Session{
		alive: alive.NewAlive(),
		conn:  conn,
		hs:    NewHandshake(conn, opt.Handshake),
		opt:   opt,
	}
}

func (s *Session) Close() error {
	s.alive.Stop()
	s.mu.Lock()
	s.phase = phaseClosed
	s.mu.Unlock()
	var err error
	if !s.conn.Closed() {
		err = s.conn.Close()
	}
	s.alive.Wait()
	return err
}

func (s *Session) Conn() Conn { return s.conn }

func (s *Session) HandshakeState() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseClosed {
		return StateClosed
	}
	return s.hs.State()
}

// Context returns handshake result, nil before authentication.
func (s *Session) Context() *SessionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sctx
}

func (s *Session) Structure() *Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.structure
}

// Frames received by dispatcher so far.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disp == nil {
		return 0
	}
	return s.disp.Frames()
}

// Run performs all phases in order and streams until ctx is done,
// connection fails or frame limit is reached.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Handshake(ctx); err != nil {
		return err
	}
	if _, err := s.LoadStructure(ctx); err != nil {
		return err
	}
	if err := s.EnableUpdates(ctx); err != nil {
		return err
	}
	return s.Stream(ctx)
}

func (s *Session) Handshake(ctx context.Context) error {
	if err := s.expect(phaseHandshake); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.networkTimeout())
	defer cancel()
	sctx, err := s.hs.Run(ctx)
	if err != nil {
		_ = s.conn.die(err)
		return err
	}
	s.mu.Lock()
	s.sctx = sctx
	s.mu.Unlock()
	s.advance(phaseAuthenticated)
	s.opt.Log.Infof("authenticated %s user=%s", s.conn.String(), s.opt.Handshake.User)
	return nil
}

// LoadStructure requests structure document and waits for all of it.
func (s *Session) LoadStructure(ctx context.Context) (*Structure, error) {
	if err := s.expect(phaseAuthenticated); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.networkTimeout())
	defer cancel()
	if err := s.conn.SendText(ctx, CmdStructure); err != nil {
		return nil, err
	}
	b, err := ReadResponse(ctx, s.conn)
	if err != nil {
		return nil, errors.Annotate(err, "structure")
	}
	st, err := ParseStructure(b)
	if err != nil {
		return nil, s.conn.die(err)
	}
	s.mu.Lock()
	s.structure = st
	s.mu.Unlock()
	s.advance(phaseStructureLoaded)
	s.opt.Log.Debugf("structure loaded names=%d last_modified=%s", st.Len(), st.LastModified)
	return st, nil
}

// EnableUpdates asks controller to start sending event tables.
// Acknowledgement arrives as ordinary text frame in the stream.
func (s *Session) EnableUpdates(ctx context.Context) error {
	if err := s.expect(phaseStructureLoaded); err != nil {
		return err
	}
	if err := s.conn.SendText(ctx, CmdEnableStatusUpdate); err != nil {
		return err
	}
	s.advance(phaseStreaming)
	return nil
}

// Stream dispatches frames until ctx is done, connection fails or frame limit reached.
// Connection is closed on return.
func (s *Session) Stream(ctx context.Context) error {
	if err := s.expect(phaseStreaming); err != nil {
		return err
	}
	if !s.alive.Add(2) {
		return ErrClosing
	}
	opt := s.opt.Dispatch
	opt.Resolver = ChainResolver(s.Structure(), opt.Resolver)
	if opt.ReadTimeout == 0 && s.opt.Keepalive != 0 {
		opt.ReadTimeout = s.opt.Keepalive + s.networkTimeout()
	}
	disp := NewDispatcher(s.conn, opt)
	s.mu.Lock()
	s.disp = disp
	s.mu.Unlock()

	stopped := make(chan struct{})
	go s.pinger(stopped)
	go func() {
		defer s.alive.Done()
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.alive.StopChan():
		case <-stopped:
		}
	}()

	err := disp.Run(ctx)
	close(stopped)
	_ = s.conn.Close()
	return err
}

func (s *Session) networkTimeout() time.Duration {
	if d := s.conn.Options().NetworkTimeout; d != 0 {
		return d
	}
	return DefaultNetworkTimeout
}

func (s *Session) advance(p sessionPhase) {
	s.mu.Lock()
	if s.phase != phaseClosed {
		s.phase = p
	}
	s.mu.Unlock()
}

func (s *Session) expect(p sessionPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != p {
		return &ProtocolSequenceError{Expected: p.String(), Actual: s.phase.String()}
	}
	return nil
}

func (s *Session) pinger(stopped <-chan struct{}) {
	defer s.alive.Done()
	keepalive := s.opt.Keepalive
	if keepalive == 0 {
		return
	}
	s.opt.Log.Debugf("pinger keepalive=%s", keepalive)
	for !s.conn.Closed() {
		since := s.conn.SinceLastRecv()
		delay := keepalive - since
		if delay > 0 {
			if !s.sleep(stopped, delay) {
				return
			}
			continue
		}
		s.opt.Log.Debugf("pinger since=%s -> send", since)
		ctx, cancel := context.WithTimeout(context.Background(), s.networkTimeout())
		_ = s.conn.SendText(ctx, CmdKeepalive)
		cancel()
		if !s.sleep(stopped, keepalive) {
			return
		}
	}
}

func (s *Session) sleep(stopped <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopped:
		return false
	case <-s.alive.StopChan():
		return false
	}
}
