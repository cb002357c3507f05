package nntp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/config"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultHandshakeRetries bounds connect/auth/group attempts per acquisition.
const DefaultHandshakeRetries = 3

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	Host        string
	Port        int
	Username    string
	Password    string
	TLS         bool
	VerifyCerts bool

	Connections      int
	Timeout          time.Duration
	HandshakeRetries int
	ReadBufferSize   int
	RateLimitKbps    int

	// Dial overrides the network dialer, mostly for tests.
	Dial DialFunc
}

// OptionsFromConfig maps the server section of the config onto pool options.
func OptionsFromConfig(s config.ServerConfig, ioBufferSize int) Options {
	return Options{
		Host:          s.Host,
		Port:          s.Port,
		Username:      s.Username,
		Password:      s.Password,
		TLS:           s.TLS,
		VerifyCerts:   s.VerifyCerts,
		Connections:   s.Connections,
		Timeout:       s.Timeout,
		RateLimitKbps: s.RateLimitKbps,
		// The whole body is buffered anyway, the reader only needs room for lines
		ReadBufferSize: min(ioBufferSize, 1024*1024),
	}
}

func (o *Options) dialer() DialFunc {
	if o.Dial != nil {
		return o.Dial
	}
	d := &net.Dialer{Timeout: o.Timeout}
	return d.DialContext
}

// Slot is one pooled session. Between Acquire and Release it belongs to
// exactly one goroutine.
type Slot struct {
	id    int
	state atomic.Int32
	sess  *session
}

func (s *Slot) ID() int                 { return s.id }
func (s *Slot) State() domain.SlotState { return domain.SlotState(s.state.Load()) }
func (s *Slot) set(st domain.SlotState) { s.state.Store(int32(st)) }

// Pool manages a fixed set of sessions to one server. It never holds more
// than Connections slots; faulted slots are dropped and not replaced.
type Pool struct {
	opts    Options
	log     *logger.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	idle   []*Slot
	live   int
	busy   int
	closed bool
	all    []*Slot
}

func NewPool(opts Options, log *logger.Logger) (*Pool, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("%w: server host is required", domain.ErrConfig)
	}
	if opts.Connections <= 0 {
		return nil, fmt.Errorf("%w: connections must be positive", domain.ErrConfig)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HandshakeRetries <= 0 {
		opts.HandshakeRetries = DefaultHandshakeRetries
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 64 * 1024
	}
	if log == nil {
		log = logger.Discard()
	}

	p := &Pool{opts: opts, log: log, live: opts.Connections}

	if opts.RateLimitKbps > 0 {
		bps := opts.RateLimitKbps * 1024
		p.limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}

	for i := 0; i < opts.Connections; i++ {
		s := &Slot{id: i + 1}
		s.set(domain.SlotDisconnected)
		p.idle = append(p.idle, s)
		p.all = append(p.all, s)
	}
	return p, nil
}

// Acquire hands out a free slot without blocking.
func (p *Pool) Acquire() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.live == 0 {
		return nil, domain.ErrNoConnections
	}
	if len(p.idle) == 0 {
		return nil, domain.ErrWouldBlock
	}

	// Prefer the most recently used slot, it is the most likely to be connected
	s := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.busy++
	return s, nil
}

// Release returns a slot to the pool. Faulted slots are removed for good.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	p.busy--

	if s.State() == domain.SlotFaulted {
		p.live--
		live := p.live
		p.mu.Unlock()
		p.disconnect(s)
		p.log.Warn("NNTP slot %d faulted and removed, %d of %d connections left", s.id, live, p.opts.Connections)
		return
	}

	if p.closed {
		p.mu.Unlock()
		p.drop(s)
		return
	}

	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Execute retrieves one article body over the slot's session, connecting
// first if needed. It never retries the article itself.
func (p *Pool) Execute(ctx context.Context, s *Slot, messageID string, groups []string) ([]byte, error) {
	var body []byte
	err := p.withSession(ctx, s, groups, func(sess *session) error {
		var err error
		body, err = sess.body(messageID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := p.throttle(ctx, len(body)); err != nil {
		return nil, err
	}
	return body, nil
}

// Stat checks whether an article exists on the server.
func (p *Pool) Stat(ctx context.Context, s *Slot, messageID string) (bool, error) {
	var ok bool
	err := p.withSession(ctx, s, nil, func(sess *session) error {
		var err error
		ok, err = sess.stat(messageID)
		return err
	})
	return ok, err
}

func (p *Pool) withSession(ctx context.Context, s *Slot, groups []string, fn func(*session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.ensureSession(ctx, s, groups); err != nil {
		return err
	}

	// Abandon the round trip as soon as the job is cancelled
	sess := s.sess
	stop := context.AfterFunc(ctx, sess.raw.abort)
	defer stop()

	s.set(domain.SlotBusy)
	err := fn(sess)

	if ctx.Err() != nil {
		p.disconnect(s)
		return ctx.Err()
	}

	if err != nil && errors.Is(err, domain.ErrConnectionLost) {
		p.log.Debug("NNTP slot %d lost its connection: %v", s.id, err)
		p.disconnect(s)
		return err
	}

	s.set(domain.SlotIdle)
	return err
}

// ensureSession runs connect -> authenticate -> select group, retrying the
// whole handshake a bounded number of times.
func (p *Pool) ensureSession(ctx context.Context, s *Slot, groups []string) error {
	if s.sess != nil {
		s.set(domain.SlotSelectingGroup)
		stop := context.AfterFunc(ctx, s.sess.raw.abort)
		ok, err := s.sess.selectGroup(groups)
		stop()
		if err == nil {
			if !ok {
				p.log.Debug("NNTP slot %d: none of %v accepted, fetching by message id", s.id, groups)
			}
			return nil
		}
		p.disconnect(s)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.HandshakeRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.handshake(ctx, s, groups)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, domain.ErrAuth) {
			s.set(domain.SlotFaulted)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.log.Debug("NNTP slot %d handshake attempt %d/%d failed: %v", s.id, attempt, p.opts.HandshakeRetries, err)
		if attempt == p.opts.HandshakeRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}

	s.set(domain.SlotFaulted)
	return fmt.Errorf("%w: slot %d gave up after %d handshake attempts: %v",
		domain.ErrConnectionLost, s.id, p.opts.HandshakeRetries, lastErr)
}

func (p *Pool) handshake(ctx context.Context, s *Slot, groups []string) error {
	s.set(domain.SlotConnecting)
	sess, err := dial(ctx, &p.opts)
	if err != nil {
		s.set(domain.SlotDisconnected)
		return err
	}

	stop := context.AfterFunc(ctx, sess.raw.abort)
	defer stop()

	s.set(domain.SlotAuthenticating)
	if err := sess.authenticate(p.opts.Username, p.opts.Password); err != nil {
		sess.close()
		s.set(domain.SlotDisconnected)
		return err
	}

	s.set(domain.SlotSelectingGroup)
	ok, err := sess.selectGroup(groups)
	if err != nil {
		sess.close()
		s.set(domain.SlotDisconnected)
		return err
	}
	if !ok {
		p.log.Debug("NNTP slot %d: none of %v accepted, fetching by message id", s.id, groups)
	}

	s.sess = sess
	s.set(domain.SlotIdle)
	p.log.Debug("NNTP slot %d connected to %s:%d", s.id, p.opts.Host, p.opts.Port)
	return nil
}

func (p *Pool) disconnect(s *Slot) {
	if s.sess != nil {
		s.sess.close()
		s.sess = nil
	}
	if s.State() != domain.SlotFaulted {
		s.set(domain.SlotDisconnected)
	}
}

func (p *Pool) throttle(ctx context.Context, n int) error {
	if p.limiter == nil {
		return nil
	}
	burst := p.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := p.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// WarmUp connects up to n idle slots concurrently so the first segments do
// not all pay the handshake cost. Only auth failures are returned.
func (p *Pool) WarmUp(ctx context.Context, n int) error {
	var slots []*Slot
	for i := 0; i < n; i++ {
		s, err := p.Acquire()
		if err != nil {
			break
		}
		slots = append(slots, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		s := s
		g.Go(func() error {
			defer p.Release(s)
			if s.sess != nil {
				return nil
			}
			err := p.ensureSession(gctx, s, nil)
			if errors.Is(err, domain.ErrAuth) {
				return err
			}
			if err != nil {
				p.log.Warn("Failed to pre-warm NNTP slot %d: %v", s.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close sends QUIT on every idle session and stops handing out slots.
// Slots still executing are closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range idle {
		s := s
		g.Go(func() error {
			p.drop(s)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) drop(s *Slot) {
	if s.sess != nil {
		s.sess.quit()
		s.sess = nil
	}
	if s.State() != domain.SlotFaulted {
		s.set(domain.SlotDisconnected)
	}
}

// Capacity is the configured connection count.
func (p *Pool) Capacity() int { return p.opts.Connections }

// Live returns the number of slots that have not faulted.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Busy returns the number of slots currently handed out.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// States snapshots every slot's state, for diagnostics and tests.
func (p *Pool) States() []domain.SlotState {
	out := make([]domain.SlotState, len(p.all))
	for i, s := range p.all {
		out[i] = s.State()
	}
	return out
}
