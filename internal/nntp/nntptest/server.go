// Package nntptest runs an in-process NNTP server for tests. It speaks the
// subset of the protocol the pool uses and lets tests script failures per
// article.
package nntptest

import (
	"bytes"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/datallboy/nzbfetch/internal/decoding"
)

type article struct {
	data []byte
	opts decoding.EncodeOptions
	raw  []byte // sent verbatim when set
}

type Server struct {
	ln net.Listener

	// Credentials expected by AUTHINFO. Empty User disables auth.
	// Set through WithAuth, read-only once serving.
	User string
	Pass string

	// Latency is slept before answering BODY, to keep requests overlapping.
	// Set through WithLatency.
	Latency time.Duration

	mu       sync.Mutex
	articles map[string]*article
	drips    map[string]time.Duration
	missing  map[string]int
	corrupt  map[string]int
	drops    map[string]int
	requests map[string]int
	groups   map[string]bool

	conns      map[net.Conn]struct{}
	open       int
	peakOpen   int
	inBody     int
	peakInBody int
	dials      int

	wg     sync.WaitGroup
	closed bool
}

// Option configures a Server before it starts accepting connections.
type Option func(*Server)

// WithAuth requires AUTHINFO USER/PASS with the given credentials.
func WithAuth(user, pass string) Option {
	return func(s *Server) { s.User, s.Pass = user, pass }
}

// WithLatency delays every BODY answer by d.
func WithLatency(d time.Duration) Option {
	return func(s *Server) { s.Latency = d }
}

// NewServer starts listening on a random loopback port.
func NewServer(opts ...Option) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("nntptest: listen: %v", err))
	}

	s := &Server{
		ln:       ln,
		articles: make(map[string]*article),
		missing:  make(map[string]int),
		corrupt:  make(map[string]int),
		drops:    make(map[string]int),
		requests: make(map[string]int),
		groups:   map[string]bool{"alt.binaries.test": true},
		drips:    make(map[string]time.Duration),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.wg.Add(1)
	go s.serve()
	return s
}

// Addr returns the host and port to point a pool at.
func (s *Server) Addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// AddArticle stores data to be served yEnc-encoded under id.
func (s *Server) AddArticle(id string, data []byte, opts decoding.EncodeOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[trimID(id)] = &article{data: data, opts: opts}
}

// AddRaw stores a body that is sent as-is (before dot-stuffing).
func (s *Server) AddRaw(id string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[trimID(id)] = &article{raw: body}
}

// AddGroup makes GROUP succeed for name.
func (s *Server) AddGroup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[name] = true
}

// FailMissing answers 430 for the next n BODY requests of id.
func (s *Server) FailMissing(id string, n int) { s.script(s.missing, id, n) }

// FailCorrupt serves the next n bodies of id with a bad checksum.
func (s *Server) FailCorrupt(id string, n int) { s.script(s.corrupt, id, n) }

// DropConnection hangs up instead of answering the next n BODY requests of id.
func (s *Server) DropConnection(id string, n int) { s.script(s.drops, id, n) }

// Drip sends the body of id one byte every interval, so a reply never
// stalls for long but takes as long as the article is big.
func (s *Server) Drip(id string, every time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drips[trimID(id)] = every
}

func (s *Server) script(m map[string]int, id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[trimID(id)] = n
}

// Requests returns how many BODY commands were received for id.
func (s *Server) Requests(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[trimID(id)]
}

// PeakConnections is the highest number of simultaneously open sessions.
func (s *Server) PeakConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakOpen
}

// PeakInFlight is the highest number of BODY requests served at once.
func (s *Server) PeakInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakInBody
}

// Dials counts accepted connections.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Close stops the listener and hangs up every session.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.dials++
		s.open++
		s.peakOpen = max(s.peakOpen, s.open)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(c)

			s.mu.Lock()
			delete(s.conns, c)
			s.open--
			s.mu.Unlock()
			c.Close()
		}()
	}
}

func (s *Server) handle(c net.Conn) {
	tp := textproto.NewConn(c)

	if err := tp.PrintfLine("200 nntptest ready"); err != nil {
		return
	}

	authed := s.User == ""
	var user string

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(cmd) {
		case "AUTHINFO":
			kind, val, _ := strings.Cut(arg, " ")
			switch strings.ToUpper(kind) {
			case "USER":
				user = val
				tp.PrintfLine("381 password required")
			case "PASS":
				if user == s.User && val == s.Pass {
					authed = true
					tp.PrintfLine("281 authentication accepted")
				} else {
					tp.PrintfLine("481 authentication rejected")
				}
			default:
				tp.PrintfLine("501 syntax error")
			}

		case "GROUP":
			s.mu.Lock()
			ok := s.groups[arg]
			s.mu.Unlock()
			switch {
			case !authed:
				tp.PrintfLine("480 authentication required")
			case ok:
				tp.PrintfLine("211 1 1 1 %s", arg)
			default:
				tp.PrintfLine("411 no such group")
			}

		case "STAT":
			s.mu.Lock()
			_, ok := s.articles[trimID(arg)]
			s.mu.Unlock()
			switch {
			case !authed:
				tp.PrintfLine("480 authentication required")
			case ok:
				tp.PrintfLine("223 0 %s", arg)
			default:
				tp.PrintfLine("430 no such article")
			}

		case "BODY":
			if !authed {
				tp.PrintfLine("480 authentication required")
				continue
			}
			if !s.body(tp, arg) {
				return
			}

		case "QUIT":
			tp.PrintfLine("205 bye")
			return

		default:
			tp.PrintfLine("500 unknown command")
		}
	}
}

// body answers one BODY request. It returns false when the connection
// should be dropped.
func (s *Server) body(tp *textproto.Conn, arg string) bool {
	id := trimID(arg)

	s.mu.Lock()
	s.requests[id]++
	s.inBody++
	s.peakInBody = max(s.peakInBody, s.inBody)
	art := s.articles[id]
	drop := take(s.drops, id)
	missing := take(s.missing, id)
	corrupt := take(s.corrupt, id)
	drip := s.drips[id]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inBody--
		s.mu.Unlock()
	}()

	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}

	if drop {
		return false
	}

	if art == nil || missing {
		tp.PrintfLine("430 no such article")
		return true
	}

	payload := art.raw
	if payload == nil {
		opts := art.opts
		opts.CorruptCRC = corrupt
		var buf bytes.Buffer
		if err := decoding.Encode(&buf, art.data, opts); err != nil {
			tp.PrintfLine("503 encode failed")
			return true
		}
		payload = buf.Bytes()
	}

	if err := tp.PrintfLine("222 0 <%s>", id); err != nil {
		return false
	}
	w := tp.DotWriter()
	if drip > 0 {
		for i := range payload {
			time.Sleep(drip)
			if _, err := w.Write(payload[i : i+1]); err != nil {
				return false
			}
			if err := tp.W.Flush(); err != nil {
				return false
			}
		}
	} else if _, err := w.Write(payload); err != nil {
		return false
	}
	return w.Close() == nil
}

func take(m map[string]int, id string) bool {
	if m[id] <= 0 {
		return false
	}
	m[id]--
	return true
}

func trimID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}
