package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"slices"
	"strings"

	"github.com/datallboy/nzbfetch/internal/domain"
)

// session is one authenticated NNTP conversation. It is owned by a single
// Slot and never shared between goroutines.
type session struct {
	raw   *deadlineConn
	r     *textproto.Reader
	w     *textproto.Writer
	group string
}

// dial connects, optionally wraps the socket in TLS, and reads the greeting.
func dial(ctx context.Context, opts *Options) (*session, error) {
	addr := net.JoinHostPort(opts.Host, fmt.Sprint(opts.Port))

	conn, err := opts.dialer()(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnectionLost, addr, err)
	}

	if opts.TLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         opts.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !opts.VerifyCerts,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls handshake with %s: %v", domain.ErrConnectionLost, addr, err)
		}
		conn = tlsConn
	}

	raw := &deadlineConn{Conn: conn, timeout: opts.Timeout}
	s := &session{
		raw: raw,
		r:   textproto.NewReader(bufio.NewReaderSize(raw, opts.ReadBufferSize)),
		w:   textproto.NewWriter(bufio.NewWriter(raw)),
	}

	if err := raw.begin(); err != nil {
		s.close()
		return nil, s.ioError("greeting", err)
	}
	// Usenet servers greet with 200 or 201 (posting not allowed, but fine for downloading)
	code, msg, err := s.r.ReadCodeLine(0)
	if err != nil {
		s.close()
		return nil, s.ioError("greeting", err)
	}
	if code != 200 && code != 201 {
		s.close()
		return nil, fmt.Errorf("%w: unexpected greeting %d %s", domain.ErrProtocol, code, msg)
	}

	return s, nil
}

// authenticate runs the AUTHINFO USER/PASS exchange.
func (s *session) authenticate(user, pass string) error {
	if user == "" {
		return nil
	}

	code, msg, err := s.roundTrip("AUTHINFO USER %s", user)
	if err != nil {
		return err
	}

	if code == 381 { // 381: Password required
		code, msg, err = s.roundTrip("AUTHINFO PASS %s", pass)
		if err != nil {
			return err
		}
	}

	switch code {
	case 281: // Authentication accepted
		return nil
	case 481, 482, 502:
		// Only the code, the text sometimes echoes credentials
		return fmt.Errorf("%w: server replied %d", domain.ErrAuth, code)
	default:
		return fmt.Errorf("%w: unexpected auth reply %d %s", domain.ErrProtocol, code, msg)
	}
}

// selectGroup switches to the first group the server knows. Articles are
// fetched by message id, so a server that rejects every group is not fatal.
func (s *session) selectGroup(groups []string) (bool, error) {
	if len(groups) == 0 || slices.Contains(groups, s.group) {
		return true, nil
	}

	for _, g := range groups {
		code, msg, err := s.roundTrip("GROUP %s", g)
		if err != nil {
			return false, err
		}
		switch code {
		case 211:
			s.group = g
			return true, nil
		case 411: // No such group
			continue
		default:
			return false, fmt.Errorf("%w: GROUP %s: %d %s", domain.ErrProtocol, g, code, msg)
		}
	}
	return false, nil
}

// body fetches an article body by message id. The returned bytes are
// dot-unstuffed with CRLF line endings normalised to LF. The timeout covers
// the command and the whole dot-terminated reply.
func (s *session) body(messageID string) ([]byte, error) {
	code, msg, err := s.roundTrip("BODY %s", formatID(messageID))
	if err != nil {
		return nil, err
	}

	switch code {
	case 222: // Body follows
	case 423, 430: // No such article
		return nil, fmt.Errorf("%w: %s (%d)", domain.ErrArticleMissing, messageID, code)
	default:
		return nil, fmt.Errorf("%w: BODY %s: %d %s", domain.ErrProtocol, messageID, code, msg)
	}

	// DotReader handles the NNTP "dot-stuffing" (terminating the stream with .\r\n)
	data, err := io.ReadAll(s.r.DotReader())
	if err != nil {
		return nil, s.ioError("reading body", err)
	}
	return data, nil
}

// stat reports whether the server holds an article without transferring it.
func (s *session) stat(messageID string) (bool, error) {
	code, msg, err := s.roundTrip("STAT %s", formatID(messageID))
	if err != nil {
		return false, err
	}

	switch code {
	case 223:
		return true, nil
	case 423, 430:
		return false, nil
	default:
		return false, fmt.Errorf("%w: STAT %s: %d %s", domain.ErrProtocol, messageID, code, msg)
	}
}

// roundTrip sends one command and reads its status line under a fresh
// deadline. Any multi-line reply that follows is read under the same one.
func (s *session) roundTrip(format string, args ...any) (int, string, error) {
	if err := s.raw.begin(); err != nil {
		return 0, "", s.ioError("write", err)
	}
	if err := s.w.PrintfLine(format, args...); err != nil {
		return 0, "", s.ioError("write", err)
	}
	code, msg, err := s.r.ReadCodeLine(0)
	if err != nil {
		return 0, "", s.ioError("read", err)
	}
	return code, msg, nil
}

// ioError classifies transport failures. A malformed status line leaves the
// stream in an unknown position, so it is treated like a dropped socket.
func (s *session) ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrConnectionLost, op, err)
}

// quit sends QUIT so the server can release the connection slot immediately.
func (s *session) quit() {
	_, _, _ = s.roundTrip("QUIT")
	s.close()
}

func (s *session) close() {
	_ = s.raw.Close()
}

func formatID(id string) string {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "<") {
		id = "<" + id + ">"
	}
	return id
}
