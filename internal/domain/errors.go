package domain

import "errors"

// ErrConnectionLost indicates a socket error or an expired round trip. The
// session is dropped and reconnected on next use; it never counts against
// a segment's retry budget.
var ErrConnectionLost = errors.New("connection lost")

// ErrAuth indicates the server rejected our credentials. Fatal for the job.
var ErrAuth = errors.New("authentication rejected")

// ErrArticleMissing indicates a 430/423 response from Usenet
var ErrArticleMissing = errors.New("article not found")

// ErrProtocol indicates a malformed or unexpected server response
var ErrProtocol = errors.New("protocol error")

// ErrDecode indicates a yEnc body failed size or checksum verification
var ErrDecode = errors.New("decode failed")

// ErrAssembly indicates a disk I/O failure while writing output
var ErrAssembly = errors.New("assembly failed")

// ErrConfig indicates invalid server or engine settings
var ErrConfig = errors.New("invalid configuration")

// ErrInvalidPlan indicates a job plan that cannot be scheduled
var ErrInvalidPlan = errors.New("invalid job plan")

// ErrWouldBlock indicates all pooled connections are busy
var ErrWouldBlock = errors.New("all connections busy")

// ErrNoConnections indicates every pooled connection has faulted
var ErrNoConnections = errors.New("no usable connections left")

// IsArticleFault reports whether err is charged to a segment's retry budget.
func IsArticleFault(err error) bool {
	return errors.Is(err, ErrArticleMissing) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrDecode)
}

// IsFatal reports whether err aborts the whole job.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrConfig) ||
		errors.Is(err, ErrNoConnections)
}

// IsTransient reports whether err is an infrastructure blip that is retried
// without charging the segment's budget.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}
