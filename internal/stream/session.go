package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one client's view of the stream. It lives from accept until the
// client disconnects or a write to it fails.
type Session struct {
	// Accessed atomically; first in the struct for 64-bit alignment on ARM.
	sent      uint64
	bytes     uint64
	lastSeq   uint64
	lastFrame int64 // UnixNano

	ID      string
	Remote  string
	Kind    string
	Started time.Time

	mu     sync.Mutex
	ended  time.Time
	reason string
}

func NewSession(remote, kind string) *Session {
	return &Session{
		ID:      uuid.New().String(),
		Remote:  remote,
		Kind:    kind,
		Started: time.Now(),
	}
}

// sentFrame records a frame written to the client.
func (s *Session) sentFrame(seq uint64, n int, ts time.Time) {
	atomic.AddUint64(&s.sent, 1)
	atomic.AddUint64(&s.bytes, uint64(n))
	atomic.StoreUint64(&s.lastSeq, seq)
	atomic.StoreInt64(&s.lastFrame, ts.UnixNano())
}

func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = time.Now()
	if err != nil {
		s.reason = err.Error()
	}
}

// Sent is the session's own frame counter. It increases by one for every
// frame written, independently of the capture sequence.
func (s *Session) Sent() uint64 {
	return atomic.LoadUint64(&s.sent)
}

// LastSeq is the capture sequence number of the last frame written.
func (s *Session) LastSeq() uint64 {
	return atomic.LoadUint64(&s.lastSeq)
}

type SessionInfo struct {
	ID        string     `json:"id"`
	Remote    string     `json:"remote"`
	Kind      string     `json:"kind"`
	Started   time.Time  `json:"started"`
	LastFrame *time.Time `json:"last_frame,omitempty"`
	Frames    uint64     `json:"frames"`
	Bytes     uint64     `json:"bytes"`
	LastSeq   uint64     `json:"last_seq"`
	Ended     *time.Time `json:"ended,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:      s.ID,
		Remote:  s.Remote,
		Kind:    s.Kind,
		Started: s.Started,
		Frames:  atomic.LoadUint64(&s.sent),
		Bytes:   atomic.LoadUint64(&s.bytes),
		LastSeq: atomic.LoadUint64(&s.lastSeq),
	}
	if ns := atomic.LoadInt64(&s.lastFrame); ns != 0 {
		t := time.Unix(0, ns)
		info.LastFrame = &t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended.IsZero() {
		t := s.ended
		info.Ended = &t
	}
	info.Error = s.reason
	return info
}
