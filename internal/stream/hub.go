// Package stream serves the newest captured frames to network clients, either
// as an endless multipart/x-mixed-replace response or over a websocket.
package stream

import (
	"bytes"
	"context"
	"image/jpeg"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/color"
	"github.com/lanikai/alohacam/internal/consumer"
	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/media"
)

var log = logging.DefaultLogger.WithTag("stream")

var (
	ErrTooManySessions = errors.New("stream: too many sessions")
	ErrHubClosed       = errors.New("stream: hub closed")
)

// SendFunc writes one frame to a client.
type SendFunc func(ctx context.Context, f consumer.Frame) error

type HubConfig struct {
	// Maximum number of concurrent sessions. Zero means no limit.
	MaxSessions int

	// Number of closed sessions remembered for Lookup. Defaults to 32.
	History int

	// JPEG quality used when the pool holds raw frames. Defaults to 80.
	Quality int
}

// Hub is the registry of live stream sessions. Every session runs its own
// consumer loop against the shared pool; a session that fails is torn down
// without disturbing capture or the other sessions.
type Hub struct {
	// Accessed atomically; first in the struct for 64-bit alignment on ARM.
	closed uint64

	pool *framepool.Pool
	cfg  HubConfig

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
	history  *lru.Cache
	shut     bool
	wg       sync.WaitGroup
}

func NewHub(pool *framepool.Pool, cfg HubConfig) *Hub {
	if cfg.History <= 0 {
		cfg.History = 32
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 80
	}
	return &Hub{
		pool:     pool,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
		history:  lru.New(cfg.History),
	}
}

// Open registers a new session. It fails with ErrTooManySessions when the hub
// is full, before anything has been written to the client.
func (h *Hub) Open(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shut {
		return ErrHubClosed
	}
	if h.cfg.MaxSessions > 0 && len(h.sessions) >= h.cfg.MaxSessions {
		return errors.Wrapf(ErrTooManySessions, "limit %d", h.cfg.MaxSessions)
	}
	h.sessions[s.ID] = s
	return nil
}

// Serve streams frames to an open session until ctx is cancelled, the pool is
// closed, or send fails. The session is closed when Serve returns; the error
// is the one that tore it down, if any.
func (h *Hub) Serve(ctx context.Context, s *Session, send SendFunc) error {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return errors.Errorf("stream: session %s not open", s.ID)
	}
	if h.shut {
		h.mu.Unlock()
		h.end(s, ErrHubClosed)
		return ErrHubClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancels[s.ID] = cancel
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()
	defer cancel()

	loop := &consumer.Loop{
		Name:      "session " + s.ID[:8],
		Pool:      h.pool,
		Transform: h.transform(),
		Transmit: func(ctx context.Context, f consumer.Frame) error {
			if err := send(ctx, f); err != nil {
				return err
			}
			s.sentFrame(f.Seq, len(f.Data), f.Timestamp)
			return nil
		},
		Policy: consumer.Teardown,
	}

	log.Info("%s: %s session %s opened", s.Remote, s.Kind, s.ID)
	err := loop.Run(ctx)
	h.end(s, err)
	return err
}

// end unregisters s and moves it to the history.
func (h *Hub) end(s *Session, err error) {
	s.end(err)

	h.mu.Lock()
	delete(h.sessions, s.ID)
	delete(h.cancels, s.ID)
	h.history.Add(s.ID, s)
	h.mu.Unlock()
	atomic.AddUint64(&h.closed, 1)

	if err != nil {
		log.Warn("%s: session %s closed after %d frames: %v", s.Remote, s.ID, s.Sent(), err)
	} else {
		log.Info("%s: session %s closed after %d frames", s.Remote, s.ID, s.Sent())
	}
}

// transform returns nil for JPEG pools. Raw pools get a per-session encoder so
// that sessions never share an output buffer.
func (h *Hub) transform() consumer.TransformFunc {
	if h.pool.Format() != media.RGB565 {
		return nil
	}
	var out bytes.Buffer
	opts := &jpeg.Options{Quality: h.cfg.Quality}
	return func(f consumer.Frame) (consumer.Frame, error) {
		img, err := color.Wrap(f.Data, f.Resolution.Width, f.Resolution.Height)
		if err != nil {
			return f, err
		}
		out.Reset()
		if err := jpeg.Encode(&out, img, opts); err != nil {
			return f, errors.Wrap(err, "jpeg encode")
		}
		f.Data = out.Bytes()
		f.Format = media.JPEG
		return f, nil
	}
}

// Sessions lists the live sessions, oldest first.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.Lock()
	list := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s.Info())
	}
	h.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Started.Before(list[j].Started)
	})
	return list
}

// Lookup finds a live or recently closed session.
func (h *Hub) Lookup(id string) (SessionInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[id]; ok {
		return s.Info(), true
	}
	if v, ok := h.history.Get(id); ok {
		return v.(*Session).Info(), true
	}
	return SessionInfo{}, false
}

type HubStats struct {
	Active int    `json:"active"`
	Closed uint64 `json:"closed"`
	Max    int    `json:"max,omitempty"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	active := len(h.sessions)
	h.mu.Unlock()
	return HubStats{
		Active: active,
		Closed: atomic.LoadUint64(&h.closed),
		Max:    h.cfg.MaxSessions,
	}
}

// Close ends every session and waits for their loops to return. Open and
// Serve fail afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.shut = true
	for _, cancel := range h.cancels {
		cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
