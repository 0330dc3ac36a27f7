package stream

import (
	"bytes"
	"compress/gzip"
	"context"
	_ "embed"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"github.com/lanikai/alohacam/internal/consumer"
	"github.com/lanikai/alohacam/internal/logging"
)

const (
	shutdownTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single frame write to a client.
	DefaultWriteTimeout = 5 * time.Second
)

//go:embed static/index.html
var indexHTML []byte

// Landing page, compressed once for clients that accept gzip.
var indexGzip = mustGzip(indexHTML)

func mustGzip(p []byte) []byte {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		panic(err)
	}
	if _, err := zw.Write(p); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type Config struct {
	Host string
	Port int

	// StreamPort, if nonzero, moves /stream and /ws to a listener of their
	// own. MaxClients then also caps that listener's connections.
	StreamPort int

	Boundary   string
	MaxClients int

	// Advertised in the X-Framerate header when positive.
	Framerate int

	// A client that cannot take a whole frame within WriteTimeout is
	// disconnected, releasing the frame it holds. Zero means
	// DefaultWriteTimeout.
	WriteTimeout time.Duration

	// Served at GET /metrics when set.
	Metrics http.Handler
}

// StatusFunc contributes the pipeline's own fields to GET /status.
type StatusFunc func() map[string]interface{}

// Server exposes the hub over HTTP:
//
//	GET /                    landing page
//	GET /stream              multipart/x-mixed-replace JPEG stream
//	GET /ws                  websocket, one binary message per frame
//	GET /status              JSON status
//	GET /status/session/:id  one live or recently closed session
//	GET /health              liveness probe
//	GET /metrics             Prometheus metrics, if configured
type Server struct {
	cfg    Config
	hub    *Hub
	status StatusFunc

	main     *gin.Engine
	streamer *gin.Engine

	upgrader websocket.Upgrader

	// Parent of every request context; cancelled on shutdown so that
	// long-lived streams end.
	base   context.Context
	cancel context.CancelFunc

	listeners []net.Listener
	servers   []*http.Server
}

func NewServer(cfg Config, hub *Hub, status StatusFunc) *Server {
	if cfg.Boundary == "" {
		cfg.Boundary = DefaultBoundary
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.base, s.cancel = context.WithCancel(context.Background())

	s.main = newEngine()
	s.main.GET("/", s.handleIndex)
	s.main.GET("/status", s.handleStatus)
	s.main.GET("/status/session/:id", s.handleSession)
	s.main.GET("/health", s.handleHealth)
	if cfg.Metrics != nil {
		s.main.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	s.streamer = s.main
	if cfg.StreamPort != 0 {
		s.streamer = newEngine()
		s.streamer.GET("/health", s.handleHealth)
	}
	s.streamer.GET("/stream", s.handleStream)
	s.streamer.GET("/ws", s.handleWebsocket)
	return s
}

func newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(
		gin.LoggerWithWriter(log.Writer(logging.Debug)),
		gin.RecoveryWithWriter(log.Writer(logging.Error)),
	)
	return e
}

// Handler serves every route when there is no separate stream port, and the
// control routes otherwise.
func (s *Server) Handler() http.Handler {
	return s.main
}

// StreamHandler serves /stream and /ws.
func (s *Server) StreamHandler() http.Handler {
	return s.streamer
}

// Listen binds the listeners without serving yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.add(ln, s.main)

	if s.streamer != s.main {
		sl, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.StreamPort)))
		if err != nil {
			ln.Close()
			return errors.Wrap(err, "listen stream")
		}
		if s.cfg.MaxClients > 0 {
			sl = netutil.LimitListener(sl, s.cfg.MaxClients)
		}
		s.add(sl, s.streamer)
	}
	return nil
}

func (s *Server) add(ln net.Listener, h http.Handler) {
	s.listeners = append(s.listeners, ln)
	s.servers = append(s.servers, &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.StdLogger(logging.Debug),
		BaseContext:       func(net.Listener) context.Context { return s.base },
	})
}

// Addr is the address of the main listener, once bound.
func (s *Server) Addr() net.Addr {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) streamPort() int {
	if len(s.listeners) < 2 {
		return s.cfg.StreamPort
	}
	if addr, ok := s.listeners[1].Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.cfg.StreamPort
}

// Serve runs until ctx is cancelled or a listener fails, then ends all open
// streams and shuts the servers down.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	errc := make(chan error, len(s.servers))
	for i, srv := range s.servers {
		ln := s.listeners[i]
		log.Info("Listening on http://%s/", ln.Addr())
		go func(srv *http.Server, ln net.Listener) {
			errc <- srv.Serve(ln)
		}(srv, ln)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		err = errors.Wrap(err, "http server")
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range s.servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = errors.Wrap(serr, "shutdown")
		}
	}
	return err
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Vary", "Accept-Encoding")
	if strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
		c.Header("Content-Encoding", "gzip")
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexGzip)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (s *Server) handleStream(c *gin.Context) {
	sess := NewSession(c.Request.RemoteAddr, "mjpeg")
	if err := s.hub.Open(sess); err != nil {
		log.Warn("%s: refused: %v", sess.Remote, err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	pw := NewPartWriter(s.cfg.Boundary)
	c.Header("Content-Type", pw.ContentType())
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Cache-Control", "no-cache")
	if s.cfg.Framerate > 0 {
		c.Header("X-Framerate", strconv.Itoa(s.cfg.Framerate))
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	// The request context only ends when the connection does, so a client
	// that stops reading is caught by the write deadline instead.
	rc := http.NewResponseController(c.Writer)
	s.hub.Serve(c.Request.Context(), sess, func(ctx context.Context, f consumer.Frame) error {
		err := rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return errors.Wrapf(ErrTransmit, "write deadline: %v", err)
		}
		return pw.WritePart(c.Writer, f.Data, f.Timestamp)
	})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	sess := NewSession(c.Request.RemoteAddr, "websocket")
	if err := s.hub.Open(sess); err != nil {
		log.Warn("%s: refused: %v", sess.Remote, err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		s.hub.end(sess, err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends anything we need; reading only detects close.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	s.hub.Serve(ctx, sess, func(ctx context.Context, f consumer.Frame) error {
		ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
			return errors.Wrapf(ErrTransmit, "%v", err)
		}
		return nil
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := gin.H{}
	if s.status != nil {
		for k, v := range s.status() {
			st[k] = v
		}
	}
	st["hub"] = s.hub.Stats()
	st["sessions"] = s.hub.Sessions()
	if port := s.streamPort(); port != 0 {
		st["stream_port"] = port
	}
	st["timestamp"] = time.Now().Format(time.RFC3339)
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleSession(c *gin.Context) {
	info, ok := s.hub.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
