package feed

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shaban/showsound/sound"
	"github.com/shaban/showsound/trigger"
)

// BusStatus is one bus as reported by GET /api/v1/buses.
type BusStatus struct {
	ID         int             `json:"id"`
	Name       string          `json:"name"`
	Volume     float64         `json:"volume"`
	Pan        float64         `json:"pan"`
	IsMuted    bool            `json:"isMuted"`
	IsSolo     bool            `json:"isSolo"`
	DeviceID   string          `json:"outputDeviceId"`
	DeviceName string          `json:"outputDeviceName"`
	ColorTag   string          `json:"colorTag"`
	State      string          `json:"state"`
	Level      float64         `json:"level"`
	Instance   *sound.Instance `json:"instance,omitempty"`
}

// BusLister reports live bus state.
type BusLister interface {
	BusStatus() ([]BusStatus, error)
}

// Server is the HTTP event feed.
type Server struct {
	deliver  Deliverer
	buses    BusLister
	tracker  *Tracker
	failures func() uint64
	log      *slog.Logger
	router   *gin.Engine
	srv      *http.Server
}

type ServerOption func(*Server)

// WithFailureCount adds the engine's asynchronous error count to /api/v1/status.
func WithFailureCount(fn func() uint64) ServerOption {
	return func(s *Server) { s.failures = fn }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer builds the router. Call Run to serve on addr.
func NewServer(addr string, d Deliverer, buses BusLister, tracker *Tracker, opts ...ServerOption) *Server {
	s := &Server{
		deliver: d,
		buses:   buses,
		tracker: tracker,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/health", s.healthCheck)
	v1 := r.Group("/api/v1")
	{
		v1.POST("/state", s.handleState)
		v1.GET("/status", s.handleStatus)
		v1.GET("/buses", s.handleBuses)
	}

	s.router = r
	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("event feed listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "showsound",
	})
}

func (s *Server) handleState(c *gin.Context) {
	var state map[string]trigger.Value
	if err := c.ShouldBindJSON(&state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if state == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be a JSON object"})
		return
	}
	s.tracker.Record()
	if err := s.deliver.Deliver(state); err != nil {
		s.log.Warn("state delivery failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(state)})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.tracker.Status()
	if s.failures != nil {
		st.EngineErrors = s.failures()
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleBuses(c *gin.Context) {
	buses, err := s.buses.BusStatus()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buses": buses})
}
