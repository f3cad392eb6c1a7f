package stream

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"updown/internal/config"
	"updown/internal/feed"
	"updown/internal/session"
)

// EventTick carries raw feed points when price ticks are streamed.
const EventTick session.EventType = "tick"

// Source is the session surface the server reads from.
type Source interface {
	Subscribe(fn func(session.Event)) func()
	Snapshot() session.Snapshot
	Feed() *feed.Feed
}

// Server exposes the read-only event stream and query endpoints.
type Server struct {
	hub        *Hub
	src        Source
	addr       string
	priceTicks bool
	logger     zerolog.Logger
	detach     []func()
}

// NewServer builds a server for src from the stream configuration.
func NewServer(cfg config.StreamConfig, src Source, logger zerolog.Logger) *Server {
	return &Server{
		hub: NewHub(Options{
			SendBuffer:   cfg.SendBuffer,
			WriteTimeout: cfg.WriteTimeout,
			PingInterval: cfg.PingInterval,
		}, logger),
		src:        src,
		addr:       cfg.Addr,
		priceTicks: cfg.PriceTicks,
		logger:     logger.With().Str("component", "stream_server").Logger(),
	}
}

// Hub returns the underlying fan-out.
func (s *Server) Hub() *Hub { return s.hub }

// Attach forwards session events, and feed ticks when enabled, to the hub.
func (s *Server) Attach() {
	s.detach = append(s.detach, s.src.Subscribe(func(e session.Event) {
		s.hub.Broadcast(e)
	}))
	if s.priceTicks {
		s.detach = append(s.detach, s.src.Feed().Subscribe(func(p feed.PricePoint) {
			s.hub.Broadcast(session.Event{Type: EventTick, At: p.Timestamp, Data: p})
		}))
	}
}

// Handler routes /ws, /state, /prices and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /prices", s.handlePrices)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Snapshot())
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	from, err := parseMillis(r.URL.Query().Get("from"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from"})
		return
	}
	to, err := parseMillis(r.URL.Query().Get("to"), math.MaxInt64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid to"})
		return
	}
	points := s.src.Feed().HistoricalRange(from, to)
	if points == nil {
		points = []feed.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func parseMillis(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("event stream listening")

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("event stream shutdown")
		return err
	}
	s.logger.Info().Msg("event stream stopped")
	return nil
}

func (s *Server) close() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
	s.hub.Close()
}
