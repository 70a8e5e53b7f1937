package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/perspective-dev/psprelay/relay"
	"github.com/perspective-dev/psprelay/transport"
)

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Connections: s.conns.len()})
}

// handleWebSocket upgrades the request and runs a relay over it until either
// side closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	status, reason, ok := s.admit()
	if !ok {
		s.metrics.rejected.WithLabelValues(reason).Inc()
		s.logger.Warn("connection refused",
			zap.String("reason", reason),
			zap.String("remote", r.RemoteAddr),
		)
		s.writeJSON(w, status, errorResponse{Error: "connection refused: " + reason})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		s.release()
		s.metrics.rejected.WithLabelValues("upgrade").Inc()
		s.logger.Debug("upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}

	logger := s.logger.With(zap.String("remote", r.RemoteAddr))
	sockOpts := append([]transport.SocketOption{transport.WithLogger(logger)}, s.cfg.socketOpts...)
	rl := relay.New(transport.NewSocket(conn, sockOpts...), s.loader,
		relay.WithLogger(logger),
		relay.WithMetrics(s.relayMetrics),
		relay.WithLoadTimeout(s.cfg.loadTimeout),
	)

	s.conns.add(rl)
	s.metrics.active.Inc()
	s.metrics.total.Inc()
	logger.Info("connection opened", zap.String("relay_id", rl.ID()))

	go func() {
		defer s.release()

		err := rl.Run(s.ctx)
		s.conns.remove(rl.ID())
		s.metrics.active.Dec()

		stats := rl.Stats()
		fields := []zap.Field{
			zap.String("relay_id", stats.ID),
			zap.Uint64("received", stats.Received),
			zap.Uint64("sent", stats.Sent),
		}
		if err != nil {
			logger.Warn("connection closed", append(fields, zap.Error(err))...)
			return
		}
		logger.Info("connection closed", fields...)
	}()
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.conns.stats())
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.conns.close(id) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "connection not found"})
		return
	}
	s.logger.Info("connection closed by admin", zap.String("relay_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}
