// Package httpapi exposes the bounded AI agent's control surface over HTTP:
// one loop per incoming request, gated by a bearer JWT, routed with chi the
// way yourflock-roost's service commands do (middleware.Logger/Recoverer,
// an auth-gated chi.Router group).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/agent"
)

// AgentInvoker is the seam into internal/agent.Agent.
type AgentInvoker interface {
	NewLoop() *agent.Loop
	Invoke(ctx context.Context, loop *agent.Loop, toolName string, args map[string]any, confidence float64) (string, error)
	ContainmentActive(channelID int64) bool
}

// Server wires the agent control endpoints behind a bearer-JWT gate.
type Server struct {
	agent     AgentInvoker
	jwtSecret []byte
	logger    zerolog.Logger
}

func New(a AgentInvoker, jwtSecret []byte, logger zerolog.Logger) *Server {
	return &Server{agent: a, jwtSecret: jwtSecret, logger: logger.With().Str("component", "httpapi").Logger()}
}

// Router builds the chi router: /healthz is open, /agent/* requires a valid
// bearer token with an "operator" role claim.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)
		r.Post("/agent/invoke", s.handleInvoke)
		r.Get("/agent/containment", s.handleContainment)
	})

	return r
}

type invokeRequest struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Confidence float64        `json:"confidence"`
}

type invokeResponse struct {
	Result    string `json:"result,omitempty"`
	Aborted   bool   `json:"aborted"`
	Escalation string `json:"escalation,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleInvoke runs exactly one tool call against a fresh bounded loop per
// request; the agent's own max_steps/cooldown/containment gating (spec.md
// §4.10) is what actually bounds repeated calls across requests, not this
// handler.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, invokeResponse{Error: "invalid request body"})
		return
	}

	loop := s.agent.NewLoop()
	result, err := s.agent.Invoke(r.Context(), loop, req.Tool, req.Args, req.Confidence)
	resp := invokeResponse{
		Result:     result,
		Aborted:    loop.Aborted(),
		Escalation: loop.Escalation(),
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleContainment reports containment status, optionally scoped to a
// channel via ?channel_id= so a caller can check the circuit-breaker
// trigger for the channel it cares about; omitted, only the three global
// triggers (restart velocity, pool pressure, RSS growth) can fire.
func (s *Server) handleContainment(w http.ResponseWriter, r *http.Request) {
	var channelID int64
	if v := r.URL.Query().Get("channel_id"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			channelID = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"containment_active": s.agent.ContainmentActive(channelID)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireOperator rejects requests whose JWT role claim is not "operator",
// mirroring owl_api's RequireAdmin: HMAC-only, 403 on any rejection, no
// parse-error detail leaked to the client.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			forbidden(w)
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			forbidden(w)
			return
		}
		role, _ := claims["role"].(string)
		if role != "operator" {
			forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
