package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctfrange/ctfrange/internal/apperr"
	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/service/auth"
	"github.com/ctfrange/ctfrange/internal/service/challenge"
	"github.com/ctfrange/ctfrange/internal/service/instance"
	"github.com/ctfrange/ctfrange/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	auth         auth.Service
	challenges   *challenge.Service
	instances    *instance.Service
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error
	dockerHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitSignup     = 5
	rateLimitLogin      = 12
	rateLimitFlagSubmit = 20
	rateLimitUserWrite  = 30
	rateLimitUserRead   = 120
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, challengeSvc *challenge.Service, instanceSvc *instance.Service, hub *ws.Hub, limiter RateLimiter, dbHealth, dockerHealth func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		auth:       authSvc,
		challenges: challengeSvc,
		instances:  instanceSvc,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		dbHealth:     dbHealth,
		dockerHealth: dockerHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/auth/signup", r.instrument("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.instrument("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/challenges", r.instrument("/challenges", r.handlerAuthRate("/challenges", rateLimitUserRead, rateWindowDefault, r.handleChallenges)))
	r.mux.HandleFunc("/challenges/", r.instrument("/challenges/:id", r.handlerAuthRate("/challenges/:id", rateLimitUserWrite, rateWindowDefault, r.handleChallengeSubroutes)))
	r.mux.HandleFunc("/instances/active", r.instrument("/instances/active", r.handlerAuthRate("/instances/active", rateLimitUserRead, rateWindowDefault, r.handleActiveInstance)))
	r.mux.HandleFunc("/instances/", r.instrument("/instances/:id", r.handlerAuthRate("/instances/:id", rateLimitUserWrite, rateWindowDefault, r.handleInstanceSubroutes)))
	r.mux.HandleFunc("/ws/instances", r.instrument("/ws/instances", r.handlerAuthRate("/ws/instances", rateLimitWebsocket, rateWindowRealtime, r.handleInstancesWS)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Email, payload.Username, payload.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":  userView(user),
		"token": token,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  userView(user),
		"token": token,
	})
}

func (r *Router) handleChallenges(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	challenges, err := r.challenges.List(req.Context())
	if err != nil {
		r.logError(req, err)
		writeAppError(w, err)
		return
	}
	views := make([]map[string]any, len(challenges))
	for i, c := range challenges {
		views[i] = challengeView(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenges": views})
}

// handleChallengeSubroutes dispatches /challenges/{id}, /challenges/{id}/flag
// and /challenges/{id}/instance.
func (r *Router) handleChallengeSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/challenges/"), "/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "challenge id required")
		return
	}
	challengeID := parts[0]

	switch {
	case len(parts) == 1:
		r.handleChallengeGet(w, req, challengeID)
	case len(parts) == 2 && parts[1] == "flag":
		r.handleFlagSubmit(w, req, challengeID)
	case len(parts) == 2 && parts[1] == "instance":
		r.handleInstanceCreate(w, req, challengeID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleChallengeGet(w http.ResponseWriter, req *http.Request, challengeID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	c, err := r.challenges.Get(req.Context(), challengeID)
	if err != nil {
		r.logError(req, err)
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge": challengeView(*c)})
}

func (r *Router) handleFlagSubmit(w http.ResponseWriter, req *http.Request, challengeID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var payload struct {
		Flag string `json:"flag"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	correct, err := r.challenges.SubmitFlag(req.Context(), info.UserID, challengeID, payload.Flag)
	if err != nil {
		r.logError(req, err)
		writeAppError(w, err)
		return
	}
	message := "incorrect flag"
	if correct {
		message = "correct flag, challenge solved"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": correct, "message": message})
}

func (r *Router) handleInstanceCreate(w http.ResponseWriter, req *http.Request, challengeID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	inst, created, err := r.instances.Create(req.Context(), info.UserID, challengeID)
	if err != nil {
		r.logError(req, err)
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"instance": instance.View(inst)})
}

func (r *Router) handleActiveInstance(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	inst, err := r.instances.Active(req.Context(), info.UserID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"instance": nil})
			return
		}
		r.logError(req, err)
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": instance.View(inst)})
}

// handleInstanceSubroutes dispatches /instances/{id}/stop.
func (r *Router) handleInstanceSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/instances/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "stop" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if req.Method != http.MethodPatch {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if _, err := r.instances.Stop(req.Context(), info.UserID, parts[0]); err != nil {
		r.logError(req, err)
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "instance terminated"})
}

func (r *Router) handleInstancesWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(info.UserID, client)
	defer func() {
		r.hub.Unregister(info.UserID, client)
		client.Close()
	}()

	// Drain control frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "docker": "ok"}
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Warn("database health check failed", "error", err)
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if r.dockerHealth != nil {
		if err := r.dockerHealth(ctx); err != nil {
			r.logger.Warn("docker health check failed", "error", err)
			checks["docker"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, checks)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) logError(req *http.Request, err error) {
	r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
}

func userView(u *domain.User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"username":    u.Username,
		"solvedCount": u.SolvedCount,
	}
}

func challengeView(c domain.Challenge) map[string]any {
	return map[string]any{
		"id":            c.ID,
		"name":          c.Name,
		"description":   c.Description,
		"category":      c.Category,
		"difficulty":    c.Difficulty,
		"hints":         c.Hints,
		"resources":     c.Resources,
		"hasLiveTarget": c.HasLiveTarget,
	}
}
