// Package api exposes the SMS and mobile-money webhooks, the JSON query
// surface and the price stream over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/command"
	"github.com/agrifutures/futures-engine/internal/engine"
	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/metrics"
)

// WebhookVerifier authenticates mobile-money webhook deliveries.
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request, path string, body []byte) error
}

type Config struct {
	ServiceName    string
	AdminToken     string
	RequestTimeout time.Duration
}

// Server wires HTTP routes onto the engine and the SMS interpreter.
type Server struct {
	engine   *engine.Engine
	sms      *command.Interpreter
	verifier WebhookVerifier
	hub      *Hub
	log      *logger.Logger
	cfg      Config
}

func NewServer(eng *engine.Engine, interp *command.Interpreter, verifier WebhookVerifier, hub *Hub, log *logger.Logger, cfg Config) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "futures-engine"
	}
	return &Server{engine: eng, sms: interp, verifier: verifier, hub: hub, log: log, cfg: cfg}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	if s.hub != nil {
		r.Get("/api/v1/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Post("/webhook/sms", s.smsWebhook)
		r.Post(mobileMoneyWebhookPath, s.mobileMoneyWebhook)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/crops", s.listCrops)
			r.Get("/quote", s.quote)
			r.Get("/farmers/{phone}/contracts", s.activeContracts)
			r.Get("/farmers/{phone}/transactions", s.transactions)
			r.Post("/farmers/{phone}/deposit", s.deposit)
			r.Post("/farmers/{phone}/withdraw", s.withdraw)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/expire", s.expire)
				r.Post("/farmers/{phone}/seed", s.seed)
				r.Get("/reconciliation", s.reconciliation)
				r.Get("/farmers/{phone}/audit", s.auditWallet)
			})
		})
	})
	return r
}

// requestLogger carries the chi request id into the context logger and
// logs each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := s.log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.log.Debug(s.log.WithFields(ctx, map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}), "http request")
	})
}

// requireAdmin rejects requests without the configured X-Admin-Token. An
// empty token disables the admin routes.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.writeError(w, r, apperr.New(apperr.CodeForbidden, "admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.cfg.ServiceName})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError renders err by its apperr code. Faults are logged with their
// cause; clients only see the public message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	meta := apperr.MetadataFor(code)
	msg := meta.PublicMessage
	if typed := apperr.As(err); typed != nil && meta.Business {
		msg = typed.Message()
	}
	if !meta.Business && code != apperr.CodeReconciliation {
		s.log.Error(r.Context(), "request failed", err)
	}
	writeJSON(w, meta.HTTPStatus, errorBody{Error: msg, Code: string(code)})
}
