package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"escrowflow/agent"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/safemath"
)

type ctxKey string

const ctxKeyCaller ctxKey = "caller"

var errBadRequest = errors.New("bad request")

// Server exposes the registry and the escrow state machine over HTTP.
type Server struct {
	agentService   *agent.Service
	escrowService  *escrow.Service
	disputeService *dispute.Service
	authService    *auth.Service
	corsOrigins    []string
	log            logrus.FieldLogger
}

func (s *Server) logger() logrus.FieldLogger {
	if s.log == nil {
		return logrus.StandardLogger()
	}
	return s.log
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/api/auth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.requireCaller)

		r.Post("/api/agents", s.handleRegisterAgent)
		r.Get("/api/agents/{key}", s.handleAgent)
		r.Get("/api/agents/{key}/transfers", s.handleAgentTransfers)
		r.Patch("/api/agents/{key}/split", s.handleConfigureSplit)
		r.Post("/api/agents/{key}/withdraw", s.handleWithdraw)

		r.Post("/api/jobs", s.handleCreateJob)
		r.Get("/api/jobs", s.handleListJobs)
		r.Get("/api/jobs/{jobId}", s.handleJob)
		r.Post("/api/jobs/{jobId}/{action}", s.handleJobAction)

		r.Get("/api/disputes", s.handleDisputes)
	})

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}).Handler(r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// requireCaller verifies the bearer token and stores its subject as the caller.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) (identity.Key, bool) {
	caller, ok := r.Context().Value(ctxKeyCaller).(identity.Key)
	return caller, ok && !caller.IsZero()
}

// requestCaller writes 401 and returns false when no caller is attached.
func requestCaller(w http.ResponseWriter, r *http.Request) (identity.Key, bool) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return caller, ok
}

// decodeJSON decodes an optional JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger().WithError(err).Error("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, agent.ErrNameEmpty),
		errors.Is(err, agent.ErrNameTooLong),
		errors.Is(err, agent.ErrSplitTooHigh),
		errors.Is(err, escrow.ErrJobIDEmpty),
		errors.Is(err, escrow.ErrJobIDTooLong),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidTimeout),
		errors.Is(err, identity.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, agent.ErrUnauthorized),
		errors.Is(err, escrow.ErrInvalidWorker),
		errors.Is(err, escrow.ErrInvalidRequester),
		errors.Is(err, escrow.ErrInvalidCreator):
		return http.StatusForbidden
	case errors.Is(err, agent.ErrNotFound),
		errors.Is(err, escrow.ErrJobNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidJobStatus),
		errors.Is(err, escrow.ErrJobExists),
		errors.Is(err, escrow.ErrDeadlineNotReached),
		errors.Is(err, agent.ErrAgentExists),
		errors.Is(err, dispute.ErrNotDisputed),
		errors.Is(err, ledger.ErrKeyExists):
		return http.StatusConflict
	case errors.Is(err, agent.ErrInsufficientFunds),
		errors.Is(err, agent.ErrNothingToWithdraw),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, safemath.ErrOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
