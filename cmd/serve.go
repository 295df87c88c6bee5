package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intake-mapper/internal/engine"
	"github.com/sells-group/intake-mapper/internal/trainer"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mapping API and scheduled retraining",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Training.CheckSchedule != "" {
			sched, err := trainer.NewScheduler(env.Trainer, cfg.Training.CheckSchedule)
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(ctx, env, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves the HTTP endpoints. Training started through it lives as long
// as bg.
type api struct {
	env *appEnv
	bg  context.Context
	log *zap.Logger
}

func newRouter(bg context.Context, env *appEnv, allowedOrigins []string) http.Handler {
	a := &api{env: env, bg: bg, log: zap.L().With(zap.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/resolve", a.resolve)
		r.Post("/feedback", a.feedback)
		r.Post("/train", a.train)
		r.Get("/analytics", a.analytics)
		r.Get("/model", a.model)
		r.Get("/schemas", a.schemas)
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if info := a.env.Engine.ModelInfo(); info != nil {
		resp["model_version"] = info.Version
	}
	if a.env.Oracle != nil {
		resp["oracle"] = a.env.Oracle.BreakerState().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DocumentType == "" {
		writeError(w, http.StatusBadRequest, "document_type is required")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	res, err := a.env.Engine.Resolve(r.Context(), req)
	if err != nil {
		a.log.Error("resolve failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) feedback(w http.ResponseWriter, r *http.Request) {
	var req engine.FeedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := a.env.Engine.Feedback(r.Context(), req)
	if errors.Is(err, engine.ErrInvalidFeedback) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.log.Error("feedback failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "feedback could not be recorded")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *api) train(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	err := a.env.Trainer.TrainAsync(a.bg, req.Force)
	if errors.Is(err, trainer.ErrTrainingInProgress) {
		writeError(w, http.StatusConflict, "training already in progress")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "training could not be started")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "force": req.Force})
}

func (a *api) analytics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.env.Engine.Analytics(r.Context())
	if err != nil {
		a.log.Error("analytics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analytics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) model(w http.ResponseWriter, _ *http.Request) {
	info := a.env.Engine.ModelInfo()
	if info == nil {
		writeError(w, http.StatusNotFound, "no model has been trained")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) schemas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"document_types": a.env.Engine.DocumentTypes()})
}
