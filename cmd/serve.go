package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hitlai/testops-cli/internal/engine"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the test lifecycle API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background reconciliation: sweep stuck runs, reclaim expired
		// rate windows.
		go env.Watchdog.Run(ctx)
		cleanupEvery := time.Duration(cfg.RateLimit.CleanupIntervalMins) * time.Minute
		if cleanupEvery <= 0 {
			cleanupEvery = time.Hour
		}
		go env.Limiter.RunCleanup(ctx, cleanupEvery)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/api", func(r chi.Router) {
			r.Post("/test-runs", handleCreateRun(env))
			r.Get("/test-runs", handleListRuns(env))
			r.Get("/test-runs/{id}", handleGetRun(env))
			r.Post("/test-runs/{id}/start", handleStartRun(env))
			r.Post("/test-runs/{id}/result", handleReportResult(env))
			r.Post("/test-runs/{id}/rate", handleRate(env))
			r.Post("/test-runs/{id}/dispute", handleOpenDispute(env))
			r.Post("/disputes/{id}/resolve", handleResolveDispute(env))
			r.Get("/companies/{id}/balance", handleBalance(env))
			r.Get("/training/stats", handleTrainingStats(env))
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func handleCreateRun(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p engine.CreateParams
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid request body"))
			return
		}
		run, err := env.Engine.CreateTestRun(r.Context(), p)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	}
}

func handleListRuns(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		runs, err := env.Engine.ListRuns(r.Context(), store.RunFilter{
			Status:    model.RunStatus(q.Get("status")),
			CompanyID: q.Get("company_id"),
			Limit:     limit,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func handleGetRun(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := env.Engine.GetRun(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleStartRun(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := env.Engine.StartExecution(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	}
}

func handleReportResult(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SentimentScore float64         `json:"sentiment_score"`
			Findings       []model.Finding `json:"findings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid request body"))
			return
		}
		run, err := env.Engine.ReportExecutionResult(r.Context(), chi.URLParam(r, "id"), body.SentimentScore, body.Findings)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleRate(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Rating   int    `json:"rating"`
			Feedback string `json:"feedback"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid request body"))
			return
		}
		if err := env.Engine.SubmitRating(r.Context(), chi.URLParam(r, "id"), body.Rating, body.Feedback); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rating": body.Rating})
	}
}

func handleOpenDispute(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid request body"))
			return
		}
		d, err := env.Disputes.Open(r.Context(), chi.URLParam(r, "id"), body.Reason)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	}
}

func handleResolveDispute(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AIWasCorrect  bool            `json:"ai_was_correct"`
			HumanFindings []model.Finding `json:"human_findings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid request body"))
			return
		}
		res, err := env.Disputes.Resolve(r.Context(), chi.URLParam(r, "id"), body.AIWasCorrect, body.HumanFindings)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleBalance(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		companyID := chi.URLParam(r, "id")
		balance, err := env.Ledger.Balance(r.Context(), companyID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"company_id": companyID, "balance": balance})
	}
}

func handleTrainingStats(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := env.Training.Stats(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// writeEngineError maps the engine/store error taxonomy onto status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		verr *engine.ValidationError
		qerr *engine.QuotaExceededError
		rerr *engine.RateLimitedError
		serr *engine.InvalidStateError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errBody(verr.Error()))
	case errors.As(err, &qerr):
		writeJSON(w, http.StatusForbidden, errBody(qerr.Error()))
	case errors.As(err, &rerr):
		w.Header().Set("X-RateLimit-Reset", rerr.ResetAt.UTC().Format(time.RFC3339))
		writeJSON(w, http.StatusTooManyRequests, errBody(rerr.Error()))
	case errors.As(err, &serr):
		writeJSON(w, http.StatusConflict, errBody(serr.Error()))
	case eris.Is(err, store.ErrDuplicateDispute):
		writeJSON(w, http.StatusConflict, errBody("an active dispute already exists for this run"))
	case eris.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errBody("not found"))
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errBody("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
