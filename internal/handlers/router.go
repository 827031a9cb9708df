package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/config"
	"bank-reconciliation/internal/locking"
	"bank-reconciliation/internal/services"
)

func SetupRouter(db *sql.DB, cfg *config.Config, locker locking.Locker, logger *logrus.Logger) *mux.Router {
	repos := services.NewRepositories()
	validate := validator.New()

	sessions := NewReconciliationHandler(
		services.NewReconciliationService(db, locker, repos, logger),
		services.NewReportService(db, repos, logger),
		validate,
		logger,
	)
	entries := NewEntryHandler(
		services.NewEntryService(db, locker, repos, logger),
		services.NewDataIngestionService(db, locker, repos, logger),
		validate,
		logger,
	)
	matches := NewMatchHandler(
		services.NewMatchService(db, locker, repos, cfg.Reconciliation, logger),
		validate,
		logger,
	)

	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()

	api.Use(loggingMiddleware(logger))
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/sessions", sessions.CreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", sessions.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", sessions.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/complete", sessions.CompleteSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/lock", sessions.LockSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/audit", sessions.GetAuditTrail).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/report", sessions.GetReport).Methods(http.MethodGet)

	api.HandleFunc("/sessions/{id}/entries", entries.AddEntry).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/entries", entries.ListEntries).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/import", entries.ImportEntries).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/import/file", entries.ImportFile).Methods(http.MethodPost)
	api.HandleFunc("/entries/{id}", entries.GetEntry).Methods(http.MethodGet)
	api.HandleFunc("/entries/{id}", entries.UpdateEntry).Methods(http.MethodPatch)
	api.HandleFunc("/entries/{id}", entries.RemoveEntry).Methods(http.MethodDelete)

	api.HandleFunc("/sessions/{id}/matches", matches.CreateMatch).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/bulk-match", matches.BulkMatch).Methods(http.MethodPost)
	api.HandleFunc("/entries/{id}/match", matches.Unmatch).Methods(http.MethodDelete)

	router.HandleFunc("/health", healthCheckHandler(db)).Methods(http.MethodGet)

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
				"user":     r.Header.Get(userHeader),
			}).Info("request")
		})
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func healthCheckHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
			})
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
		})
	}
}
