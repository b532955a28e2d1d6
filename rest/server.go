package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chatdeck/flowengine/engine"
	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/chatdeck/flowengine/node"
	"github.com/chatdeck/flowengine/persistence"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const tenantHeader = "X-Tenant-Id"

type Server struct {
	http.Server
	Port      int
	scheduler *engine.Scheduler
	storage   persistence.Storage
	registry  *node.Registry
}

func NewServer(httpPort int, scheduler *engine.Scheduler, storage persistence.Storage, registry *node.Registry) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		scheduler: scheduler,
		storage:   storage,
		registry:  registry,
		Port:      httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/metadata/flow", s.HandleSaveFlow).Methods(http.MethodPost)
	router.HandleFunc("/metadata/flow/{id}/{version}", s.HandleGetFlow).Methods(http.MethodGet)

	router.HandleFunc("/flow/execute", s.HandleExecuteFlow).Methods(http.MethodPost)

	router.HandleFunc("/event/message", s.HandleMessageEvent).Methods(http.MethodPost)
	router.HandleFunc("/event/timer", s.HandleTimerEvent).Methods(http.MethodPost)

	router.HandleFunc("/session/{id}", s.HandleGetSession).Methods(http.MethodGet)
	router.HandleFunc("/session/{id}/steps", s.HandleGetSessionSteps).Methods(http.MethodGet)
	router.HandleFunc("/session/{id}/pause", s.HandlePauseSession).Methods(http.MethodPost)
	router.HandleFunc("/session/{id}/resume", s.HandleResumeSession).Methods(http.MethodPost)
	router.HandleFunc("/session/{id}/abandon", s.HandleAbandonSession).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithEngineError maps engine errors onto status codes: a held
// conversation lock is a retryable 409, a missing entity a 404.
func respondWithEngineError(w http.ResponseWriter, err error) {
	var busy model.ConcurrencyError
	if errors.As(err, &busy) {
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	var nf persistence.NotFoundError
	if errors.As(err, &nf) {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithError(w, http.StatusInternalServerError, err.Error())
}
