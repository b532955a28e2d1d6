package rest

import (
	"net/http"

	"github.com/chatdeck/flowengine/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantId := r.Header.Get(tenantHeader)
	sessionId := mux.Vars(r)["id"]
	if tenantId == "" {
		respondWithError(w, http.StatusBadRequest, tenantHeader+" header is required")
		return
	}
	sess, err := s.storage.Sessions().Get(r.Context(), tenantId, sessionId)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sess)
}

func (s *Server) HandleGetSessionSteps(w http.ResponseWriter, r *http.Request) {
	tenantId := r.Header.Get(tenantHeader)
	sessionId := mux.Vars(r)["id"]
	if tenantId == "" {
		respondWithError(w, http.StatusBadRequest, tenantHeader+" header is required")
		return
	}
	// The session lookup enforces tenant scoping before the step log is
	// exposed.
	if _, err := s.storage.Sessions().Get(r.Context(), tenantId, sessionId); err != nil {
		respondWithEngineError(w, err)
		return
	}
	steps, err := s.storage.Steps().List(r.Context(), sessionId)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, steps)
}

func (s *Server) HandlePauseSession(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, "pause")
}

func (s *Server) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, "resume")
}

func (s *Server) HandleAbandonSession(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, "abandon")
}

func (s *Server) sessionControl(w http.ResponseWriter, r *http.Request, op string) {
	tenantId := r.Header.Get(tenantHeader)
	sessionId := mux.Vars(r)["id"]
	if tenantId == "" {
		respondWithError(w, http.StatusBadRequest, tenantHeader+" header is required")
		return
	}
	var (
		outcome any
		err     error
	)
	switch op {
	case "pause":
		outcome, err = s.scheduler.Pause(r.Context(), tenantId, sessionId)
	case "resume":
		outcome, err = s.scheduler.Resume(r.Context(), tenantId, sessionId)
	case "abandon":
		outcome, err = s.scheduler.Abandon(r.Context(), tenantId, sessionId)
	}
	if err != nil {
		logger.Error("error in session control",
			zap.String("op", op),
			zap.String("sessionId", sessionId),
			zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}
