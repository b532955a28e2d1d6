package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"go.uber.org/zap"
)

func (s *Server) HandleMessageEvent(w http.ResponseWriter, r *http.Request) {
	var msg model.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid message payload")
		return
	}
	defer r.Body.Close()
	if msg.TenantId == "" || msg.ConversationId == "" {
		respondWithError(w, http.StatusBadRequest, "tenantId and conversationId are required")
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	outcome, err := s.scheduler.OnMessage(r.Context(), &msg)
	if err != nil {
		logger.Error("error handling message event",
			zap.String("conversationId", msg.ConversationId),
			zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}

type timerEvent struct {
	TenantId  string `json:"tenantId"`
	SessionId string `json:"sessionId"`
	NodeId    string `json:"nodeId"`
}

func (s *Server) HandleTimerEvent(w http.ResponseWriter, r *http.Request) {
	var ev timerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid timer payload")
		return
	}
	defer r.Body.Close()
	if ev.TenantId == "" || ev.SessionId == "" {
		respondWithError(w, http.StatusBadRequest, "tenantId and sessionId are required")
		return
	}
	outcome, err := s.scheduler.OnTimerFire(r.Context(), ev.TenantId, ev.SessionId, ev.NodeId)
	if err != nil {
		logger.Error("error handling timer event", zap.String("sessionId", ev.SessionId), zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}

func (s *Server) HandleExecuteFlow(w http.ResponseWriter, r *http.Request) {
	var req model.StartFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid execute payload")
		return
	}
	defer r.Body.Close()
	if req.TenantId == "" || req.FlowId == "" || req.ConversationId == "" {
		respondWithError(w, http.StatusBadRequest, "tenantId, flowId and conversationId are required")
		return
	}
	outcome, err := s.scheduler.StartFlow(r.Context(), &req)
	if err != nil {
		logger.Error("error executing flow", zap.String("flowId", req.FlowId), zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}
