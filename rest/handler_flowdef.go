package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/chatdeck/flowengine/flow"
	"github.com/chatdeck/flowengine/logger"
	"github.com/chatdeck/flowengine/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleSaveFlow(w http.ResponseWriter, r *http.Request) {
	var def model.FlowDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid flow definition payload")
		return
	}
	defer r.Body.Close()
	if def.Id == "" || def.TenantId == "" || def.Version == 0 {
		respondWithError(w, http.StatusBadRequest, "id, tenantId and version are required")
		return
	}
	if err := flow.Validate(&def, s.registry); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if def.Status == model.FLOW_STATUS_ACTIVE && def.ActivatedAt.IsZero() {
		def.ActivatedAt = time.Now()
	}
	if err := s.storage.FlowDefs().Save(r.Context(), &def); err != nil {
		logger.Error("error saving flow definition", zap.String("flowId", def.Id), zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, map[string]any{"flowId": def.Id, "version": def.Version})
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flowId := vars["id"]
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "version must be numeric")
		return
	}
	def, err := s.storage.FlowDefs().Get(r.Context(), flowId, version)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}
