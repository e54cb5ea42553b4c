package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nichiyoo/open-webui-vanna/internal/engine"
)

func handleTrain(tr engine.Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var td engine.TrainingData
		if err := json.NewDecoder(r.Body).Decode(&td); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		if td.Empty() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of question, sql, ddl or documentation is required")
			return
		}
		id, err := tr.Train(r.Context(), td)
		if err != nil {
			writeTrainingError(w, err)
			return
		}
		writeJSON(w, map[string]string{"id": id})
	}
}

func handleRemoveTrainingData(tr engine.Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		if strings.TrimSpace(body.ID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}
		if err := tr.RemoveTrainingData(r.Context(), body.ID); err != nil {
			writeTrainingError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"success": true})
	}
}

func handleInitializeTraining(tr engine.Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := tr.InitializeTraining(r.Context()); err != nil {
			writeTrainingError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"success": true})
	}
}

func writeTrainingError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrTrainingRejected) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	writeQuestionError(w, err)
}
