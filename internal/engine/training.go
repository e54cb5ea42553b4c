package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/nichiyoo/open-webui-vanna/internal/fault"
)

// TrainingData is one example the engine learns from. Any combination of
// fields may be set.
type TrainingData struct {
	Question      string `json:"question,omitempty"`
	SQL           string `json:"sql,omitempty"`
	DDL           string `json:"ddl,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// Empty reports whether td carries nothing to learn from.
func (td TrainingData) Empty() bool {
	return td == TrainingData{}
}

// Trainer is implemented by engines whose SQL generation can be taught.
type Trainer interface {
	// Train stores td and returns the id the engine filed it under.
	Train(ctx context.Context, td TrainingData) (string, error)

	// RemoveTrainingData deletes the example filed under id.
	RemoveTrainingData(ctx context.Context, id string) error

	// InitializeTraining loads the engine's built-in training set.
	InitializeTraining(ctx context.Context) error
}

// ErrTrainingRejected is returned when the engine answers a training call
// with success=false.
var ErrTrainingRejected = errors.New("engine rejected the training request")

// Train calls POST /api/train.
func (e *HTTPEngine) Train(ctx context.Context, td TrainingData) (string, error) {
	var resp struct {
		ID *string `json:"id"`
	}
	if err := e.do(ctx, http.MethodPost, "/api/train", td, &resp); err != nil {
		return "", err
	}
	if resp.ID == nil || *resp.ID == "" {
		return "", &fault.MalformedResponseError{Service: serviceName, Fields: []string{"id"}}
	}
	return *resp.ID, nil
}

// RemoveTrainingData calls POST /api/remove_training_data.
func (e *HTTPEngine) RemoveTrainingData(ctx context.Context, id string) error {
	return e.expectSuccess(ctx, http.MethodPost, "/api/remove_training_data", map[string]string{"id": id})
}

// InitializeTraining calls GET /api/initialize_training.
func (e *HTTPEngine) InitializeTraining(ctx context.Context) error {
	return e.expectSuccess(ctx, http.MethodGet, "/api/initialize_training", nil)
}

func (e *HTTPEngine) expectSuccess(ctx context.Context, method, path string, in any) error {
	var resp struct {
		Success *bool `json:"success"`
	}
	if err := e.do(ctx, method, path, in, &resp); err != nil {
		return err
	}
	if resp.Success == nil {
		return &fault.MalformedResponseError{Service: serviceName, Fields: []string{"success"}}
	}
	if !*resp.Success {
		return ErrTrainingRejected
	}
	return nil
}
