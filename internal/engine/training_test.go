package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPEngine_Train(t *testing.T) {
	var got map[string]string
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/train" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"id":"42-sql"}`)
	})
	defer done()

	id, err := e.Train(context.Background(), TrainingData{Question: "How many artists?", SQL: "SELECT count(*) FROM artists"})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if id != "42-sql" {
		t.Errorf("id = %q", id)
	}
	if got["question"] != "How many artists?" || got["sql"] != "SELECT count(*) FROM artists" {
		t.Errorf("body = %v", got)
	}
	if _, ok := got["ddl"]; ok {
		t.Errorf("unset ddl sent: %v", got)
	}
}

func TestHTTPEngine_RemoveTrainingData(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  error
	}{
		{"removed", `{"success":true}`, nil},
		{"rejected", `{"success":false}`, ErrTrainingRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
				var body struct{ ID string }
				json.NewDecoder(r.Body).Decode(&body)
				gotID = body.ID
				fmt.Fprint(w, tt.reply)
			})
			defer done()

			err := e.RemoveTrainingData(context.Background(), "42-sql")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if gotID != "42-sql" {
				t.Errorf("id sent = %q", gotID)
			}
		})
	}
}

func TestVannaEngine_InitializeTraining(t *testing.T) {
	var method, path string
	e, done := newTestEngine(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		fmt.Fprint(w, `{"success":true}`)
	})
	defer done()
	v := &VannaEngine{http: e, runs: map[string]*remoteRun{}}

	var tr Trainer = v
	if err := tr.InitializeTraining(context.Background()); err != nil {
		t.Fatalf("InitializeTraining: %v", err)
	}
	if method != http.MethodGet || path != "/api/initialize_training" {
		t.Errorf("request = %s %s", method, path)
	}
}
