package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func probe(running bool) ProbeFunc {
	return func(context.Context) bool { return running }
}

func TestEnsureReady_AllReachable(t *testing.T) {
	var out bytes.Buffer
	err := EnsureReady(context.Background(), &out,
		Check{Name: "engine", Probe: probe(true)},
		Check{Name: "completion service", Probe: probe(true)},
	)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	want := "engine: ready\ncompletion service: ready\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestEnsureReady_ReportsEveryUnreachable(t *testing.T) {
	var out bytes.Buffer
	err := EnsureReady(context.Background(), &out,
		Check{Name: "engine", Probe: probe(false)},
		Check{Name: "database", Probe: probe(true)},
		Check{Name: "completion service", Probe: probe(false)},
	)
	if err == nil {
		t.Fatal("expected error when collaborators are down")
	}
	for _, name := range []string{"engine", "completion service"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
	if strings.Contains(err.Error(), "database") {
		t.Errorf("error %q names a reachable collaborator", err)
	}
}

func TestEnsureReady_SkipsNilProbe(t *testing.T) {
	var out bytes.Buffer
	if err := EnsureReady(context.Background(), &out, Check{Name: "executor"}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want nothing", out.String())
	}
}
