package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Check names one collaborator to probe at startup.
type Check struct {
	Name  string
	Probe Prober
}

// EnsureReady probes every check and writes one status line per check to w.
// It returns an error naming each unreachable collaborator, but callers may
// choose to start anyway since both services are remote.
func EnsureReady(ctx context.Context, w io.Writer, checks ...Check) error {
	var errs []error
	for _, c := range checks {
		if c.Probe == nil {
			continue
		}
		if c.Probe.IsRunning(ctx) {
			fmt.Fprintf(w, "%s: ready\n", c.Name)
			continue
		}
		fmt.Fprintf(w, "%s: unreachable\n", c.Name)
		errs = append(errs, fmt.Errorf("%s is not reachable", c.Name))
	}
	return errors.Join(errs...)
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) IsRunning(ctx context.Context) bool { return f(ctx) }
