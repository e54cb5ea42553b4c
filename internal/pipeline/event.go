package pipeline

// Kind distinguishes the events a run produces.
type Kind int

const (
	// KindStatus reports progress of a stage.
	KindStatus Kind = iota
	// KindContent carries text for the end user, in order.
	KindContent
	// KindError carries the single human-readable message that explains why a
	// run stopped. It is always followed by a terminal failed status.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindContent:
		return "content"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the state a status event reports.
type State string

const (
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// StageDone names the terminal status of a successful run.
const StageDone = "done"

// Status is the payload of a KindStatus event. Done is set on the terminal
// status of a run.
type Status struct {
	Stage       string `json:"stage"`
	State       State  `json:"state"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Event is one item of a run's output.
type Event struct {
	Kind    Kind
	Status  Status
	Content string
}

func statusEvent(stage string, state State, desc string, done bool) Event {
	return Event{Kind: KindStatus, Status: Status{Stage: stage, State: state, Description: desc, Done: done}}
}

func contentEvent(text string) Event {
	return Event{Kind: KindContent, Content: text}
}
