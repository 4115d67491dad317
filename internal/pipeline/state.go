package pipeline

import (
	"time"

	"github.com/zombor/gastos-import/internal/extraction"
)

// State is the import session state. It is one of Idle, Uploading,
// Succeeded or Failed.
type State interface {
	// Name returns the state's wire name
	Name() string
	isState()
}

// Idle means no submission is in progress. It is the initial and final state.
type Idle struct{}

// Uploading means a submission is waiting for the extraction endpoint
type Uploading struct {
	RequestID string
	FileName  string
	StartedAt time.Time
}

// Succeeded holds an extracted result during the success display interval
type Succeeded struct {
	RequestID string
	Result    extraction.Result
	Message   string
}

// Failed holds the user-facing reason of the last submission's failure
type Failed struct {
	RequestID string
	Kind      extraction.OutcomeKind
	Reason    string
}

func (Idle) Name() string      { return "idle" }
func (Uploading) Name() string { return "uploading" }
func (Succeeded) Name() string { return "succeeded" }
func (Failed) Name() string    { return "failed" }

func (Idle) isState()      {}
func (Uploading) isState() {}
func (Succeeded) isState() {}
func (Failed) isState()    {}
