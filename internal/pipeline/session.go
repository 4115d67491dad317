package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/gastos-import/internal/credentials"
	"github.com/zombor/gastos-import/internal/extraction"
	"github.com/zombor/gastos-import/internal/handoff"
	"github.com/zombor/gastos-import/internal/intake"
	"github.com/zombor/gastos-import/internal/preview"
	"github.com/zombor/gastos-import/internal/store"
)

// DefaultDisplayInterval is how long a success stays visible before the
// result is handed off and the session returns to Idle
const DefaultDisplayInterval = 1500 * time.Millisecond

// MessageHandOffFailed is shown when the result could not be stored for the form
const MessageHandOffFailed = "No se pudieron transferir los datos al formulario. Por favor intente nuevamente."

var (
	// ErrSubmissionInFlight is returned when a submission is uploading or
	// handing off, and when closing while uploading
	ErrSubmissionInFlight = errors.New("a submission is already in progress")

	// ErrStaleResponse is returned when the session was reset while the
	// submission was in flight. Its response was discarded.
	ErrStaleResponse = errors.New("session was reset before the response arrived")
)

// Transport uploads a file for extraction
type Transport interface {
	Submit(ctx context.Context, f intake.File, token string) (*extraction.Result, error)
}

// Recorder stores the history of resolved submissions
type Recorder interface {
	SaveImport(record *store.ImportRecord) error
}

// IDGenerator generates request IDs
type IDGenerator interface {
	Generate() string
}

// Timer is a pending call scheduled by a Clock
type Timer interface {
	Stop() bool
}

// Clock provides the current time and delayed calls
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultClock uses the time package
type defaultClock struct{}

func (c *defaultClock) Now() time.Time {
	return time.Now()
}

func (c *defaultClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config holds the optional behavior of a Session
type Config struct {
	// DisplayInterval defaults to DefaultDisplayInterval
	DisplayInterval time.Duration

	// Previews renders image previews; nil uses a default Generator
	Previews *preview.Generator

	// Recorder, if set, receives one record per submission that failed or
	// was handed off. Abandoned submissions are not recorded.
	Recorder Recorder

	// OnComplete is called after a result was handed off, outside the
	// session lock. It is where the import surface gets closed.
	OnComplete func(result extraction.Result)

	// OnTransition is called with every new state while the session lock
	// is held. It must not call back into the Session.
	OnTransition func(state State)
}

// Session is one open import surface. It owns at most one submission at a
// time and moves through Idle, Uploading, Succeeded/Failed and back to Idle.
type Session struct {
	cfg         Config
	transport   Transport
	credentials credentials.Provider
	slot        handoff.Slot
	previews    *preview.Generator
	idGenerator IDGenerator
	clock       Clock
	inflight    *semaphore.Weighted

	mu        sync.Mutex
	state     State
	requestID string
	preview   *preview.Preview
	timer     Timer
	pending   chan struct{}

	// pendingRecord is the history entry of a success awaiting hand-off
	pendingRecord *store.ImportRecord
}

// NewSession creates a Session with default ID generator and clock
func NewSession(cfg Config, transport Transport, creds credentials.Provider, slot handoff.Slot) *Session {
	return NewSessionWithDeps(cfg, transport, creds, slot, &defaultIDGenerator{}, &defaultClock{})
}

// NewSessionWithDeps creates a Session with custom dependencies for testing
func NewSessionWithDeps(cfg Config, transport Transport, creds credentials.Provider, slot handoff.Slot, idGen IDGenerator, clock Clock) *Session {
	if cfg.DisplayInterval <= 0 {
		cfg.DisplayInterval = DefaultDisplayInterval
	}
	previews := cfg.Previews
	if previews == nil {
		previews = preview.NewGenerator(0)
	}
	return &Session{
		cfg:         cfg,
		transport:   transport,
		credentials: creds,
		slot:        slot,
		previews:    previews,
		idGenerator: idGen,
		clock:       clock,
		inflight:    semaphore.NewWeighted(1),
		state:       Idle{},
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Preview returns the preview of the current submission, when one is ready
func (s *Session) Preview() (string, bool) {
	s.mu.Lock()
	p := s.preview
	s.mu.Unlock()
	return p.DataURL()
}

// Submit validates the first of files and uploads it. Extra files are ignored.
//
// Validation errors (*intake.ValidationError) leave the state untouched and
// never reach the network. Otherwise the session goes through Uploading to
// Succeeded or Failed, and the returned error is nil, extraction.ErrNoSession,
// *extraction.ServiceRejection or *extraction.TransportError.
func (s *Session) Submit(ctx context.Context, files ...intake.File) (State, error) {
	f, err := intake.Select(files)
	if err != nil {
		return s.State(), err
	}
	if err := intake.Validate(f); err != nil {
		slog.Info("Rejected file at intake", "filename", f.Name, "content_type", f.ContentType, "size", f.Size, "error", err)
		return s.State(), err
	}

	if !s.inflight.TryAcquire(1) {
		return s.State(), ErrSubmissionInFlight
	}
	defer s.inflight.Release(1)

	s.mu.Lock()
	if _, ok := s.state.(Succeeded); ok {
		s.mu.Unlock()
		return s.State(), ErrSubmissionInFlight
	}
	s.discardPreviewLocked()
	id := s.idGenerator.Generate()
	s.requestID = id
	s.preview = s.previews.Start(context.Background(), f)
	s.setStateLocked(Uploading{RequestID: id, FileName: f.Name, StartedAt: s.clock.Now()})
	s.mu.Unlock()

	slog.Info("Submitting document", "request_id", id, "filename", f.Name, "content_type", f.ContentType, "size", f.Size)

	var result *extraction.Result
	token, ok := s.credentials.Token()
	if !ok {
		err = extraction.ErrNoSession
	} else {
		result, err = s.transport.Submit(ctx, f, token)
	}
	outcome := extraction.Interpret(result, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.requestID != id {
		slog.Info("Ignoring response for a reset session", "request_id", id, "outcome", outcome.Kind.String())
		return s.state, ErrStaleResponse
	}

	if outcome.Succeeded() {
		slog.Info("Document extracted", "request_id", id, "confidence", outcome.Result.Confidence)
		state := Succeeded{RequestID: id, Result: *outcome.Result, Message: outcome.Message}
		s.setStateLocked(state)
		s.pendingRecord = s.newRecord(id, f, outcome)
		s.pending = make(chan struct{})
		s.timer = s.clock.AfterFunc(s.cfg.DisplayInterval, func() {
			s.completeHandOff(id)
		})
		return state, nil
	}

	slog.Warn("Document import failed", "request_id", id, "outcome", outcome.Kind.String(), "error", outcome.Err)
	state := Failed{RequestID: id, Kind: outcome.Kind, Reason: outcome.Message}
	s.setStateLocked(state)
	s.saveRecordLocked(s.newRecord(id, f, outcome))
	return state, outcome.Err
}

// Acknowledge finishes a pending success immediately instead of waiting for
// the display interval. It is a no-op in any other state.
func (s *Session) Acknowledge() {
	s.mu.Lock()
	id := s.requestID
	_, ok := s.state.(Succeeded)
	s.mu.Unlock()
	if ok {
		s.completeHandOff(id)
	}
}

// Dismiss clears a failure and returns to Idle
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.(Failed); !ok {
		return
	}
	s.discardPreviewLocked()
	s.setStateLocked(Idle{})
}

// Close closes the import surface. It is refused while uploading. A pending
// success is handed off right away; anything else is cleared.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state.(type) {
	case Uploading:
		s.mu.Unlock()
		return ErrSubmissionInFlight
	case Succeeded:
		id := s.requestID
		s.mu.Unlock()
		s.completeHandOff(id)
		return nil
	}
	defer s.mu.Unlock()
	s.discardPreviewLocked()
	if _, ok := s.state.(Idle); !ok {
		s.setStateLocked(Idle{})
	}
	return nil
}

// Reset abandons the session unconditionally. An in-flight response that
// arrives later is ignored and a pending success is not handed off. The
// request itself is not aborted.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestID = ""
	s.pendingRecord = nil
	s.stopTimerLocked()
	s.discardPreviewLocked()
	s.finishPendingLocked()
	if _, ok := s.state.(Idle); !ok {
		s.setStateLocked(Idle{})
	}
}

// Wait blocks until a pending hand-off has finished and returns the state
func (s *Session) Wait(ctx context.Context) (State, error) {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return s.State(), ctx.Err()
		}
	}
	return s.State(), nil
}

// completeHandOff pushes the successful result of request id into the slot
// and returns to Idle
func (s *Session) completeHandOff(id string) {
	s.mu.Lock()
	state, ok := s.state.(Succeeded)
	if !ok || s.requestID != id {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	record := s.pendingRecord
	s.pendingRecord = nil

	if err := s.slot.Push(state.Result); err != nil {
		slog.Error("Failed to hand off extraction result", "request_id", id, "error", err)
		s.setStateLocked(Failed{RequestID: id, Kind: extraction.OutcomeTransportError, Reason: MessageHandOffFailed})
		if record != nil {
			record.Status = store.StatusError
			record.Message = MessageHandOffFailed
			s.saveRecordLocked(record)
		}
		s.finishPendingLocked()
		s.mu.Unlock()
		return
	}

	slog.Info("Handed off extraction result", "request_id", id)
	s.saveRecordLocked(record)
	s.discardPreviewLocked()
	s.setStateLocked(Idle{})
	s.finishPendingLocked()
	onComplete := s.cfg.OnComplete
	s.mu.Unlock()

	if onComplete != nil {
		onComplete(state.Result)
	}
}

func (s *Session) newRecord(id string, f intake.File, outcome extraction.Outcome) *store.ImportRecord {
	record := &store.ImportRecord{
		ID:        id,
		FileName:  f.Name,
		Kind:      f.Kind(),
		Status:    store.StatusError,
		Message:   outcome.Message,
		CreatedAt: s.clock.Now(),
	}
	if outcome.Succeeded() {
		record.Status = store.StatusProcessed
		record.Amount = outcome.Result.Amount
		record.Merchant = outcome.Result.Merchant
	}
	return record
}

func (s *Session) saveRecordLocked(record *store.ImportRecord) {
	if s.cfg.Recorder == nil || record == nil {
		return
	}
	if err := s.cfg.Recorder.SaveImport(record); err != nil {
		slog.Warn("Failed to record import", "request_id", record.ID, "error", err)
	}
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(state)
	}
}

func (s *Session) discardPreviewLocked() {
	s.preview.Discard()
	s.preview = nil
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) finishPendingLocked() {
	if s.pending != nil {
		close(s.pending)
		s.pending = nil
	}
}
