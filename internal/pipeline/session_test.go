package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/gastos-import/internal/credentials"
	"github.com/zombor/gastos-import/internal/extraction"
	"github.com/zombor/gastos-import/internal/handoff"
	"github.com/zombor/gastos-import/internal/intake"
	"github.com/zombor/gastos-import/internal/store"
)

func TestPipeline(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipeline Suite")
}

// mockTransport is a mock implementation of Transport
type mockTransport struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	result  *extraction.Result
	err     error
	release chan struct{}
}

func (m *mockTransport) Submit(ctx context.Context, f intake.File, token string) (*extraction.Result, error) {
	m.mu.Lock()
	m.calls++
	m.tokens = append(m.tokens, token)
	release := m.release
	result, err := m.result, m.err
	m.mu.Unlock()

	if release != nil {
		<-release
	}
	return result, err
}

func (m *mockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockTransport) respond(result *extraction.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result, m.err = result, err
}

// mockSlot is a handoff.Slot that can fail
type mockSlot struct {
	*handoff.Memory
	pushErr error
}

func (m *mockSlot) Push(r extraction.Result) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	return m.Memory.Push(r)
}

// mockRecorder is a mock implementation of Recorder
type mockRecorder struct {
	mu      sync.Mutex
	records []*store.ImportRecord
}

func (m *mockRecorder) SaveImport(record *store.ImportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *mockRecorder) Records() []*store.ImportRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.ImportRecord(nil), m.records...)
}

// sequenceIDGenerator returns req-1, req-2, ...
type sequenceIDGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *sequenceIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "req-" + string(rune('0'+g.n))
}

// manualClock fires scheduled calls only when told to
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	delay   time.Duration
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f, delay: d}
	c.timers = append(c.timers, t)
	return t
}

// Fire runs every scheduled call that was not stopped
func (c *manualClock) Fire() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		stopped := t.stopped
		t.stopped = true
		t.mu.Unlock()
		if !stopped {
			t.f()
		}
	}
}

func (c *manualClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	delays := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		delays = append(delays, t.delay)
	}
	return delays
}

// transitionLog records state names in order
type transitionLog struct {
	mu    sync.Mutex
	names []string
}

func (l *transitionLog) Record(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, state.Name())
}

func (l *transitionLog) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func pngFile(name string) intake.File {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)))).To(Succeed())
	return intake.NewFile(name, buf.Bytes(), "image/png")
}

func extractedResult() *extraction.Result {
	return &extraction.Result{
		Amount:       decimal.NewNullDecimal(decimal.RequireFromString("250.50")),
		Description:  "",
		Merchant:     "Test Store",
		CurrencyCode: "ARS",
		Confidence:   0.82,
	}
}

var _ = Describe("Session", func() {
	var (
		transport   *mockTransport
		provider    credentials.Provider
		slot        *mockSlot
		recorder    *mockRecorder
		clock       *manualClock
		transitions *transitionLog
		completed   []extraction.Result
		completedMu sync.Mutex
		session     *Session
		ctx         context.Context
	)

	completedResults := func() []extraction.Result {
		completedMu.Lock()
		defer completedMu.Unlock()
		return append([]extraction.Result(nil), completed...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		transport = &mockTransport{result: extractedResult()}
		provider = credentials.Static("secret-token")
		slot = &mockSlot{Memory: handoff.NewMemory()}
		recorder = &mockRecorder{}
		clock = &manualClock{now: time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)}
		transitions = &transitionLog{}
		completed = nil
	})

	JustBeforeEach(func() {
		session = NewSessionWithDeps(Config{
			Recorder:     recorder,
			OnTransition: transitions.Record,
			OnComplete: func(r extraction.Result) {
				completedMu.Lock()
				defer completedMu.Unlock()
				completed = append(completed, r)
			},
		}, transport, provider, slot, &sequenceIDGenerator{}, clock)
	})

	It("starts idle", func() {
		Expect(session.State()).To(Equal(Idle{}))
	})

	Describe("a successful 5MB JPEG", func() {
		var (
			state State
			err   error
		)

		JustBeforeEach(func() {
			file := intake.NewFile("ticket.jpg", make([]byte, 5<<20), "image/jpeg")
			state, err = session.Submit(ctx, file)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("goes through Uploading to Succeeded", func() {
			Expect(state).To(BeAssignableToTypeOf(Succeeded{}))
			Expect(transitions.Names()).To(Equal([]string{"uploading", "succeeded"}))
		})

		It("sends the session token once", func() {
			Expect(transport.Calls()).To(Equal(1))
			Expect(transport.tokens).To(Equal([]string{"secret-token"}))
		})

		It("keeps the extracted fields unaltered", func() {
			succeeded := state.(Succeeded)
			Expect(succeeded.Result.Merchant).To(Equal("Test Store"))
			Expect(succeeded.Result.Confidence).To(Equal(0.82))
			Expect(succeeded.Message).To(Equal(extraction.MessageExtracted))
		})

		It("does not hand off before the display interval", func() {
			r, _ := slot.TakeAndClear()
			Expect(r).To(BeNil())
			Expect(clock.Delays()).To(Equal([]time.Duration{DefaultDisplayInterval}))
		})

		When("the display interval elapses", func() {
			JustBeforeEach(func() {
				clock.Fire()
			})

			It("returns to Idle", func() {
				Expect(session.State()).To(Equal(Idle{}))
				Expect(transitions.Names()).To(Equal([]string{"uploading", "succeeded", "idle"}))
			})

			It("fills the hand-off slot", func() {
				r, err := slot.TakeAndClear()
				Expect(err).NotTo(HaveOccurred())
				Expect(r).NotTo(BeNil())
				Expect(r.Amount.Decimal.String()).To(Equal("250.5"))
			})

			It("signals completion", func() {
				Expect(completedResults()).To(HaveLen(1))
			})
		})

		It("records nothing before the hand-off", func() {
			Expect(recorder.Records()).To(BeEmpty())
		})

		It("records the import as processed once handed off", func() {
			clock.Fire()
			records := recorder.Records()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(store.StatusProcessed))
			Expect(records[0].Kind).To(Equal("Imagen"))
			Expect(records[0].Merchant).To(Equal("Test Store"))
		})

		It("refuses another submission until handed off", func() {
			_, err := session.Submit(ctx, pngFile("other.png"))
			Expect(err).To(MatchError(ErrSubmissionInFlight))
			Expect(transport.Calls()).To(Equal(1))
		})

		When("the surface is closed before the interval", func() {
			JustBeforeEach(func() {
				Expect(session.Close()).To(Succeed())
			})

			It("hands off immediately", func() {
				Expect(session.State()).To(Equal(Idle{}))
				r, _ := slot.TakeAndClear()
				Expect(r).NotTo(BeNil())
			})

			It("does not hand off twice when the timer fires", func() {
				_, _ = slot.TakeAndClear()
				clock.Fire()
				r, _ := slot.TakeAndClear()
				Expect(r).To(BeNil())
				Expect(completedResults()).To(HaveLen(1))
			})
		})

		When("the success is acknowledged", func() {
			JustBeforeEach(func() {
				session.Acknowledge()
			})

			It("hands off immediately", func() {
				Expect(session.State()).To(Equal(Idle{}))
				r, _ := slot.TakeAndClear()
				Expect(r).NotTo(BeNil())
			})
		})

		When("the session is reset before the interval", func() {
			JustBeforeEach(func() {
				session.Reset()
				clock.Fire()
			})

			It("does not hand off", func() {
				Expect(session.State()).To(Equal(Idle{}))
				r, _ := slot.TakeAndClear()
				Expect(r).To(BeNil())
				Expect(completedResults()).To(BeEmpty())
			})

			It("does not record the import", func() {
				Expect(recorder.Records()).To(BeEmpty())
			})
		})

		When("the slot cannot store the result", func() {
			BeforeEach(func() {
				slot.pushErr = errors.New("disk full")
			})

			JustBeforeEach(func() {
				clock.Fire()
			})

			It("fails the session", func() {
				failed, ok := session.State().(Failed)
				Expect(ok).To(BeTrue())
				Expect(failed.Reason).To(Equal(MessageHandOffFailed))
				Expect(completedResults()).To(BeEmpty())
			})

			It("records the import as an error", func() {
				records := recorder.Records()
				Expect(records).To(HaveLen(1))
				Expect(records[0].Status).To(Equal(store.StatusError))
				Expect(records[0].Message).To(Equal(MessageHandOffFailed))
			})
		})
	})

	Describe("a 25MB PDF", func() {
		var err error

		JustBeforeEach(func() {
			file := intake.File{Name: "resumen.pdf", ContentType: "application/pdf", Size: 25 << 20}
			_, err = session.Submit(ctx, file)
		})

		It("is rejected as too large", func() {
			var verr *intake.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Reason).To(Equal(intake.ReasonTooLarge))
		})

		It("never calls the transport", func() {
			Expect(transport.Calls()).To(BeZero())
		})

		It("leaves the session idle", func() {
			Expect(session.State()).To(Equal(Idle{}))
			Expect(transitions.Names()).To(BeEmpty())
			Expect(recorder.Records()).To(BeEmpty())
		})
	})

	Describe("an unsupported file", func() {
		It("is rejected without a network call", func() {
			_, err := session.Submit(ctx, intake.NewFile("notes.txt", []byte("hi"), "text/plain"))
			var verr *intake.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Reason).To(Equal(intake.ReasonUnsupportedType))
			Expect(transport.Calls()).To(BeZero())
		})
	})

	Describe("a valid file without an active session", func() {
		var (
			state State
			err   error
		)

		BeforeEach(func() {
			provider = credentials.Static("")
		})

		JustBeforeEach(func() {
			state, err = session.Submit(ctx, pngFile("ticket.png"))
		})

		It("yields ErrNoSession", func() {
			Expect(err).To(MatchError(extraction.ErrNoSession))
		})

		It("makes no network call", func() {
			Expect(transport.Calls()).To(BeZero())
		})

		It("fails with the no-session message", func() {
			failed, ok := state.(Failed)
			Expect(ok).To(BeTrue())
			Expect(failed.Kind).To(Equal(extraction.OutcomeNoSession))
			Expect(failed.Reason).To(Equal(extraction.MessageNoSession))
			Expect(transitions.Names()).To(Equal([]string{"uploading", "failed"}))
		})
	})

	Describe("a service rejection", func() {
		var (
			state State
			err   error
		)

		BeforeEach(func() {
			transport.respond(nil, &extraction.ServiceRejection{Message: "No se pudo extraer información"})
		})

		JustBeforeEach(func() {
			state, err = session.Submit(ctx, pngFile("ticket.png"))
		})

		It("fails with the exact server message", func() {
			var rejection *extraction.ServiceRejection
			Expect(errors.As(err, &rejection)).To(BeTrue())
			failed, ok := state.(Failed)
			Expect(ok).To(BeTrue())
			Expect(failed.Reason).To(Equal("No se pudo extraer información"))
		})

		It("does not retry", func() {
			Expect(transport.Calls()).To(Equal(1))
		})

		It("keeps the preview visible", func() {
			Eventually(func() bool {
				_, ok := session.Preview()
				return ok
			}).Should(BeTrue())
		})

		It("records the import as an error", func() {
			records := recorder.Records()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(store.StatusError))
			Expect(records[0].Message).To(Equal("No se pudo extraer información"))
		})

		It("can resubmit", func() {
			transport.respond(extractedResult(), nil)
			state, err := session.Submit(ctx, pngFile("ticket.png"))
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeAssignableToTypeOf(Succeeded{}))
			Expect(transitions.Names()).To(Equal([]string{"uploading", "failed", "uploading", "succeeded"}))
		})

		When("the failure is dismissed", func() {
			JustBeforeEach(func() {
				Eventually(func() bool {
					_, ok := session.Preview()
					return ok
				}).Should(BeTrue())
				session.Dismiss()
			})

			It("returns to Idle and clears the preview", func() {
				Expect(session.State()).To(Equal(Idle{}))
				_, ok := session.Preview()
				Expect(ok).To(BeFalse())
			})
		})
	})

	Describe("a transport error", func() {
		BeforeEach(func() {
			transport.respond(nil, &extraction.TransportError{Err: errors.New("connection refused")})
		})

		It("fails with the network fallback", func() {
			state, err := session.Submit(ctx, pngFile("ticket.png"))
			var transportErr *extraction.TransportError
			Expect(errors.As(err, &transportErr)).To(BeTrue())
			Expect(state.(Failed).Reason).To(Equal(extraction.MessageTransportError))
		})
	})

	Describe("multiple files", func() {
		It("uploads only the first", func() {
			_, err := session.Submit(ctx, pngFile("first.png"), pngFile("second.png"))
			Expect(err).NotTo(HaveOccurred())
			Expect(transport.Calls()).To(Equal(1))
			clock.Fire()
			Expect(recorder.Records()[0].FileName).To(Equal("first.png"))
		})
	})

	Describe("while uploading", func() {
		var (
			done     chan struct{}
			firstErr error
		)

		BeforeEach(func() {
			transport.release = make(chan struct{})
		})

		JustBeforeEach(func() {
			done = make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				_, firstErr = session.Submit(ctx, pngFile("ticket.png"))
			}()
			Eventually(session.State).Should(BeAssignableToTypeOf(Uploading{}))
		})

		AfterEach(func() {
			select {
			case <-transport.release:
			default:
				close(transport.release)
			}
			Eventually(done).Should(BeClosed())
		})

		It("rejects a second submission", func() {
			_, err := session.Submit(ctx, pngFile("other.png"))
			Expect(err).To(MatchError(ErrSubmissionInFlight))
		})

		It("refuses to close", func() {
			Expect(session.Close()).To(MatchError(ErrSubmissionInFlight))
			Expect(session.State()).To(BeAssignableToTypeOf(Uploading{}))
		})

		When("the session is reset and the response arrives late", func() {
			JustBeforeEach(func() {
				session.Reset()
				close(transport.release)
				Eventually(done).Should(BeClosed())
			})

			It("ignores the response", func() {
				Expect(firstErr).To(MatchError(ErrStaleResponse))
				Expect(session.State()).To(Equal(Idle{}))
				Expect(clock.Delays()).To(BeEmpty())
			})

			It("never fills the slot", func() {
				clock.Fire()
				r, _ := slot.TakeAndClear()
				Expect(r).To(BeNil())
			})

			It("does not record the abandoned import", func() {
				clock.Fire()
				Expect(recorder.Records()).To(BeEmpty())
			})
		})
	})
})

var _ = Describe("Session with the real clock", func() {
	It("hands off after the display interval", func() {
		slot := handoff.NewMemory()
		transport := &mockTransport{result: extractedResult()}
		session := NewSession(Config{DisplayInterval: 20 * time.Millisecond}, transport, credentials.Static("tok"), slot)

		_, err := session.Submit(context.Background(), pngFile("ticket.png"))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		state, err := session.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(Idle{}))

		r, err := slot.TakeAndClear()
		Expect(err).NotTo(HaveOccurred())
		Expect(r).NotTo(BeNil())
		Expect(r.Merchant).To(Equal("Test Store"))
	})
})
