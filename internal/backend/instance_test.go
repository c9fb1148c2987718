package backend

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backendd/pkg/types"
)

func TestNewStartsWaitingOrDisabled(t *testing.T) {
	b := New(testConfig(1), &fakeBackend{})
	if b.Status() != StatusWaiting {
		t.Fatalf("expected waiting, got %s", b.Status())
	}
	cfg := testConfig(2)
	cfg.Enabled = false
	if st := New(cfg, &fakeBackend{}).Status(); st != StatusDisabled {
		t.Fatalf("expected disabled, got %s", st)
	}
	if New(Config{}, &fakeBackend{}).MaxUsages() != 1 {
		t.Fatalf("expected default max usages 1")
	}
}

func TestLifecycleScenario(t *testing.T) {
	f := &fakeBackend{outputs: images(1), genGate: make(chan struct{}), genStarted: make(chan struct{}, 1)}
	pub := NewMemoryPublisher()
	cfg := testConfig(1)
	cfg.Publisher = pub
	b := newReady(t, cfg, f)

	fired := 0
	b.OnShutdown(func() { fired++ })
	if err := b.LoadModel(testCtx(t), types.Model{ID: "m.safetensors", Name: "m"}); err != nil {
		t.Fatalf("load: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.Generate(context.Background(), Input{JobID: "j1"})
		done <- err
	}()
	waitStarted(t, f.genStarted)
	if b.Status() != StatusRunning || !b.IsAlive() {
		t.Fatalf("expected running while job executes, got %s", b.Status())
	}
	close(f.genGate)
	if err := <-done; err != nil {
		t.Fatalf("generate: %v", err)
	}
	if b.Status() != StatusIdle || b.IsAlive() {
		t.Fatalf("expected idle after job, got %s", b.Status())
	}

	if err := b.ShutdownNow(testCtx(t)); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if b.CurrentModel() != "" {
		t.Fatalf("expected no model after shutdown, got %q", b.CurrentModel())
	}
	if fired != 1 {
		t.Fatalf("expected notification once, got %d", fired)
	}
	names := pub.Names()
	if len(names) == 0 || names[len(names)-1] != "shutdown_done" {
		t.Fatalf("unexpected events: %v", names)
	}
}

func TestInitFailureMovesToErrored(t *testing.T) {
	boom := errors.New("cuda missing")
	b := New(testConfig(1), &fakeBackend{initErr: boom})
	err := b.Init(testCtx(t))
	if !IsInitFailure(err) || !errors.Is(err, boom) {
		t.Fatalf("expected init failure wrapping cause, got %v", err)
	}
	if b.Status() != StatusErrored {
		t.Fatalf("expected errored, got %s", b.Status())
	}
	if b.LastError() == "" {
		t.Fatalf("expected last error recorded")
	}
	if _, err := b.Generate(testCtx(t), Input{}); !IsRedirect(err) {
		t.Fatalf("errored instance must not run jobs, got %v", err)
	}
}

func TestInitTwiceIsInvalid(t *testing.T) {
	b := newReady(t, testConfig(1), &fakeBackend{})
	if err := b.Init(testCtx(t)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if b.Status() != StatusIdle {
		t.Fatalf("failed init must not change status, got %s", b.Status())
	}
}

func TestInitDisabledInstance(t *testing.T) {
	cfg := testConfig(1)
	cfg.Enabled = false
	f := &fakeBackend{}
	b := New(cfg, f)
	if err := b.Init(testCtx(t)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if f.initCalls.Load() != 0 {
		t.Fatalf("implementation must not be initialized while disabled")
	}
	if err := b.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if b.Status() != StatusWaiting {
		t.Fatalf("expected waiting after enable, got %s", b.Status())
	}
	if err := b.Init(testCtx(t)); err != nil {
		t.Fatalf("init after enable: %v", err)
	}
}

func TestDisableDuringInitInterrupts(t *testing.T) {
	f := &fakeBackend{initGate: make(chan struct{})}
	b := New(testConfig(1), f)
	done := make(chan error, 1)
	go func() { done <- b.Init(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for b.Status() != StatusLoading {
		if time.Now().After(deadline) {
			t.Fatalf("never reached loading")
		}
		time.Sleep(time.Millisecond)
	}
	b.Disable()
	close(f.initGate)
	if err := <-done; err == nil {
		t.Fatalf("expected interrupted init error")
	}
	if b.Status() != StatusDisabled {
		t.Fatalf("disabled must stick, got %s", b.Status())
	}
}

func TestDisableWhileRunningSticks(t *testing.T) {
	f := &fakeBackend{genGate: make(chan struct{}), genStarted: make(chan struct{}, 1)}
	b := newReady(t, testConfig(1), f)
	done := make(chan error, 1)
	go func() {
		_, err := b.Generate(context.Background(), Input{})
		done <- err
	}()
	waitStarted(t, f.genStarted)
	b.Disable()
	close(f.genGate)
	if err := <-done; err != nil {
		t.Fatalf("running job should finish: %v", err)
	}
	if b.Status() != StatusDisabled {
		t.Fatalf("job completion must not undo disable, got %s", b.Status())
	}
}

func TestReinitRecoversFromErrored(t *testing.T) {
	f := &fakeBackend{initErr: errors.New("first attempt fails")}
	b := New(testConfig(1), f)
	if err := b.Init(testCtx(t)); err == nil {
		t.Fatalf("expected failure")
	}
	f.initErr = nil
	if err := b.Reinit(testCtx(t)); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if b.Status() != StatusIdle {
		t.Fatalf("expected idle after reinit, got %s", b.Status())
	}
	if f.shutdownCalls.Load() != 1 {
		t.Fatalf("reinit should release resources once, got %d", f.shutdownCalls.Load())
	}
}

func TestConcurrentReinitRunsOnce(t *testing.T) {
	f := &fakeBackend{outputs: images(1), genGate: make(chan struct{}), genStarted: make(chan struct{}, 1)}
	b := newReady(t, testConfig(1), f)
	jobDone := make(chan error, 1)
	go func() {
		_, err := b.Generate(context.Background(), Input{})
		jobDone <- err
	}()
	waitStarted(t, f.genStarted)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- b.Reinit(context.Background()) }()
	}
	// One restart waits for the job; the other is turned away at once.
	select {
	case err := <-errs:
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("second restart: expected ErrInvalidTransition, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second restart should not wait for the job")
	}
	if err := b.Init(testCtx(t)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("init during restart: expected ErrInvalidTransition, got %v", err)
	}

	close(f.genGate)
	if err := <-jobDone; err != nil {
		t.Fatalf("job: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("first restart: %v", err)
	}
	if b.Status() != StatusIdle {
		t.Fatalf("expected idle, got %s", b.Status())
	}
	if got := f.shutdownCalls.Load(); got != 1 {
		t.Fatalf("expected one release, got %d", got)
	}
	if got := f.initCalls.Load(); got != 2 {
		t.Fatalf("expected initial init plus one restart, got %d", got)
	}
}

func TestFailMovesToErrored(t *testing.T) {
	b := newReady(t, testConfig(1), &fakeBackend{})
	b.Fail(errors.New("process died"))
	if b.Status() != StatusErrored || b.LastError() != "process died" {
		t.Fatalf("unexpected state %s %q", b.Status(), b.LastError())
	}
	if b.Eligible() {
		t.Fatalf("errored instance must not be eligible")
	}
}

func TestIsAliveIffRunning(t *testing.T) {
	f := &fakeBackend{genGate: make(chan struct{}), genStarted: make(chan struct{}, 1)}
	b := New(testConfig(1), f)
	check := func() {
		t.Helper()
		if b.IsAlive() != (b.Status() == StatusRunning) {
			t.Fatalf("IsAlive=%v in %s", b.IsAlive(), b.Status())
		}
	}
	check() // waiting
	if err := b.Init(testCtx(t)); err != nil {
		t.Fatalf("init: %v", err)
	}
	check() // idle
	go func() { _, _ = b.Generate(context.Background(), Input{}) }()
	waitStarted(t, f.genStarted)
	check() // running
	close(f.genGate)
	b.Fail(errors.New("x"))
	check() // errored
	b.Disable()
	check() // disabled
}

func TestEligibility(t *testing.T) {
	b := New(testConfig(1), &fakeBackend{})
	if b.Eligible() {
		t.Fatalf("waiting instance must not be eligible")
	}
	if err := b.Init(testCtx(t)); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !b.Eligible() {
		t.Fatalf("idle instance should be eligible")
	}
	b.Disable()
	if b.Eligible() {
		t.Fatalf("disabled instance must not be eligible")
	}
}

func TestSupportsFeatures(t *testing.T) {
	cfg := testConfig(1)
	cfg.Features = []string{"controlnet", "refiner"}
	b := New(cfg, &fakeBackend{})
	if !b.Supports([]string{"refiner"}) || !b.Supports(nil) {
		t.Fatalf("expected declared features supported")
	}
	if b.Supports([]string{"refiner", "video"}) {
		t.Fatalf("undeclared feature must not be supported")
	}
	if got := b.Features(); len(got) != 2 || got[0] != "controlnet" {
		t.Fatalf("unexpected features %v", got)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	b := newReady(t, testConfig(7), &fakeBackend{})
	b.Reserve()
	defer b.Release()
	s := b.Snapshot()
	if s.ID != 7 || s.Status != string(StatusIdle) || s.Reservations != 1 || !s.Real || !s.Enabled {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestLogPublisherWritesEvents(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(1)
	cfg.Publisher = LogPublisher{Log: zerolog.New(&buf)}
	b := New(cfg, &fakeBackend{})
	if err := b.Init(testCtx(t)); err != nil {
		t.Fatalf("init: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"event":"status"`) || !strings.Contains(out, `"to":"idle"`) {
		t.Fatalf("unexpected log: %s", out)
	}
}
