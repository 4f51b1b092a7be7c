package engine

import (
	"context"
	"testing"
)

func newTestRegistry(h *harness) *Registry {
	return NewRegistry(h.services(), nil)
}

func TestRegistryStartRegisters(t *testing.T) {
	bot := testBot()
	h := newHarness(bot)
	r := newTestRegistry(h)
	defer r.StopAll()

	if err := r.Start(context.Background(), bot, testEngineConfig(), false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !r.IsRunning(bot.ID) {
		t.Error("bot not running after start")
	}
	if got := r.State(bot.ID); got != string(StateRunning) {
		t.Errorf("state = %q", got)
	}
	if r.Metrics(bot.ID) == nil {
		t.Error("metrics nil for a running bot")
	}
}

func TestRegistryStartIsNoOpWhenRegistered(t *testing.T) {
	bot := testBot()
	h := newHarness(bot)
	r := newTestRegistry(h)
	defer r.StopAll()

	if err := r.Start(context.Background(), bot, testEngineConfig(), false); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := r.List()[0].ExecutionID

	if err := r.Start(context.Background(), bot, testEngineConfig(), false); err != nil {
		t.Fatalf("second start: %v", err)
	}
	list := r.List()
	if len(list) != 1 {
		t.Fatalf("engines = %d, want 1", len(list))
	}
	if list[0].ExecutionID != first {
		t.Error("second start replaced the engine without force")
	}
}

func TestRegistryConcurrentStartKeepsOneEngine(t *testing.T) {
	bot := testBot()
	h := newHarness(bot)
	feed := newFakeFeed()
	r := NewRegistry(h.services(), feed)
	defer r.StopAll()

	inGet := make(chan struct{}, 2)
	release := make(chan struct{})
	h.bots.getHook = func() {
		inGet <- struct{}{}
		<-release
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Start(context.Background(), bot, testEngineConfig(), false)
	}()
	<-inGet

	// A second start for the same bot while the first is mid-flight must
	// not launch a second live engine.
	if err := r.Start(context.Background(), bot, testEngineConfig(), false); err != nil {
		t.Fatalf("concurrent start: %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first start: %v", err)
	}

	if got := len(r.List()); got != 1 {
		t.Fatalf("engines registered = %d, want 1", got)
	}
	feed.mu.Lock()
	live := len(feed.subs)
	feed.mu.Unlock()
	if live != 1 {
		t.Errorf("live feed subscriptions = %d, want 1", live)
	}
}

func TestRegistryForceRestarts(t *testing.T) {
	bot := testBot()
	h := newHarness(bot)
	r := newTestRegistry(h)
	defer r.StopAll()

	if err := r.Start(context.Background(), bot, testEngineConfig(), false); err != nil {
		t.Fatalf("start: %v", err)
	}
	old := r.Engine(bot.ID)
	first := old.ExecutionID()

	if err := r.Start(context.Background(), bot, testEngineConfig(), true); err != nil {
		t.Fatalf("force start: %v", err)
	}
	if got := r.Engine(bot.ID).ExecutionID(); got == first {
		t.Error("force start kept the old engine")
	}
	if old.State() != StateStopped {
		t.Errorf("old engine state = %s, want stopped", old.State())
	}
}

func TestRegistryFailedStartLeavesNoRegistration(t *testing.T) {
	bot := testBot()
	bot.Enabled = false
	h := newHarness(bot)
	r := newTestRegistry(h)

	if err := r.Start(context.Background(), bot, testEngineConfig(), false); err == nil {
		t.Fatal("disabled bot must not start")
	}
	if len(r.List()) != 0 {
		t.Error("failed start left a registration")
	}
	if r.IsRunning(bot.ID) {
		t.Error("failed start reported as running")
	}
}

func TestRegistrySentinelsForUnknownID(t *testing.T) {
	h := newHarness(testBot())
	r := newTestRegistry(h)

	if got := r.State("nope"); got != StateNotRunning {
		t.Errorf("state = %q, want %q", got, StateNotRunning)
	}
	if r.Metrics("nope") != nil {
		t.Error("metrics for unknown id not nil")
	}
	if r.IsRunning("nope") {
		t.Error("unknown id reported as running")
	}
	r.Stop("nope") // idempotent, must not panic
}

func TestRegistryStopRemovesEngine(t *testing.T) {
	bot := testBot()
	h := newHarness(bot)
	r := newTestRegistry(h)

	if err := r.Start(context.Background(), bot, testEngineConfig(), false); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop(bot.ID)
	r.Stop(bot.ID) // second stop is a no-op

	if r.IsRunning(bot.ID) {
		t.Error("bot still running after stop")
	}
	if len(r.List()) != 0 {
		t.Errorf("list = %v", r.List())
	}
}

func TestRegistryStopAll(t *testing.T) {
	botA := testBot()
	botB := testBot()
	botB.ID = "bot-2"
	h := newHarness(botA)

	r := newTestRegistry(h)
	if err := r.Start(context.Background(), botA, testEngineConfig(), false); err != nil {
		t.Fatalf("start a: %v", err)
	}
	h.bots.mu.Lock()
	h.bots.bot = botB
	h.bots.mu.Unlock()
	if err := r.Start(context.Background(), botB, testEngineConfig(), false); err != nil {
		t.Fatalf("start b: %v", err)
	}

	r.StopAll()
	if len(r.List()) != 0 {
		t.Errorf("engines still registered: %v", r.List())
	}
}
