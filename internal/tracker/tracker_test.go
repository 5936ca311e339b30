package tracker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/gametrack/internal/module"
	"github.com/louisbranch/gametrack/internal/objective"
	"github.com/louisbranch/gametrack/internal/usb2snes"
)

const testManifest = `{
	"name": "Test Game",
	"auto-track": "auto_track.lua",
	"objectives": [
		{"type": "key-item", "path": "key-items.json"},
		{"type": "location", "path": "locations.json"}
	]
}`

const testScript = `
add_mem_watch(0x1500, 6, function(mem)
	local found = mem:get_u24(0)
	local used = mem:get_u24(3)
	if test_bit(used, 0) then
		set_objective_state("package", OBJECTIVE_COMPLETE)
	elseif test_bit(found, 0) then
		set_objective_state("package", OBJECTIVE_UNLOCKED)
	else
		set_objective_state("package", OBJECTIVE_LOCKED)
	end
end)

add_mem_watch(0x2000, 1, function(mem)
	if test_bit(mem:get_u8(0), 4) then
		set_objective_state("town-shop", OBJECTIVE_COMPLETE)
	else
		set_objective_state("town-shop", OBJECTIVE_LOCKED)
	end
end)
`

func writeTestModule(t *testing.T, manifest, script string) *module.Module {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"manifest.json":  manifest,
		"key-items.json": `[{"id": "package", "name": "Package"}]`,
		"locations.json": `[{"id": "town-shop", "name": "Town Shop"}]`,
		"auto_track.lua": script,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	m, err := module.Load(dir)
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	return m
}

// fakeSession serves reads from an in-memory map and can be scripted to
// fail individual addresses.
type fakeSession struct {
	mu     sync.Mutex
	memory map[uint32][]byte
	fail   map[uint32]error
	closed bool
}

func (f *fakeSession) ReadMem(ctx context.Context, address uint32, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, usb2snes.ErrDisconnected
	}
	if err, ok := f.fail[address]; ok {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, f.memory[address])
	return buf, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) set(address uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memory[address] = data
}

func (f *fakeSession) setFail(address uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, address)
	} else {
		f.fail[address] = err
	}
}

func newFakeSession() *fakeSession {
	return &fakeSession{memory: make(map[uint32][]byte), fail: make(map[uint32]error)}
}

func testConfig() Config {
	return Config{
		PollInterval:   5 * time.Millisecond,
		DialTimeout:    100 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
}

func startTracker(t *testing.T, mod *module.Module, dial Dialer) (*Tracker, *objective.Store) {
	t.Helper()
	store := objective.NewStore(nil)
	tr := New(testConfig(), dial, mod, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPollAppliesBothWatches(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	sess := newFakeSession()
	sess.set(0x1500, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00})
	sess.set(0x2000, []byte{0x10})

	tr, store := startTracker(t, mod, func(ctx context.Context) (Session, error) {
		return sess, nil
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "both watches applied", func() bool {
		pkg, err1 := store.Get("package")
		shop, err2 := store.Get("town-shop")
		return err1 == nil && err2 == nil && pkg == objective.Unlocked && shop == objective.Complete
	})
}

func TestUsedMaskTakesPrecedence(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	sess := newFakeSession()
	// Found and used both set: used wins, the objective is COMPLETE.
	sess.set(0x1500, []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x00})

	tr, store := startTracker(t, mod, func(ctx context.Context) (Session, error) {
		return sess, nil
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "package COMPLETE", func() bool {
		state, err := store.Get("package")
		return err == nil && state == objective.Complete
	})
}

func TestDisconnectMidCycleRetainsAppliedUpdates(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	sess := newFakeSession()
	sess.set(0x1500, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00})
	sess.setFail(0x2000, usb2snes.ErrDisconnected)

	dials := 0
	tr, store := startTracker(t, mod, func(ctx context.Context) (Session, error) {
		dials++
		if dials > 1 {
			return nil, usb2snes.ErrConnection
		}
		return sess, nil
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The first watch lands before the second one's read fails the cycle.
	waitFor(t, "first watch applied", func() bool {
		state, err := store.Get("package")
		return err == nil && state == objective.Unlocked
	})

	// The unread watch produced no record; the applied one is retained.
	all := store.All()
	if _, ok := all["town-shop"]; ok {
		t.Fatalf("expected no record for the watch behind the failed read")
	}
	if all["package"] != objective.Unlocked {
		t.Fatalf("expected applied update retained, got %v", all["package"])
	}
}

func TestReconnectAfterFailures(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	sess := newFakeSession()
	sess.set(0x1500, []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})

	var mu sync.Mutex
	dials := 0
	var statuses []Status

	store := objective.NewStore(nil)
	tr := New(testConfig(), func(ctx context.Context) (Session, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials <= 3 {
			return nil, usb2snes.ErrConnection
		}
		return sess, nil
	}, mod, store, nil)
	tr.OnStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "reconnect and poll", func() bool {
		state, err := store.Get("package")
		return err == nil && state == objective.Complete
	})

	mu.Lock()
	defer mu.Unlock()
	if dials < 4 {
		t.Fatalf("expected at least 4 dial attempts, got %d", dials)
	}
	sawConnecting, sawRunning := false, false
	for _, s := range statuses {
		switch s {
		case Connecting:
			sawConnecting = true
		case Running:
			sawRunning = true
		}
	}
	if !sawConnecting || !sawRunning {
		t.Fatalf("expected Connecting and Running transitions, got %v", statuses)
	}
}

func TestBackoffNonDecreasingAndReset(t *testing.T) {
	b := newBackoff(Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 400 * time.Millisecond}.withDefaults())

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delays = append(delays, b.NextBackOff())
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("backoff decreased: %v", delays)
		}
	}
	for _, d := range delays {
		if d > 400*time.Millisecond {
			t.Fatalf("backoff exceeded cap: %v", delays)
		}
	}
	if delays[0] != 100*time.Millisecond {
		t.Fatalf("expected initial delay 100ms, got %v", delays[0])
	}
	if delays[len(delays)-1] != 400*time.Millisecond {
		t.Fatalf("expected cap reached, got %v", delays)
	}

	b.Reset()
	if d := b.NextBackOff(); d != 100*time.Millisecond {
		t.Fatalf("expected reset to initial delay, got %v", d)
	}
}

func TestDispatchErrorIsFatalToOneWatchOnly(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	sess := newFakeSession()
	// One byte where the first watch's dispatch expects six: its get_u24
	// fails, but the second watch still lands.
	sess.memory[0x1500] = nil
	sess.set(0x2000, []byte{0x10})

	dial := func(ctx context.Context) (Session, error) { return truncatingSession{sess}, nil }
	tr, store := startTracker(t, mod, dial)
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "second watch applied", func() bool {
		state, err := store.Get("town-shop")
		return err == nil && state == objective.Complete
	})
	if _, ok := store.All()["package"]; ok {
		t.Fatalf("expected no record from the failing dispatch")
	}
}

// truncatingSession returns only the bytes actually present in the fake
// memory map, ignoring the requested length.
type truncatingSession struct {
	*fakeSession
}

func (s truncatingSession) ReadMem(ctx context.Context, address uint32, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[address]; ok {
		return nil, err
	}
	return append([]byte(nil), s.memory[address]...), nil
}

func TestStopResetsStoreAndHaltsPolling(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	sess := newFakeSession()
	sess.set(0x1500, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00})
	sess.set(0x2000, []byte{0x10})

	tr, store := startTracker(t, mod, func(ctx context.Context) (Session, error) {
		return sess, nil
	})
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "initial poll", func() bool {
		state, err := store.Get("package")
		return err == nil && state == objective.Unlocked
	})

	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(store.All()) != 0 {
		t.Fatalf("expected store reset on stop, got %v", store.All())
	}

	// New memory state must not reach the store while stopped.
	sess.set(0x1500, []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})
	time.Sleep(10 * testConfig().PollInterval)
	if len(store.All()) != 0 {
		t.Fatalf("expected no mutations after stop, got %v", store.All())
	}
}

func TestOverrideWritesThroughCommandChannel(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	tr, store := startTracker(t, mod, func(ctx context.Context) (Session, error) {
		return newFakeSession(), nil
	})

	if err := tr.Override("package", objective.Complete); err != nil {
		t.Fatalf("override: %v", err)
	}
	if state, _ := store.Get("package"); state != objective.Complete {
		t.Fatalf("expected COMPLETE, got %v", state)
	}

	if err := tr.Override("nope", objective.Complete); !errors.Is(err, objective.ErrUnknownObjective) {
		t.Fatalf("expected ErrUnknownObjective, got %v", err)
	}
}

func TestDumpListsRecordedStates(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	tr, _ := startTracker(t, mod, func(ctx context.Context) (Session, error) {
		return newFakeSession(), nil
	})

	tr.Override("town-shop", objective.Complete)
	tr.Override("package", objective.Unlocked)

	var buf bytes.Buffer
	if err := tr.Dump(&buf); err != nil {
		t.Fatalf("dump: %v", err)
	}
	want := "package: UNLOCKED\ntown-shop: COMPLETE\n"
	if buf.String() != want {
		t.Fatalf("expected %q, got %q", want, buf.String())
	}
}

func TestSetModuleClearsPriorObjectives(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	tr, store := startTracker(t, mod, func(ctx context.Context) (Session, error) {
		return newFakeSession(), nil
	})

	if err := tr.Override("package", objective.Complete); err != nil {
		t.Fatalf("override: %v", err)
	}

	// The replacement module defines a different objective set entirely.
	dir := t.TempDir()
	files := map[string]string{
		"manifest.json": `{"name": "Other Game", "objectives": [{"type": "key-item", "path": "items.json"}]}`,
		"items.json":    `[{"id": "whistle", "name": "Whistle"}]`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	next, err := module.Load(dir)
	if err != nil {
		t.Fatalf("load replacement: %v", err)
	}

	if err := tr.SetModule(next); err != nil {
		t.Fatalf("set module: %v", err)
	}

	if _, err := store.Get("package"); !errors.Is(err, objective.ErrUnknownObjective) {
		t.Fatalf("expected ErrUnknownObjective after reload, got %v", err)
	}
	if state, err := store.Get("whistle"); err != nil || state != objective.Locked {
		t.Fatalf("expected whistle LOCKED, got %v, %v", state, err)
	}
}

func TestCommandsFailAfterRunExits(t *testing.T) {
	mod := writeTestModule(t, testManifest, testScript)
	store := objective.NewStore(nil)
	tr := New(testConfig(), func(ctx context.Context) (Session, error) {
		return newFakeSession(), nil
	}, mod, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx)
	}()
	cancel()
	<-done

	if err := tr.Start(); err == nil {
		t.Fatalf("expected error after Run exited")
	}
}
