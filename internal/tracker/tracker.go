// Package tracker drives the watch-poll-decode-notify pipeline: it polls
// every registered memory watch through a connection session at a fixed
// cadence, routes snapshots through the module's dispatch procedures, and
// applies the resulting updates to the objective store.
//
// The tracker loop is the single writer into the store. Manual overrides and
// diagnostic dumps are message-passed into the loop rather than touching the
// store from other goroutines, and connection failures are recovered inside
// the loop with bounded exponential backoff; they never escape as errors.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/gametrack/internal/module"
	"github.com/louisbranch/gametrack/internal/objective"
)

// Session is the read surface the poller needs from a console-memory
// connection.
type Session interface {
	ReadMem(ctx context.Context, address uint32, length int) ([]byte, error)
	Close() error
}

// Dialer establishes a new Session. The tracker owns reconnect policy, so a
// Dialer performs exactly one connection attempt.
type Dialer func(ctx context.Context) (Session, error)

// Status is the tracker's connection status, for display only.
type Status int

const (
	Idle Status = iota
	Connecting
	Running
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Config holds the tracker's timing knobs.
type Config struct {
	// PollInterval is the cadence of poll cycles. Defaults to 500ms.
	PollInterval time.Duration
	// DialTimeout bounds one connection attempt. Defaults to 2s.
	DialTimeout time.Duration
	// InitialBackoff is the first reconnect delay. Defaults to 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay. Defaults to 10s.
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// newBackoff builds the reconnect delay policy: exponential, deterministic,
// capped at MaxBackoff, reset by the next successful read.
func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdOverride
	cmdDump
	cmdSetModule
)

type command struct {
	kind  commandKind
	id    string
	state objective.State
	out   io.Writer
	mod   *module.Module
	reply chan error
}

// Tracker polls a loaded module's memory watches and maintains the
// objective store. All state behind the command channel belongs to the Run
// goroutine.
type Tracker struct {
	cfg    Config
	dial   Dialer
	store  *objective.Store
	logger *log.Logger
	tracer trace.Tracer

	cmds chan command
	done chan struct{}

	statusFns []func(Status)

	// Run-goroutine state.
	mod      *module.Module
	watches  []module.Watch
	tracking bool
	sess     Session
	status   Status
	retry    *backoff.ExponentialBackOff
	retryAt  time.Time
}

// New creates a tracker for the given module. The store is reset to the
// module's objective set. Call Run to start the loop before issuing
// commands.
func New(cfg Config, dial Dialer, mod *module.Module, store *objective.Store, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	store.Reset(mod.ObjectiveIDs())
	return &Tracker{
		cfg:     cfg,
		dial:    dial,
		store:   store,
		logger:  logger,
		tracer:  otel.Tracer("github.com/louisbranch/gametrack/internal/tracker"),
		cmds:    make(chan command),
		done:    make(chan struct{}),
		mod:     mod,
		watches: mod.Watches(),
		retry:   newBackoff(cfg),
	}
}

// Store returns the objective store the tracker writes into.
func (t *Tracker) Store() *objective.Store {
	return t.store
}

// OnStatus registers a status listener. Register before Run; listeners are
// invoked on the tracker goroutine.
func (t *Tracker) OnStatus(fn func(Status)) {
	if fn != nil {
		t.statusFns = append(t.statusFns, fn)
	}
}

// Run executes the poll loop until ctx is cancelled. No store mutation
// happens after Run returns.
func (t *Tracker) Run(ctx context.Context) error {
	defer close(t.done)
	defer t.teardown()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-t.cmds:
			cmd.reply <- t.handle(ctx, cmd)
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Tracker) teardown() {
	if t.sess != nil {
		t.sess.Close()
		t.sess = nil
	}
	t.tracking = false
	t.setStatus(Idle)
}

func (t *Tracker) setStatus(status Status) {
	if t.status == status {
		return
	}
	t.status = status
	for _, fn := range t.statusFns {
		fn(status)
	}
}

func (t *Tracker) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if t.tracking {
			return nil
		}
		t.tracking = true
		t.retry.Reset()
		t.retryAt = time.Time{}
		t.setStatus(Connecting)
	case cmdStop:
		if !t.tracking {
			return nil
		}
		t.tracking = false
		if t.sess != nil {
			t.sess.Close()
			t.sess = nil
		}
		t.store.Reset(t.mod.ObjectiveIDs())
		t.setStatus(Idle)
	case cmdOverride:
		_, err := t.store.Apply(cmd.id, cmd.state)
		return err
	case cmdDump:
		return t.dump(cmd.out)
	case cmdSetModule:
		if t.sess != nil {
			t.sess.Close()
			t.sess = nil
		}
		t.tracking = false
		t.mod = cmd.mod
		t.watches = cmd.mod.Watches()
		t.store.Reset(cmd.mod.ObjectiveIDs())
		t.setStatus(Idle)
	}
	return nil
}

func (t *Tracker) dump(w io.Writer) error {
	all := t.store.All()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := fmt.Fprintf(w, "%s: %s\n", id, all[id]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) tick(ctx context.Context) {
	if !t.tracking {
		return
	}
	if t.sess == nil {
		if time.Now().Before(t.retryAt) {
			return
		}
		t.connect(ctx)
		return
	}
	t.poll(ctx)
}

// connect performs a single dial attempt; at most one is ever in flight
// because it runs on the loop goroutine.
func (t *Tracker) connect(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	sess, err := t.dial(dialCtx)
	cancel()
	if err != nil {
		delay := t.retry.NextBackOff()
		t.retryAt = time.Now().Add(delay)
		t.logger.Printf("tracker: connect failed, retrying in %s: %v", delay, err)
		return
	}
	t.sess = sess
	t.setStatus(Running)
}

// poll runs one cycle: read every watch and route its snapshot to dispatch.
// A connection failure abandons the rest of the cycle and schedules a
// reconnect; already-applied updates are kept.
func (t *Tracker) poll(ctx context.Context) {
	ctx, span := t.tracer.Start(ctx, "tracker.poll",
		trace.WithAttributes(attribute.Int("watch.count", len(t.watches))))
	defer span.End()

	for i, watch := range t.watches {
		if ctx.Err() != nil {
			return
		}
		// Commands stay responsive within one watch's read latency.
		select {
		case cmd := <-t.cmds:
			cmd.reply <- t.handle(ctx, cmd)
			if !t.tracking || t.sess == nil {
				return
			}
		default:
		}

		buf, err := t.sess.ReadMem(ctx, watch.Address, watch.Length)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			t.disconnect(err)
			return
		}
		t.retry.Reset()

		updates, err := t.mod.Dispatch(i, buf)
		if err != nil {
			// A malformed dispatch is fatal to this watch for this
			// cycle only.
			span.RecordError(err)
			t.logger.Printf("tracker: watch %d at %#x: %v", i, watch.Address, err)
			continue
		}
		for _, u := range updates {
			if _, err := t.store.Apply(u.ID, u.State); err != nil {
				t.logger.Printf("tracker: watch %d at %#x: %v", i, watch.Address, err)
			}
		}
	}
}

// disconnect drops the session and schedules a backoff-delayed reconnect.
func (t *Tracker) disconnect(err error) {
	t.sess.Close()
	t.sess = nil
	delay := t.retry.NextBackOff()
	t.retryAt = time.Now().Add(delay)
	t.setStatus(Connecting)
	t.logger.Printf("tracker: connection lost, reconnecting in %s: %v", delay, err)
}

var errNotRunning = errors.New("tracker is not running")

func (t *Tracker) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case t.cmds <- cmd:
	case <-t.done:
		return errNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-t.done:
		return errNotRunning
	}
}

// Start begins tracking: the loop connects and polls until Stop.
func (t *Tracker) Start() error {
	return t.send(command{kind: cmdStart})
}

// Stop ends tracking, closes the connection, and resets the store. When Stop
// returns, no further poll-driven store mutation can occur.
func (t *Tracker) Stop() error {
	return t.send(command{kind: cmdStop})
}

// Override forces an objective's state, as a user clicking an item would.
// It fails synchronously for ids the module does not define.
func (t *Tracker) Override(id string, state objective.State) error {
	return t.send(command{kind: cmdOverride, id: id, state: state})
}

// Dump writes the currently recorded objective states to w, sorted by id.
func (t *Tracker) Dump(w io.Writer) error {
	return t.send(command{kind: cmdDump, out: w})
}

// SetModule swaps the active module: tracking stops, the watch registry is
// replaced atomically, and the store is reset so no stale objectives linger.
func (t *Tracker) SetModule(mod *module.Module) error {
	if mod == nil {
		return errors.New("module is required")
	}
	return t.send(command{kind: cmdSetModule, mod: mod})
}
