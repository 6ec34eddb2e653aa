package push

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajmdroid/v1g2-simple-sub000/internal/esp"
)

// Sender is the executor's send path toward the detector.
type Sender interface {
	Send(data []byte) error
}

// ErrPushActive is returned when a push is requested while one is in flight.
var ErrPushActive = errors.New("push: a plan is already active")

// ErrEmptyPlan is returned when the resolved inputs specify no change.
var ErrEmptyPlan = errors.New("push: inputs specify no commands")

// State is the executor's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateResolving
	StatePlanning
	StateExecuting
	StateVerifying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateVerifying:
		return "verifying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the terminal outcome of one push transaction.
type Result int

const (
	ResultNone Result = iota
	ResultSuccess
	ResultPartial
	ResultFailed
	ResultTimeout
	ResultDisconnected
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultSuccess:
		return "success"
	case ResultPartial:
		return "partial"
	case ResultFailed:
		return "failed"
	case ResultTimeout:
		return "timeout"
	case ResultDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Config holds the executor's timing and retry tuning.
type Config struct {
	// CommandTimeout bounds the advisory verification window after a
	// user-bytes write. The transaction never waits on it.
	CommandTimeout time.Duration
	// TotalTimeout force-finishes the whole transaction.
	TotalTimeout time.Duration
	// RetryLimit is the per-command retry bound for failed sends.
	RetryLimit int
	// RetryDelay spaces retries of the same command.
	RetryDelay time.Duration
	// LatencyThreshold suspends progress while the display pipeline is
	// this far behind, keeping the push off a congested link.
	LatencyThreshold time.Duration
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   2 * time.Second,
		TotalTimeout:     15 * time.Second,
		RetryLimit:       2,
		RetryDelay:       500 * time.Millisecond,
		LatencyThreshold: 250 * time.Millisecond,
	}
}

// Metrics accumulates across transactions for the process lifetime.
type Metrics struct {
	Success      uint64
	Partial      uint64
	Failed       uint64
	Timeout      uint64
	Disconnected uint64

	Retries          uint64
	VerifyMismatches uint64

	runs          uint64
	totalDuration time.Duration
}

// AverageDuration is the rolling mean transaction duration.
func (m Metrics) AverageDuration() time.Duration {
	if m.runs == 0 {
		return 0
	}
	return m.totalDuration / time.Duration(m.runs)
}

// Status is a copy-out snapshot of the executor for external surfaces.
type Status struct {
	State      State
	Slot       string
	LastResult Result
	Commands   []Command
}

// Executor owns at most one PushPlan at a time and advances it from the
// cooperative tick. All methods must be called from the tick context.
type Executor struct {
	cfg      Config
	log      *zap.Logger
	enc      *esp.Encoder
	sender   Sender
	resolver *SlotResolver

	state     State
	slot      string
	plan      []Command
	idx       int
	startedAt time.Time
	deadline  time.Time
	retryAt   time.Time

	// Advisory user-bytes readback: the reply is compared when it arrives
	// but the plan never waits for it.
	wantUserBytes  [esp.UserBytesLen]byte
	verifyDeadline time.Time
	awaitingVerify bool

	lastResult Result
	metrics    Metrics
}

// New builds an Executor. The resolver may be nil if only StartInputs is used.
func New(cfg Config, enc *esp.Encoder, sender Sender, resolver *SlotResolver, log *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		log:      log,
		enc:      enc,
		sender:   sender,
		resolver: resolver,
	}
}

// Active reports whether a plan is in flight.
func (e *Executor) Active() bool { return e.state != StateIdle }

// Metrics returns a copy of the cumulative counters.
func (e *Executor) Metrics() Metrics { return e.metrics }

// Status returns a copy-out snapshot including the last plan's commands.
func (e *Executor) Status() Status {
	return Status{
		State:      e.state,
		Slot:       e.slot,
		LastResult: e.lastResult,
		Commands:   append([]Command(nil), e.plan...),
	}
}

// Start resolves a configuration slot and begins a transaction. Rejected
// while another plan is active.
func (e *Executor) Start(override, deviceAddr string, now time.Time) error {
	if e.Active() {
		return ErrPushActive
	}
	if e.resolver == nil {
		return errors.New("push: no slot resolver configured")
	}
	e.state = StateResolving
	in, name, err := e.resolver.Resolve(override, deviceAddr)
	if err != nil {
		e.state = StateIdle
		return err
	}
	return e.begin(in, name, now)
}

// StartInputs begins a transaction from explicit inputs, bypassing slot
// resolution.
func (e *Executor) StartInputs(in Inputs, now time.Time) error {
	if e.Active() {
		return ErrPushActive
	}
	return e.begin(in, "", now)
}

func (e *Executor) begin(in Inputs, slot string, now time.Time) error {
	e.state = StatePlanning
	plan := BuildPlan(e.enc, in)
	if len(plan) == 0 {
		e.state = StateIdle
		return ErrEmptyPlan
	}
	e.slot = slot
	e.plan = plan
	e.idx = 0
	e.startedAt = now
	e.deadline = now.Add(e.cfg.TotalTimeout)
	e.retryAt = time.Time{}
	e.awaitingVerify = false
	e.state = StateExecuting
	e.log.Info("push: plan started",
		zap.String("slot", slot),
		zap.Int("commands", len(plan)))
	return nil
}

// Cancel finalizes the active plan as failed. Safe to call when idle.
func (e *Executor) Cancel(reason string, now time.Time) {
	if !e.Active() {
		return
	}
	e.log.Info("push: cancelled", zap.String("reason", reason))
	for i := e.idx; i < len(e.plan); i++ {
		if e.plan[i].Status == StatusPending || e.plan[i].Status == StatusSent {
			e.plan[i].Status = StatusSkipped
		}
	}
	e.finish(ResultFailed, now)
}

// OnDisconnected aborts the active plan when the upstream session drops.
func (e *Executor) OnDisconnected(now time.Time) {
	if !e.Active() {
		return
	}
	for i := e.idx; i < len(e.plan); i++ {
		if e.plan[i].Status == StatusPending || e.plan[i].Status == StatusSent {
			e.plan[i].Status = StatusSkipped
		}
	}
	e.finish(ResultDisconnected, now)
}

// HandleUserBytes consumes a user-bytes readback reply. Mismatches are
// recorded but do not change the plan outcome.
func (e *Executor) HandleUserBytes(raw [esp.UserBytesLen]byte, now time.Time) {
	if !e.awaitingVerify {
		return
	}
	e.awaitingVerify = false
	if now.After(e.verifyDeadline) {
		e.log.Debug("push: user bytes readback after window")
		return
	}
	if raw != e.wantUserBytes {
		e.metrics.VerifyMismatches++
		e.log.Warn("push: user bytes readback differs from written value")
	}
}

// Process advances the plan by at most one command. pipelineLatency is the
// caller's current display-pipeline lag; progress is withheld while it
// exceeds the configured threshold.
func (e *Executor) Process(now time.Time, pipelineLatency time.Duration) {
	if e.state != StateExecuting && e.state != StateVerifying {
		return
	}
	if now.After(e.deadline) {
		e.log.Warn("push: transaction timeout")
		for i := e.idx; i < len(e.plan); i++ {
			if e.plan[i].Status == StatusPending || e.plan[i].Status == StatusSent {
				e.plan[i].Status = StatusSkipped
			}
		}
		e.finish(ResultTimeout, now)
		return
	}
	if pipelineLatency > e.cfg.LatencyThreshold {
		return
	}
	if e.state == StateVerifying {
		// Advisory only: move on immediately, the readback window keeps
		// running in the background.
		e.state = StateExecuting
	}
	if !e.retryAt.IsZero() && now.Before(e.retryAt) {
		return
	}
	e.retryAt = time.Time{}

	if e.idx >= len(e.plan) {
		e.finish(e.planResult(), now)
		return
	}

	cmd := &e.plan[e.idx]
	if err := e.sender.Send(cmd.Payload); err != nil {
		cmd.RetryCount++
		e.metrics.Retries++
		if cmd.RetryCount > e.cfg.RetryLimit {
			e.log.Warn("push: command failed",
				zap.Stringer("kind", cmd.Kind),
				zap.Error(err))
			cmd.Status = StatusFailed
			e.idx++
		} else {
			e.retryAt = now.Add(e.cfg.RetryDelay)
		}
		return
	}

	cmd.Status = StatusSent
	cmd.SentAt = now
	if cmd.Kind == KindUserBytes {
		e.requestReadback(now)
	}
	// No reliable per-command readback exists for the rest; sent commands
	// are optimistically verified.
	cmd.Status = StatusVerified
	e.idx++
	if e.idx >= len(e.plan) {
		e.finish(e.planResult(), now)
	}
}

func (e *Executor) requestReadback(now time.Time) {
	cur := e.plan[e.idx]
	// Payload layout: marker, dest, src, id, len, then the six bytes.
	if len(cur.Payload) >= 11 {
		copy(e.wantUserBytes[:], cur.Payload[5:5+esp.UserBytesLen])
	}
	if err := e.sender.Send(e.enc.RequestUserBytes()); err != nil {
		e.log.Debug("push: readback request failed", zap.Error(err))
		return
	}
	e.awaitingVerify = true
	e.verifyDeadline = now.Add(e.cfg.CommandTimeout)
	e.state = StateVerifying
}

func (e *Executor) planResult() Result {
	var verified, failed int
	for _, c := range e.plan {
		switch c.Status {
		case StatusVerified:
			verified++
		case StatusFailed:
			failed++
		}
	}
	switch {
	case failed == 0 && verified > 0:
		return ResultSuccess
	case verified > 0:
		return ResultPartial
	default:
		return ResultFailed
	}
}

func (e *Executor) finish(r Result, now time.Time) {
	e.lastResult = r
	e.state = StateIdle
	dur := now.Sub(e.startedAt)
	e.metrics.runs++
	e.metrics.totalDuration += dur
	switch r {
	case ResultSuccess:
		e.metrics.Success++
	case ResultPartial:
		e.metrics.Partial++
	case ResultFailed:
		e.metrics.Failed++
	case ResultTimeout:
		e.metrics.Timeout++
	case ResultDisconnected:
		e.metrics.Disconnected++
	}
	e.log.Info("push: plan finished",
		zap.Stringer("result", r),
		zap.Duration("duration", dur))
}
