// Package script runs action sequences with re-entrancy policies.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// Mode is a script's policy for a run requested while another is active.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeRestart  Mode = "restart"
	ModeQueued   Mode = "queued"
	ModeParallel Mode = "parallel"
)

const (
	// DefaultMaxRuns caps queued and parallel runs.
	DefaultMaxRuns = 10

	// ServiceCallLimit bounds service call steps that cannot start a script.
	ServiceCallLimit = 10 * time.Second
)

var maxExceededLevels = map[string]slog.Level{
	"debug":    slog.LevelDebug,
	"info":     slog.LevelInfo,
	"warning":  slog.LevelWarn,
	"error":    slog.LevelError,
	"critical": slog.LevelError,
}

// Options configures a Script.
type Options struct {
	Name    string
	Mode    Mode
	MaxRuns int
	// MaxExceeded is the log level for refused runs: silent, debug, info,
	// warning (default), error or critical.
	MaxExceeded string
	// Variables are rendered as defaults under the caller's variables at
	// the start of each run.
	Variables template.Variables
	Logger    *slog.Logger
	Registry  *Registry
	// OnChange is called when runs start or finish and when a run starts
	// waiting.
	OnChange func()
}

// Script is a compiled action sequence.
type Script struct {
	hub         *core.Hub
	sequence    Sequence
	name        string
	mode        Mode
	maxRuns     int
	maxExceeded string
	variables   template.Variables
	logger      *slog.Logger
	registry    *Registry
	onChange    func()
	parent      *Script

	mu            sync.Mutex
	runs          []*run
	lastAction    string
	lastTriggered time.Time

	queue fifoLock

	subMu         sync.Mutex
	repeatScripts map[int]*Script
	chooseData    map[int]*chooseData
	checkers      map[string]condition.Checker

	refOnce     sync.Once
	refEntities []string
	refDevices  []string
}

type chooseData struct {
	choices []choice
	def     *Script
}

type choice struct {
	check  condition.Checker
	script *Script
}

// New compiles a top-level script.
func New(h *core.Hub, sequence Sequence, opts Options) (*Script, error) {
	if opts.Mode == "" {
		opts.Mode = ModeSingle
	}
	switch opts.Mode {
	case ModeSingle, ModeRestart, ModeQueued, ModeParallel:
	default:
		return nil, fmt.Errorf("%w: invalid mode %q", ErrInvalidConfig, opts.Mode)
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	if opts.MaxExceeded == "" {
		opts.MaxExceeded = "warning"
	}
	if _, ok := maxExceededLevels[opts.MaxExceeded]; !ok && opts.MaxExceeded != "silent" {
		return nil, fmt.Errorf("%w: invalid max_exceeded %q", ErrInvalidConfig, opts.MaxExceeded)
	}
	logger := opts.Logger
	if logger == nil {
		logger = h.Logger
	}
	s := &Script{
		hub:         h,
		sequence:    sequence,
		name:        opts.Name,
		mode:        opts.Mode,
		maxRuns:     opts.MaxRuns,
		maxExceeded: opts.MaxExceeded,
		variables:   opts.Variables,
		logger:      logger.With("script", opts.Name),
		registry:    opts.Registry,
		onChange:    opts.OnChange,
	}
	if s.registry != nil {
		s.registry.add(s)
	}
	return s, nil
}

// newSub builds a nested script for a repeat body or choose branch. Nested
// scripts run in parallel mode and share the caller's variables.
func (s *Script) newSub(sequence Sequence, name string) *Script {
	return &Script{
		hub:         s.hub,
		sequence:    sequence,
		name:        s.name + ": " + name,
		mode:        ModeParallel,
		maxRuns:     s.maxRuns,
		maxExceeded: s.maxExceeded,
		logger:      s.logger,
		parent:      s,
	}
}

func (s *Script) topLevel() bool { return s.parent == nil }

// Name returns the script's name.
func (s *Script) Name() string { return s.name }

// Mode returns the script's run mode.
func (s *Script) Mode() Mode { return s.mode }

// MaxRuns returns the cap on queued and parallel runs.
func (s *Script) MaxRuns() int { return s.maxRuns }

// IsRunning reports whether any run is active.
func (s *Script) IsRunning() bool { return s.RunCount() > 0 }

// RunCount returns the number of active runs, including queued ones.
func (s *Script) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// LastTriggered returns when the last run started.
func (s *Script) LastTriggered() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTriggered
}

// LastAction describes the step most recently started.
func (s *Script) LastAction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAction
}

func (s *Script) setLastAction(desc string) {
	s.mu.Lock()
	s.lastAction = desc
	s.mu.Unlock()
	if s.parent != nil {
		s.parent.setLastAction(desc)
	}
}

func (s *Script) changed() {
	if s.parent != nil {
		s.parent.changed()
		return
	}
	if s.onChange != nil {
		s.onChange()
	}
}

// Run executes the script and blocks until the run ends. It returns
// ErrMaxRunsExceeded when the mode refuses the run, a *StepError when a
// step fails, and ctx.Err() when ctx is cancelled. A run stopped with Stop
// returns nil.
//
// A top-level script copies vars; a nested script uses them in place.
func (s *Script) Run(ctx context.Context, vars map[string]any, hctx *core.Context) error {
	r, err := s.register(vars, hctx)
	if err != nil {
		return err
	}
	return r.execute(ctx)
}

// Start registers a run and executes it on a new goroutine. The mode check
// and the place in the queued-mode line are settled before Start returns,
// so runs started one after another keep that order. The channel receives
// what Run would have returned.
func (s *Script) Start(ctx context.Context, vars map[string]any, hctx *core.Context) (<-chan error, error) {
	r, err := s.register(vars, hctx)
	if err != nil {
		return nil, err
	}
	result := make(chan error, 1)
	go func() { result <- r.execute(ctx) }()
	return result, nil
}

func (s *Script) register(vars map[string]any, hctx *core.Context) (*run, error) {
	if hctx == nil {
		hctx = core.NewContext()
	}
	runVars := vars
	if s.topLevel() {
		runVars = make(map[string]any, len(vars)+1)
		for k, v := range vars {
			runVars[k] = v
		}
		if len(s.variables) > 0 {
			rendered, err := s.variables.Render(s.hub, runVars, true)
			if err != nil {
				s.logger.Error("render variables", "err", err)
				return nil, err
			}
			runVars = rendered
		}
		runVars["context"] = hctx
	} else if runVars == nil {
		runVars = make(map[string]any)
	}

	s.mu.Lock()
	var previous []*run
	if n := len(s.runs); n > 0 {
		switch s.mode {
		case ModeSingle:
			s.mu.Unlock()
			s.logExceeded("already running")
			return nil, ErrMaxRunsExceeded
		case ModeRestart:
			previous = append(previous, s.runs...)
		default:
			if n >= s.maxRuns {
				s.mu.Unlock()
				s.logExceeded("maximum number of runs exceeded")
				return nil, ErrMaxRunsExceeded
			}
		}
	}
	r := newRun(s, runVars, hctx)
	if s.mode == ModeQueued {
		r.ticket = s.queue.enqueue()
	}
	s.runs = append(s.runs, r)
	s.lastTriggered = s.hub.Now()
	s.mu.Unlock()
	s.changed()

	if len(previous) > 0 {
		s.logger.Info("restarting")
		stopRuns(previous)
	}
	return r, nil
}

func (s *Script) logExceeded(msg string) {
	level, ok := maxExceededLevels[s.maxExceeded]
	if !ok {
		return
	}
	args := []any{"mode", s.mode}
	if s.maxExceeded == "critical" {
		args = append(args, "critical", true)
	}
	s.logger.Log(context.Background(), level, msg, args...)
}

func (s *Script) removeRun(r *run) {
	s.mu.Lock()
	for i, cur := range s.runs {
		if cur == r {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.changed()
}

// Stop stops every active run and waits for them to end.
func (s *Script) Stop() {
	s.mu.Lock()
	runs := append([]*run(nil), s.runs...)
	s.mu.Unlock()
	stopRuns(runs)
}

// Close stops the script and removes it from its registry.
func (s *Script) Close() {
	if s.registry != nil {
		s.registry.remove(s)
	}
	s.Stop()
}

func stopRuns(runs []*run) {
	for _, r := range runs {
		r.signalStop()
	}
	for _, r := range runs {
		<-r.done
	}
}

func (s *Script) repeatScript(idx int, a *RepeatAction) *Script {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.repeatScripts == nil {
		s.repeatScripts = make(map[int]*Script)
	}
	sub, ok := s.repeatScripts[idx]
	if !ok {
		name := a.Alias()
		if name == "" {
			name = "repeat at step " + strconv.Itoa(idx+1)
		}
		sub = s.newSub(a.Repeat.Sequence, name)
		s.repeatScripts[idx] = sub
	}
	return sub
}

func (s *Script) choose(idx int, a *ChooseAction) (*chooseData, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.chooseData == nil {
		s.chooseData = make(map[int]*chooseData)
	}
	if d, ok := s.chooseData[idx]; ok {
		return d, nil
	}
	step := a.Alias()
	if step == "" {
		step = "choose at step " + strconv.Itoa(idx+1)
	}
	d := &chooseData{}
	for i, c := range a.Choose {
		check, err := condition.FromList(s.hub, c.Conditions)
		if err != nil {
			return nil, err
		}
		d.choices = append(d.choices, choice{
			check:  check,
			script: s.newSub(c.Sequence, fmt.Sprintf("%s: choice %d", step, i+1)),
		})
	}
	if len(a.Default) > 0 {
		d.def = s.newSub(a.Default, step+": default")
	}
	s.chooseData[idx] = d
	return d, nil
}

// checker compiles list once per key.
func (s *Script) checker(key string, list condition.List) (condition.Checker, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.checkers == nil {
		s.checkers = make(map[string]condition.Checker)
	}
	if c, ok := s.checkers[key]; ok {
		return c, nil
	}
	c, err := condition.FromList(s.hub, list)
	if err != nil {
		return nil, err
	}
	s.checkers[key] = c
	return c, nil
}
