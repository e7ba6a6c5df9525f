package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/script"
	"openpeer-hub/internal/store"
	"openpeer-hub/internal/trigger"
)

// Store persists the on/off flag and last trigger time of automations.
type Store interface {
	GetAutomation(entityID string) (*store.AutomationRecord, error)
	UpdateAutomation(entityID string, fn func(rec *store.AutomationRecord) error) error
}

// Options configures an Entity.
type Options struct {
	// EntityID overrides the ID derived from the config.
	EntityID string
	Store    Store
	Registry *script.Registry
	Logger   *slog.Logger
}

// Entity is a live automation: its triggers, its condition and its action
// script, plus the enabled flag that decides whether triggers are attached.
type Entity struct {
	hub      *core.Hub
	cfg      *Config
	entityID string
	name     string
	script   *script.Script
	check    condition.Checker
	store    Store
	logger   *slog.Logger

	// attachMu serializes attaching and detaching triggers.
	attachMu sync.Mutex

	mu            sync.Mutex
	enabled       bool
	detach        func()
	cancelPending func()
	lastTriggered time.Time

	// Trigger firings wait in pending and are dispatched one at a time, in
	// the order they fired.
	queueMu  sync.Mutex
	pending  []firing
	draining bool

	refOnce     sync.Once
	refEntities []string
	refDevices  []string
}

type firing struct {
	vars map[string]any
	hctx *core.Context
}

// EntityID derives the automation entity ID from the config's id, or its
// alias when no id is set.
func EntityID(cfg *Config) string {
	id := slugify(cfg.ID)
	if id == "" {
		id = slugify(cfg.Alias)
	}
	if id == "" {
		return ""
	}
	return "automation." + id
}

// New compiles an automation. The entity starts disabled; Start applies the
// initial or restored state.
func New(h *core.Hub, cfg *Config, opts Options) (*Entity, error) {
	entityID := opts.EntityID
	if entityID == "" {
		entityID = EntityID(cfg)
	}
	if !core.ValidEntityID(entityID) {
		return nil, fmt.Errorf("%w: cannot derive entity id for %q", ErrInvalidConfig, cfg.Name())
	}
	name := cfg.Name()
	if name == "" {
		name = entityID
	}
	logger := opts.Logger
	if logger == nil {
		logger = h.Logger
	}
	logger = logger.With("automation", name)

	e := &Entity{
		hub:      h,
		cfg:      cfg,
		entityID: entityID,
		name:     name,
		store:    opts.Store,
		logger:   logger,
	}

	if len(cfg.Condition) > 0 {
		check, err := condition.FromList(h, cfg.Condition)
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		e.check = check
	}

	s, err := script.New(h, cfg.Action, script.Options{
		Name:        name,
		Mode:        cfg.Mode,
		MaxRuns:     cfg.MaxRuns,
		MaxExceeded: cfg.MaxExceeded,
		Logger:      logger,
		Registry:    opts.Registry,
		OnChange:    e.writeState,
	})
	if err != nil {
		return nil, err
	}
	e.script = s
	return e, nil
}

// EntityID returns the automation's entity ID.
func (e *Entity) EntityID() string { return e.entityID }

// Name returns the alias, or the entity ID.
func (e *Entity) Name() string { return e.name }

// Config returns the definition the entity was built from.
func (e *Entity) Config() *Config { return e.cfg }

// Script returns the action script.
func (e *Entity) Script() *script.Script { return e.script }

// Enabled reports whether triggers are attached or pending attachment.
func (e *Entity) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// LastTriggered returns when the automation last passed its condition.
func (e *Entity) LastTriggered() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTriggered
}

// Start applies the initial state: initial_state from the config when set,
// otherwise the persisted flag, otherwise enabled.
func (e *Entity) Start() {
	enable := true
	if e.store != nil {
		rec, err := e.store.GetAutomation(e.entityID)
		switch {
		case err == nil:
			enable = rec.Enabled
			e.mu.Lock()
			e.lastTriggered = rec.LastTriggered
			e.mu.Unlock()
		case !errors.Is(err, store.ErrNotFound):
			e.logger.Warn("load automation state", "err", err)
		}
	}
	if e.cfg.InitialState != nil {
		enable = *e.cfg.InitialState
	}
	e.logger.Debug("automation initial state", "enabled", enable)
	if enable {
		e.Enable()
		return
	}
	e.writeState()
}

// Enable attaches the triggers. Before the hub has started, attaching is
// deferred until core_started. Enabling an enabled automation does nothing.
func (e *Entity) Enable() {
	e.mu.Lock()
	if e.enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = true
	e.mu.Unlock()

	if e.hub.State() != core.CoreNotRunning {
		e.attach(false)
	} else {
		cancel := e.hub.Bus.Once(core.EventCoreStarted, func(core.Event) {
			e.attach(true)
		})
		e.mu.Lock()
		e.cancelPending = cancel
		e.mu.Unlock()
		// The hub may have started while the listener was registered.
		if st := e.hub.State(); st != core.CoreNotRunning && st != core.CoreStarting {
			cancel()
			e.attach(true)
		}
	}
	e.persist(func(rec *store.AutomationRecord) { rec.Enabled = true })
	e.writeState()
}

// Disable detaches the triggers and, with stopActions, stops running
// actions and waits for them. Disabling an automation that is neither
// enabled nor running does nothing.
func (e *Entity) Disable(stopActions bool) {
	e.mu.Lock()
	if !e.enabled && !e.script.IsRunning() {
		e.mu.Unlock()
		return
	}
	wasEnabled := e.enabled
	e.enabled = false
	e.mu.Unlock()

	e.unload()
	if stopActions {
		e.script.Stop()
	}
	if wasEnabled {
		e.persist(func(rec *store.AutomationRecord) { rec.Enabled = false })
	}
	e.writeState()
}

// unload detaches triggers without touching the enabled flag.
func (e *Entity) unload() {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()
	e.mu.Lock()
	cancel, detach := e.cancelPending, e.detach
	e.cancelPending, e.detach = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if detach != nil {
		detach()
	}
	e.queueMu.Lock()
	e.pending = nil
	e.queueMu.Unlock()
}

// Close detaches triggers, stops running actions and removes the script
// from its registry. The persisted state is kept.
func (e *Entity) Close() {
	e.unload()
	e.script.Close()
}

func (e *Entity) attach(hubStart bool) {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()
	e.mu.Lock()
	if !e.enabled || e.detach != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	var vars map[string]any
	if len(e.cfg.TriggerVariables) > 0 {
		rendered, err := e.cfg.TriggerVariables.RenderLimited(e.hub, nil)
		if err != nil {
			e.logger.Error("render trigger variables", "err", err)
			return
		}
		vars = rendered
	}

	detach := trigger.Attach(context.Background(), e.hub, e.cfg.Trigger, func(tv map[string]any, hctx *core.Context) {
		run := make(map[string]any, len(vars)+len(tv))
		for k, v := range vars {
			run[k] = v
		}
		for k, v := range tv {
			run[k] = v
		}
		e.enqueue(run, hctx)
	}, trigger.Info{
		Name:      e.name,
		HubStart:  hubStart,
		Logger:    e.logger,
		Variables: vars,
	})
	if detach == nil {
		e.logger.Error("no triggers attached")
		return
	}
	e.mu.Lock()
	e.detach = detach
	e.mu.Unlock()
}

func (e *Entity) enqueue(vars map[string]any, hctx *core.Context) {
	e.queueMu.Lock()
	e.pending = append(e.pending, firing{vars: vars, hctx: hctx})
	if e.draining {
		e.queueMu.Unlock()
		return
	}
	e.draining = true
	e.queueMu.Unlock()
	go e.drain()
}

func (e *Entity) drain() {
	for {
		e.queueMu.Lock()
		if len(e.pending) == 0 {
			e.draining = false
			e.queueMu.Unlock()
			return
		}
		f := e.pending[0]
		e.pending[0] = firing{}
		e.pending = e.pending[1:]
		e.queueMu.Unlock()
		e.dispatch(f)
	}
}

// dispatch starts the actions for one trigger firing. It returns once the
// run is registered with the script; the run itself goes on in the
// background.
func (e *Entity) dispatch(f firing) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("automation panic", "panic", r)
		}
	}()
	if !e.Enabled() {
		return
	}
	result, err := e.start(context.Background(), f.vars, f.hctx, false)
	if err != nil || result == nil {
		return
	}
	go func() { e.finish(<-result) }()
}

// Trigger renders the automation variables, checks the condition unless
// skipCondition is set, and runs the actions. It returns when the run ends.
// A failed condition is not an error; neither is a run refused by the
// script's mode.
func (e *Entity) Trigger(ctx context.Context, vars map[string]any, hctx *core.Context, skipCondition bool) error {
	result, err := e.start(ctx, vars, hctx, skipCondition)
	if err != nil || result == nil {
		return err
	}
	return e.finish(<-result)
}

// start does everything up to registering the run. A nil channel means
// nothing runs.
func (e *Entity) start(ctx context.Context, vars map[string]any, hctx *core.Context, skipCondition bool) (<-chan error, error) {
	variables := make(map[string]any, len(vars))
	for k, v := range vars {
		variables[k] = v
	}
	if len(e.cfg.Variables) > 0 {
		rendered, err := e.cfg.Variables.Render(e.hub, variables, true)
		if err != nil {
			e.logger.Error("render variables", "err", err)
			return nil, err
		}
		variables = rendered
	}

	if !skipCondition && e.check != nil {
		ok, err := e.check(variables)
		if err != nil {
			e.logger.Warn("error evaluating condition", "err", err)
			ok = false
		}
		if !ok {
			e.logger.Debug("conditions not met, aborting automation")
			return nil, nil
		}
	}

	runCtx := core.NewChildContext(hctx)
	now := e.hub.Now()
	e.mu.Lock()
	e.lastTriggered = now
	e.mu.Unlock()
	e.persist(func(rec *store.AutomationRecord) { rec.LastTriggered = now })

	data := map[string]any{"name": e.name, "entity_id": e.entityID}
	if t, ok := variables["trigger"].(map[string]any); ok {
		if desc, ok := t["description"]; ok {
			data["source"] = desc
		}
	}
	e.hub.Bus.Fire(core.EventAutomationTriggered, data, runCtx)
	e.writeState()
	e.logger.Info("automation triggered", "source", data["source"])

	result, err := e.script.Start(ctx, variables, runCtx)
	if errors.Is(err, script.ErrMaxRunsExceeded) {
		return nil, nil
	}
	return result, err
}

func (e *Entity) finish(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	e.logger.Error("error while executing automation", "err", err)
	return err
}

func (e *Entity) persist(fn func(rec *store.AutomationRecord)) {
	if e.store == nil {
		return
	}
	err := e.store.UpdateAutomation(e.entityID, func(rec *store.AutomationRecord) error {
		fn(rec)
		return nil
	})
	if err != nil {
		e.logger.Warn("persist automation state", "err", err)
	}
}

func (e *Entity) writeState() {
	e.mu.Lock()
	enabled, last := e.enabled, e.lastTriggered
	e.mu.Unlock()

	state := core.StateOff
	if enabled {
		state = core.StateOn
	}
	var lastTriggered any
	if !last.IsZero() {
		lastTriggered = last
	}
	attrs := map[string]any{
		"friendly_name":  e.name,
		"last_triggered": lastTriggered,
		"mode":           string(e.script.Mode()),
		"current":        e.script.RunCount(),
	}
	if e.cfg.ID != "" {
		attrs["id"] = e.cfg.ID
	}
	e.hub.States.Set(e.entityID, state, attrs, nil)
}

// ReferencedEntities lists the entity IDs the automation's actions,
// condition and device triggers mention. The list is computed once; a
// changed definition builds a new Entity.
func (e *Entity) ReferencedEntities() []string {
	e.refOnce.Do(e.collectReferences)
	return e.refEntities
}

// ReferencedDevices lists the device IDs the automation mentions.
func (e *Entity) ReferencedDevices() []string {
	e.refOnce.Do(e.collectReferences)
	return e.refDevices
}

func (e *Entity) collectReferences() {
	e.refEntities = unique(
		e.script.ReferencedEntities(),
		condition.ReferencedEntities(e.cfg.Condition),
		trigger.ReferencedEntities(e.cfg.Trigger),
	)
	e.refDevices = unique(
		e.script.ReferencedDevices(),
		condition.ReferencedDevices(e.cfg.Condition),
		trigger.ReferencedDevices(e.cfg.Trigger),
	)
}

func unique(lists ...[]string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, l := range lists {
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
