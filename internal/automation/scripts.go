package automation

import (
	"context"
	"log/slog"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/script"
)

// ScriptEntity is a standalone script exposed as script.<id>. Its state is
// on while it runs.
type ScriptEntity struct {
	hub      *core.Hub
	id       string
	entityID string
	name     string
	cfg      *ScriptConfig
	script   *script.Script
}

func newScriptEntity(h *core.Hub, id string, cfg *ScriptConfig, registry *script.Registry, logger *slog.Logger) (*ScriptEntity, error) {
	name := cfg.Alias
	if name == "" {
		name = id
	}
	se := &ScriptEntity{
		hub:      h,
		id:       id,
		entityID: "script." + id,
		name:     name,
		cfg:      cfg,
	}
	s, err := script.New(h, cfg.Sequence, script.Options{
		Name:        name,
		Mode:        cfg.Mode,
		MaxRuns:     cfg.MaxRuns,
		MaxExceeded: cfg.MaxExceeded,
		Variables:   cfg.Variables,
		Logger:      logger,
		Registry:    registry,
		OnChange:    se.writeState,
	})
	if err != nil {
		return nil, err
	}
	se.script = s
	return se, nil
}

// ID returns the script's object ID.
func (s *ScriptEntity) ID() string { return s.id }

// EntityID returns script.<id>.
func (s *ScriptEntity) EntityID() string { return s.entityID }

// Name returns the alias, or the ID.
func (s *ScriptEntity) Name() string { return s.name }

// Script returns the compiled sequence.
func (s *ScriptEntity) Script() *script.Script { return s.script }

// Run runs the script and waits for it to end.
func (s *ScriptEntity) Run(ctx context.Context, vars map[string]any, hctx *core.Context) error {
	return s.script.Run(ctx, vars, hctx)
}

func (s *ScriptEntity) writeState() {
	state := core.StateOff
	if s.script.IsRunning() {
		state = core.StateOn
	}
	var lastTriggered any
	if t := s.script.LastTriggered(); !t.IsZero() {
		lastTriggered = t
	}
	s.hub.States.Set(s.entityID, state, map[string]any{
		"friendly_name":  s.name,
		"last_triggered": lastTriggered,
		"mode":           string(s.script.Mode()),
		"current":        s.script.RunCount(),
	}, nil)
}
