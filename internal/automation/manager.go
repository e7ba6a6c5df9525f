package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/script"
	"openpeer-hub/internal/template"
)

var reservedScriptIDs = map[string]bool{"turn_on": true, "turn_off": true, "toggle": true, "reload": true}

// Sources says where definitions are read from. Any may be empty.
type Sources struct {
	// File holds a list of automations, or a mapping with automations and
	// scripts.
	File string
	// Dir holds one automation per *.yaml file.
	Dir *Files
	// ScriptsFile holds a mapping of script ID to script.
	ScriptsFile string
}

// Manager owns the automations and standalone scripts of a hub and the
// services that control them.
type Manager struct {
	hub      *core.Hub
	sources  Sources
	store    Store
	registry *script.Registry
	logger   *slog.Logger

	reloadMu sync.Mutex

	mu          sync.RWMutex
	automations []*Entity
	byID        map[string]*Entity
	scripts     map[string]*ScriptEntity
}

// NewManager creates a manager and registers the automation and script
// services. st may be nil.
func NewManager(h *core.Hub, sources Sources, st Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = h.Logger
	}
	m := &Manager{
		hub:      h,
		sources:  sources,
		store:    st,
		registry: script.NewRegistry(),
		logger:   logger.With("component", "automation"),
		byID:     make(map[string]*Entity),
		scripts:  make(map[string]*ScriptEntity),
	}
	m.registerServices()
	return m
}

// Files returns the definition directory, or nil.
func (m *Manager) Files() *Files { return m.sources.Dir }

// Registry returns the registry holding every automation and script.
func (m *Manager) Registry() *script.Registry { return m.registry }

// Load reads all sources and starts the automations and scripts they
// define. Invalid entries are logged and skipped.
func (m *Manager) Load() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return m.load()
}

func (m *Manager) load() error {
	defs, err := m.read()
	if err != nil {
		return err
	}

	var autos []*Entity
	byID := make(map[string]*Entity)
	for i, cfg := range defs.Automations {
		entityID := EntityID(cfg)
		if entityID == "" {
			entityID = "automation.automation_" + strconv.Itoa(i+1)
		}
		if _, dup := byID[entityID]; dup {
			for n := 2; ; n++ {
				candidate := entityID + "_" + strconv.Itoa(n)
				if _, taken := byID[candidate]; !taken {
					entityID = candidate
					break
				}
			}
		}
		e, err := New(m.hub, cfg, Options{
			EntityID: entityID,
			Store:    m.store,
			Registry: m.registry,
			Logger:   m.logger,
		})
		if err != nil {
			m.logger.Error("invalid automation dropped", "automation", cfg.Name(), "err", err)
			continue
		}
		autos = append(autos, e)
		byID[entityID] = e
	}

	scripts := make(map[string]*ScriptEntity, len(defs.Scripts))
	for id, cfg := range defs.Scripts {
		if reservedScriptIDs[id] {
			m.logger.Error("invalid script dropped", "script", id, "err", "id is a script service name")
			continue
		}
		se, err := newScriptEntity(m.hub, id, cfg, m.registry, m.logger)
		if err != nil {
			m.logger.Error("invalid script dropped", "script", id, "err", err)
			continue
		}
		scripts[id] = se
	}

	m.mu.Lock()
	m.automations, m.byID, m.scripts = autos, byID, scripts
	m.mu.Unlock()

	for id, se := range scripts {
		m.registerScriptService(id, se)
		se.writeState()
	}
	for _, e := range autos {
		e.Start()
	}
	m.logger.Info("automations loaded", "automations", len(autos), "scripts", len(scripts))
	return nil
}

func (m *Manager) read() (*Definitions, error) {
	defs := &Definitions{}
	if m.sources.File != "" {
		d, err := m.readFile(m.sources.File)
		if err != nil {
			return nil, err
		}
		defs.merge(d)
	}
	if m.sources.Dir != nil {
		list, err := m.sources.Dir.List()
		if err != nil {
			return nil, err
		}
		for _, def := range list {
			d, err := Decode([]byte(def.Source), m.logger.With("file", def.ID+".yaml"))
			if err != nil {
				m.logger.Error("skipping automation file", "file", def.ID+".yaml", "err", err)
				continue
			}
			for _, cfg := range d.Automations {
				if cfg.ID == "" {
					cfg.ID = def.ID
				}
			}
			defs.merge(d)
		}
	}
	if m.sources.ScriptsFile != "" {
		data, err := os.ReadFile(m.sources.ScriptsFile)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read scripts: %w", err)
		default:
			d, err := Decode(wrapScripts(data), m.logger)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", m.sources.ScriptsFile, err)
			}
			defs.merge(d)
		}
	}
	return defs, nil
}

func (m *Manager) readFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.logger.Info("no automations file", "path", path)
		return &Definitions{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read automations: %w", err)
	}
	d, err := Decode(data, m.logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// wrapScripts nests a bare script mapping under a scripts key.
func wrapScripts(data []byte) []byte {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "scripts:") {
		return data
	}
	var b strings.Builder
	b.WriteString("scripts:\n")
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// Reload stops everything, reads the sources again and starts the new
// definitions. Entities that disappeared lose their state.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	old := m.unloadAll()
	if err := m.load(); err != nil {
		return err
	}
	m.mu.RLock()
	for _, id := range old {
		d, obj := core.SplitEntityID(id)
		_, stillAuto := m.byID[id]
		_, stillScript := m.scripts[obj]
		if (d == "automation" && !stillAuto) || (d == "script" && !stillScript) {
			m.hub.States.Remove(id, nil)
		}
	}
	m.mu.RUnlock()
	m.hub.Bus.Fire(core.EventAutomationReloaded, nil, core.NewContext())
	m.logger.Info("automations reloaded")
	return nil
}

// unloadAll closes every automation and script and returns their entity
// IDs.
func (m *Manager) unloadAll() []string {
	m.mu.Lock()
	autos, scripts := m.automations, m.scripts
	m.automations, m.byID, m.scripts = nil, make(map[string]*Entity), make(map[string]*ScriptEntity)
	m.mu.Unlock()

	var ids []string
	var wg sync.WaitGroup
	for _, e := range autos {
		ids = append(ids, e.EntityID())
		wg.Add(1)
		go func(e *Entity) {
			defer wg.Done()
			e.Close()
		}(e)
	}
	for id, se := range scripts {
		ids = append(ids, se.EntityID())
		m.hub.Services.Remove("script", id)
		wg.Add(1)
		go func(se *ScriptEntity) {
			defer wg.Done()
			se.script.Close()
		}(se)
	}
	wg.Wait()
	return ids
}

// Shutdown detaches all triggers and stops every running script, waiting
// for them or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	autos := append([]*Entity(nil), m.automations...)
	m.mu.RUnlock()
	for _, e := range autos {
		e.unload()
	}
	return m.registry.Shutdown(ctx)
}

// Automations returns the automations in definition order.
func (m *Manager) Automations() []*Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Entity(nil), m.automations...)
}

// Get returns the automation with entityID, or nil. A bare object ID is
// accepted as well.
func (m *Manager) Get(entityID string) *Entity {
	if !strings.Contains(entityID, ".") {
		entityID = "automation." + entityID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[strings.ToLower(entityID)]
}

// Scripts returns the standalone scripts ordered by ID.
func (m *Manager) Scripts() []*ScriptEntity {
	m.mu.RLock()
	out := make([]*ScriptEntity, 0, len(m.scripts))
	for _, se := range m.scripts {
		out = append(out, se)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Script returns the standalone script with the given ID or entity ID.
func (m *Manager) Script(id string) *ScriptEntity {
	id = strings.TrimPrefix(strings.ToLower(id), "script.")
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scripts[id]
}

func (m *Manager) registerServices() {
	h := m.hub
	h.Services.Register("automation", "trigger", func(ctx context.Context, call *core.ServiceCall) error {
		skip := true
		if v, ok := call.Data["skip_condition"]; ok {
			skip = template.AsBool(v)
		}
		vars := map[string]any{"trigger": map[string]any{"platform": nil, "description": "service call"}}
		var wg sync.WaitGroup
		for _, e := range m.targets(call.Data["entity_id"]) {
			wg.Add(1)
			go func(e *Entity) {
				defer wg.Done()
				e.Trigger(ctx, vars, call.Context, skip)
			}(e)
		}
		wg.Wait()
		return nil
	})
	h.Services.Register("automation", "turn_on", func(_ context.Context, call *core.ServiceCall) error {
		for _, e := range m.targets(call.Data["entity_id"]) {
			e.Enable()
		}
		return nil
	})
	h.Services.Register("automation", "turn_off", func(_ context.Context, call *core.ServiceCall) error {
		stop := true
		if v, ok := call.Data["stop_actions"]; ok {
			stop = template.AsBool(v)
		}
		for _, e := range m.targets(call.Data["entity_id"]) {
			e.Disable(stop)
		}
		return nil
	})
	h.Services.Register("automation", "toggle", func(_ context.Context, call *core.ServiceCall) error {
		for _, e := range m.targets(call.Data["entity_id"]) {
			if e.Enabled() {
				e.Disable(true)
			} else {
				e.Enable()
			}
		}
		return nil
	})
	h.Services.Register("automation", "reload", func(ctx context.Context, _ *core.ServiceCall) error {
		// A script calling reload is itself stopped by it, so the reload
		// must not depend on the caller.
		done := make(chan error, 1)
		go func() { done <- m.Reload() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	h.Services.Register("script", "turn_on", func(ctx context.Context, call *core.ServiceCall) error {
		vars, _ := call.Data["variables"].(map[string]any)
		for _, se := range m.scriptTargets(call.Data["entity_id"]) {
			go func(se *ScriptEntity) {
				if err := se.Run(context.WithoutCancel(ctx), vars, call.Context); err != nil {
					m.logger.Debug("script run ended with error", "script", se.id, "err", err)
				}
			}(se)
		}
		return nil
	})
	h.Services.Register("script", "turn_off", func(_ context.Context, call *core.ServiceCall) error {
		for _, se := range m.scriptTargets(call.Data["entity_id"]) {
			se.script.Stop()
		}
		return nil
	})
}

// registerScriptService exposes a script as script.<id>; calling it runs
// the script with the service data as variables.
func (m *Manager) registerScriptService(id string, se *ScriptEntity) {
	m.hub.Services.Register("script", id, func(ctx context.Context, call *core.ServiceCall) error {
		return se.Run(ctx, call.Data, call.Context)
	})
}

func (m *Manager) targets(v any) []*Entity {
	ids := entityIDs(v)
	if len(ids) == 1 && ids[0] == "all" {
		return m.Automations()
	}
	var out []*Entity
	for _, id := range ids {
		if e := m.Get(id); e != nil {
			out = append(out, e)
		} else {
			m.logger.Warn("unknown automation", "entity_id", id)
		}
	}
	return out
}

func (m *Manager) scriptTargets(v any) []*ScriptEntity {
	ids := entityIDs(v)
	if len(ids) == 1 && ids[0] == "all" {
		return m.Scripts()
	}
	var out []*ScriptEntity
	for _, id := range ids {
		if se := m.Script(id); se != nil {
			out = append(out, se)
		} else {
			m.logger.Warn("unknown script", "entity_id", id)
		}
	}
	return out
}

// entityIDs reads entity_id service data: an ID, a comma separated list or
// a list.
func entityIDs(v any) []string {
	var ids []string
	switch v := v.(type) {
	case string:
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, strings.ToLower(id))
			}
		}
	case []any:
		for _, item := range v {
			ids = append(ids, strings.ToLower(template.ToString(item)))
		}
	case []string:
		for _, id := range v {
			ids = append(ids, strings.ToLower(id))
		}
	}
	return ids
}
