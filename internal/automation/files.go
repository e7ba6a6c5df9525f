package automation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
)

// ErrNotFound is returned for a definition file that does not exist.
var ErrNotFound = errors.New("automation: definition not found")

// validID checks that an ID is usable as an entity object ID and as a
// filename stem.
func validID(id string) bool {
	return core.ValidEntityID("automation." + id)
}

// Definition is one automation definition file.
type Definition struct {
	ID     string `json:"id"`
	Path   string `json:"-"`
	Source string `json:"source"`
}

// Files stores automation definitions as one YAML file per automation.
type Files struct {
	dir string
	mu  sync.RWMutex
}

// NewFiles creates a definition store rooted at dir. It ensures the
// directory exists.
func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create automations dir: %w", err)
	}
	return &Files{dir: dir}, nil
}

// Dir returns the directory the definitions live in.
func (f *Files) Dir() string { return f.dir }

// List returns all definitions in the directory, ordered by ID.
func (f *Files) List() ([]*Definition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read automations dir: %w", err)
	}

	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		d, err := f.read(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue
		}
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Get returns a single definition by ID (filename stem).
func (f *Files) Get(id string) (*Definition, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrInvalidConfig, id)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	d, err := f.read(filepath.Join(f.dir, id+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return d, err
}

// Save validates d.Source as a single automation and writes it. Without an
// ID, one is taken from the automation's id or alias and made unique.
func (f *Files) Save(d *Definition) (*Definition, error) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(d.Source), &node); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: expected a single automation", ErrInvalidConfig)
	}
	cfg, err := decodeAutomation(node.Content[0])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := &Definition{ID: d.ID, Source: d.Source}
	if out.ID == "" {
		out.ID = slugify(cfg.ID)
		if out.ID == "" {
			out.ID = slugify(cfg.Alias)
		}
		if out.ID == "" {
			out.ID = "automation"
		}
		// Ensure unique ID
		base := out.ID
		for i := 1; ; i++ {
			path := filepath.Join(f.dir, out.ID+".yaml")
			if _, err := os.Stat(path); os.IsNotExist(err) {
				break
			}
			out.ID = fmt.Sprintf("%s_%d", base, i)
		}
	}
	if !validID(out.ID) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrInvalidConfig, out.ID)
	}

	out.Path = filepath.Join(f.dir, out.ID+".yaml")
	source := out.Source
	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	if err := os.WriteFile(out.Path, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("write automation: %w", err)
	}
	return out, nil
}

// Delete removes a definition file by ID.
func (f *Files) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: invalid id %q", ErrInvalidConfig, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, id+".yaml")
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delete automation: %w", err)
	}
	return nil
}

func (f *Files) read(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Definition{
		ID:     strings.TrimSuffix(filepath.Base(path), ".yaml"),
		Path:   path,
		Source: string(data),
	}, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
