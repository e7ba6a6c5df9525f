// Package device holds the device registry and the built-in toggle device
// automation platform.
package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"openpeer-hub/internal/core"
)

// Device is a physical or virtual device and the entities it exposes.
type Device struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Entities     []string `json:"entities"`
}

// ManufacturerGroup groups devices under one manufacturer name.
type ManufacturerGroup struct {
	Name    string   `json:"name"`
	Devices []Device `json:"devices"`
}

// Registry holds devices keyed by ID.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Add inserts or replaces a device.
func (r *Registry) Add(d Device) {
	cp := d
	cp.Entities = append([]string(nil), d.Entities...)
	r.mu.Lock()
	r.devices[d.ID] = &cp
	r.mu.Unlock()
}

// Get returns a copy of the device with id, or nil.
func (r *Registry) Get(id string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil
	}
	cp := *d
	cp.Entities = append([]string(nil), d.Entities...)
	return &cp
}

// Devices returns all devices sorted by ID.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// EntityFor resolves the entity of device id in domain. It fails unless
// the device has exactly one entity in that domain.
func (r *Registry) EntityFor(id, domain string) (string, error) {
	d := r.Get(id)
	if d == nil {
		return "", fmt.Errorf("%w: unknown device %q", core.ErrInvalidDeviceAutomationConfig, id)
	}
	var found []string
	for _, e := range d.Entities {
		if dom, _ := core.SplitEntityID(e); dom == domain {
			found = append(found, e)
		}
	}
	if len(found) != 1 {
		return "", fmt.Errorf("%w: device %q has %d %s entities, entity_id is required",
			core.ErrInvalidDeviceAutomationConfig, id, len(found), domain)
	}
	return found[0], nil
}

// deviceFile is the JSON structure for files in the devices directory.
type deviceFile struct {
	Devices       []Device            `json:"devices,omitempty"`
	Manufacturers []ManufacturerGroup `json:"manufacturers,omitempty"`
}

// LoadDir reads all *.json files from dir into a registry. A missing or
// empty directory yields an empty registry, not an error.
func LoadDir(dir string, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	if dir == "" {
		return r, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return r, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device files found", "dir", dir)
		return r, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return r, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := json.Unmarshal(data, &df); err != nil {
			return r, fmt.Errorf("parse %s: %w", path, err)
		}

		count := 0
		for _, d := range df.Devices {
			if d.ID == "" {
				logger.Warn("device without id skipped", "path", filepath.Base(path))
				continue
			}
			r.Add(d)
			count++
		}
		for _, mg := range df.Manufacturers {
			for _, d := range mg.Devices {
				if d.ID == "" {
					logger.Warn("device without id skipped", "path", filepath.Base(path))
					continue
				}
				d.Manufacturer = mg.Name
				r.Add(d)
				count++
			}
		}
		logger.Info("loaded device file", "path", filepath.Base(path), "devices", count)
	}

	logger.Info("device registry loaded", "files", len(matches), "devices", r.Len())
	return r, nil
}
