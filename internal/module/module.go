// Package module loads game modules: the manifest naming a game's trackable
// objectives plus the sandboxed Lua watcher script that binds console memory
// regions to objective state updates.
//
// A module loads wholesale or not at all. Any invalid watch declaration,
// duplicate objective id, or script error rejects the entire load so a
// partially registered module can never drive the poller.
package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrModuleLoad indicates a module that failed validation or whose watcher
// script could not be loaded into the sandbox.
var ErrModuleLoad = errors.New("module load failed")

// Manifest is the module's top-level declaration, decoded from manifest.json.
type Manifest struct {
	Name       string         `json:"name"`
	Authors    []string       `json:"authors"`
	GameURL    string         `json:"game-url"`
	AutoTrack  string         `json:"auto-track"`
	Objectives []ObjectiveLoc `json:"objectives"`
}

// ObjectiveLoc points the manifest at a file of objective declarations of a
// given type (key-item, location, ...).
type ObjectiveLoc struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// ObjectiveInfo declares one trackable objective.
type ObjectiveInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Watch is one registered memory watch: a console address range whose
// snapshot is handed to the script dispatch registered alongside it.
type Watch struct {
	Address uint32
	Length  int
}

// Module is a loaded game module: objective declarations plus the sandboxed
// watcher script's registered watches. A Module is not safe for concurrent
// use; the tracker loop owns it.
type Module struct {
	Manifest   Manifest
	objectives []ObjectiveInfo
	watches    []Watch
	sandbox    *sandbox
}

// Load reads the module rooted at dir, validates it, and runs its watcher
// script inside the sandbox to collect watch registrations. All failures
// satisfy errors.Is(err, ErrModuleLoad).
func Load(dir string) (*Module, error) {
	m, err := load(dir)
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", dir, errors.Join(ErrModuleLoad, err))
	}
	return m, nil
}

func load(dir string) (*Module, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.Name == "" {
		return nil, errors.New("manifest has no name")
	}

	m := &Module{Manifest: manifest}

	seen := make(map[string]struct{})
	for _, loc := range manifest.Objectives {
		objPath := filepath.Join(dir, loc.Path)
		objRaw, err := os.ReadFile(objPath)
		if err != nil {
			return nil, fmt.Errorf("read objectives: %w", err)
		}
		var objs []ObjectiveInfo
		if err := json.Unmarshal(objRaw, &objs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", loc.Path, err)
		}
		for _, o := range objs {
			if o.ID == "" {
				return nil, fmt.Errorf("objective with empty id in %s", loc.Path)
			}
			if _, dup := seen[o.ID]; dup {
				return nil, fmt.Errorf("duplicate objective id %q in %s", o.ID, loc.Path)
			}
			seen[o.ID] = struct{}{}
			o.Type = loc.Type
			m.objectives = append(m.objectives, o)
		}
	}

	if manifest.AutoTrack != "" {
		sb, watches, err := loadSandbox(filepath.Join(dir, manifest.AutoTrack))
		if err != nil {
			return nil, err
		}
		m.sandbox = sb
		m.watches = watches
	}

	return m, nil
}

// ObjectiveIDs returns the ids of every objective the module defines, in
// declaration order.
func (m *Module) ObjectiveIDs() []string {
	ids := make([]string, len(m.objectives))
	for i, o := range m.objectives {
		ids[i] = o.ID
	}
	return ids
}

// Objectives returns the module's objective declarations.
func (m *Module) Objectives() []ObjectiveInfo {
	return append([]ObjectiveInfo(nil), m.objectives...)
}

// Watches returns the memory watches registered by the watcher script.
func (m *Module) Watches() []Watch {
	return append([]Watch(nil), m.watches...)
}

// Dispatch runs the dispatch procedure of the watch at index i against one
// snapshot and returns the updates it emitted, in call order. A dispatch
// error (including out-of-range snapshot access) discards that watch's
// updates for the cycle and is reported to the caller.
func (m *Module) Dispatch(i int, snapshot []byte) ([]Update, error) {
	if m.sandbox == nil || i < 0 || i >= len(m.watches) {
		return nil, fmt.Errorf("dispatch: no watch at index %d", i)
	}
	return m.sandbox.dispatch(i, snapshot)
}
