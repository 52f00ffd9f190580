package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mtzanidakis/batchchain/internal/config"
)

// Persona is what a chain needs to prompt one agent.
type Persona struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model"`
	Subordinates []string `json:"subordinates,omitempty"`
}

// Department is a department head together with its routing keywords.
type Department struct {
	ID          string
	Keywords    []string
	Specialists []string
}

// Directory resolves agent identifiers to personas. Persona files are read
// once when the directory is built so lookups never touch the disk.
type Directory struct {
	mu          sync.RWMutex
	departments []Department
	personas    map[string]Persona
	fallback    string
}

func New(cfg *config.Config) (*Directory, error) {
	d := &Directory{}
	if err := d.Update(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Update rebuilds the directory from cfg. On error the previous contents
// stay in place.
func (d *Directory) Update(cfg *config.Config) error {
	departments := make([]Department, 0, len(cfg.Departments))
	personas := make(map[string]Persona)

	add := func(id string, subordinates []string) error {
		if _, ok := personas[id]; ok {
			if len(subordinates) == 0 {
				return nil
			}
		}
		p, err := loadPersona(id, cfg.Agents[id], cfg.Defaults)
		if err != nil {
			return err
		}
		p.Subordinates = subordinates
		personas[id] = p
		return nil
	}

	for _, dc := range cfg.Departments {
		departments = append(departments, Department{
			ID:          dc.ID,
			Keywords:    lowerAll(dc.Keywords),
			Specialists: append([]string(nil), dc.Specialists...),
		})
		if err := add(dc.ID, append([]string(nil), dc.Specialists...)); err != nil {
			return err
		}
		for _, sp := range dc.Specialists {
			if err := add(sp, nil); err != nil {
				return err
			}
		}
	}
	for id := range cfg.Agents {
		if err := add(id, nil); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.departments = departments
	d.personas = personas
	d.fallback = cfg.FallbackDepartment()
	return nil
}

// Resolve returns the persona of agentID, including its subordinate
// specialists when it is a department head.
func (d *Directory) Resolve(agentID string) (Persona, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.personas[agentID]
	if ok {
		p.Subordinates = append([]string(nil), p.Subordinates...)
	}
	return p, ok
}

// Departments returns department ids in priority order.
func (d *Directory) Departments() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, len(d.departments))
	for i, dep := range d.departments {
		ids[i] = dep.ID
	}
	return ids
}

// Subordinates returns the specialists of a department, nil when the id is
// not a department.
func (d *Directory) Subordinates(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dep := range d.departments {
		if dep.ID == id {
			return append([]string(nil), dep.Specialists...)
		}
	}
	return nil
}

// DepartmentTable returns a copy of the departments in priority order.
func (d *Directory) DepartmentTable() []Department {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Department, len(d.departments))
	copy(out, d.departments)
	return out
}

func (d *Directory) IsDepartment(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dep := range d.departments {
		if dep.ID == id {
			return true
		}
	}
	return false
}

// Fallback is the department that answers when nothing else can decide.
func (d *Directory) Fallback() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fallback
}

// Descriptions maps department ids to one-line descriptions, for the
// classification prompt.
func (d *Directory) Descriptions() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	descs := make(map[string]string, len(d.departments))
	for _, dep := range d.departments {
		desc := d.personas[dep.ID].Description
		if desc == "" {
			desc = d.personas[dep.ID].Name
		}
		descs[dep.ID] = desc
	}
	return descs
}

func loadPersona(id string, def config.AgentDefinition, defaults config.DefaultsConfig) (Persona, error) {
	p := Persona{
		ID:          id,
		Name:        def.Name,
		Description: def.Description,
		Model:       def.Model,
	}
	if p.Name == "" {
		p.Name = id
	}
	if p.Model == "" {
		p.Model = defaults.Model
	}

	text, err := personaText(id, def, defaults.BasePath)
	if err != nil {
		return Persona{}, err
	}
	if text == "" {
		text = fmt.Sprintf("You are %s.", p.Name)
		if p.Description != "" {
			text += " " + p.Description
		}
	}
	p.SystemPrompt = text
	return p, nil
}

// personaText picks the inline persona, then the configured persona file,
// then <base>/<id>/PERSONA.md. A missing default file is not an error.
func personaText(id string, def config.AgentDefinition, basePath string) (string, error) {
	if def.Persona != "" {
		return strings.TrimSpace(def.Persona), nil
	}
	if def.PersonaFile != "" {
		data, err := os.ReadFile(filepath.Join(basePath, def.PersonaFile))
		if err != nil {
			return "", fmt.Errorf("read persona for %s: %w", id, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	data, err := os.ReadFile(filepath.Join(basePath, id, "PERSONA.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read persona for %s: %w", id, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
