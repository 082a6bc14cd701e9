// Package catalog provides the built-in applications and loads operator
// applications from YAML or JSON files.
// This is the node's "application phonebook": it maps application ids like
// "echo" to their ordered steps and templates.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tutu-network/conductor/internal/domain"
)

// Builtin is the list of applications every node can offer.
// They need nothing from a worker beyond the stock `conductor worker`.
var Builtin = []domain.Application{
	{
		ID:   "echo",
		Name: "Echo: the worker returns its input",
		Steps: []domain.Step{
			{
				ID:       "echo",
				Type:     "echo",
				Template: json.RawMessage(`{"message":"hello"}`),
			},
		},
	},
	{
		ID:   "echo-chain",
		Name: "Echo chain: the second step receives the first step's output",
		Steps: []domain.Step{
			{
				ID:       "first",
				Type:     "echo",
				Template: json.RawMessage(`{"message":"hello"}`),
			},
			{
				ID:       "second",
				Type:     "echo",
				Template: json.RawMessage(`{"previous":{"step":"first","path":"/echo"}}`),
			},
		},
	},
}

// Lookup finds a built-in application by id.
// Returns nil if not found.
func Lookup(id string) *domain.Application {
	for i := range Builtin {
		if Builtin[i].ID == id {
			return &Builtin[i]
		}
	}
	return nil
}

// ─── Files ──────────────────────────────────────────────────────────────────

// fileApplication is the on-disk form. Templates are free-form YAML and
// are stored as JSON.
type fileApplication struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Steps []fileStep `yaml:"steps"`
}

type fileStep struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	Capabilities []string `yaml:"capabilities"`
	Workflow     string   `yaml:"workflow"`
	Delegation   string   `yaml:"delegation"`
	Template     any      `yaml:"template"`
}

var extensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// LoadDir reads every *.yaml, *.yml and *.json file in dir, in name order.
// A missing directory yields no applications. Two definitions with the same
// id are an error.
func LoadDir(dir string) ([]domain.Application, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var apps []domain.Application
	seen := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, app := range loaded {
			if prev, dup := seen[app.ID]; dup {
				return nil, fmt.Errorf("%w: application %q defined in %s and %s", domain.ErrInvalidArgument, app.ID, prev, name)
			}
			seen[app.ID] = name
			apps = append(apps, app)
		}
	}
	return apps, nil
}

// LoadFile parses one file. A YAML file may hold several documents
// separated by "---", one application each.
func LoadFile(path string) ([]domain.Application, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var apps []domain.Application
	dec := yaml.NewDecoder(f)
	for {
		var fa fileApplication
		err := dec.Decode(&fa)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		app, err := fa.toDomain()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		apps = append(apps, app)
	}
	return apps, nil
}

func (fa fileApplication) toDomain() (domain.Application, error) {
	app := domain.Application{ID: fa.ID, Name: fa.Name}
	for _, fs := range fa.Steps {
		step := domain.Step{
			ID:           fs.ID,
			Type:         fs.Type,
			Capabilities: fs.Capabilities,
			WorkflowID:   fs.Workflow,
			Delegation:   domain.DelegationStrategy(fs.Delegation),
		}
		if fs.Template != nil {
			raw, err := json.Marshal(fs.Template)
			if err != nil {
				return app, fmt.Errorf("%w: step %q template: %v", domain.ErrInvalidArgument, fs.ID, err)
			}
			step.Template = raw
		}
		app.Steps = append(app.Steps, step)
	}
	if err := app.Validate(); err != nil {
		return app, err
	}
	return app, nil
}
