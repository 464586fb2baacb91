package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/flowrun/graph"
	yaml "go.yaml.in/yaml/v2"
)

// workflowFile is the on-disk shape of a workflow: the owning identities
// next to the graph itself.
type workflowFile struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	graph.WorkflowConfig
}

// loadWorkflow reads a JSON or YAML workflow file. A file without an id is
// identified by its base name.
func loadWorkflow(path string) (graph.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Workflow{}, err
	}
	wf, err := decodeWorkflow(data, filepath.Ext(path))
	if err != nil {
		return graph.Workflow{}, fmt.Errorf("%s: %w", path, err)
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return wf, nil
}

func decodeWorkflow(data []byte, ext string) (graph.Workflow, error) {
	data, err := toJSON(data, ext)
	if err != nil {
		return graph.Workflow{}, err
	}
	var f workflowFile
	if err := json.Unmarshal(data, &f); err != nil {
		return graph.Workflow{}, fmt.Errorf("decode workflow: %w", err)
	}
	return graph.Workflow{
		ID:             f.ID,
		OrganizationID: f.OrganizationID,
		UserID:         f.UserID,
		Config:         f.WorkflowConfig,
	}, nil
}

// toJSON converts YAML documents to JSON so that every file decodes with
// the same json tags and number types.
func toJSON(data []byte, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return json.Marshal(normalizeYAML(raw))
	default:
		return data, nil
	}
}

// normalizeYAML turns the map[interface{}]interface{} values yaml.v2
// produces into map[string]any.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// loadInput decodes the invocation payload from an inline JSON string or a
// JSON/YAML file. Neither yields a nil input.
func loadInput(inline, path string) (any, error) {
	var data []byte
	ext := ".json"
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	case inline != "":
		data = []byte(inline)
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data, ext = b, filepath.Ext(path)
	default:
		return nil, nil
	}
	data, err := toJSON(data, ext)
	if err != nil {
		return nil, err
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return input, nil
}

// catalog holds the workflows a server can execute, keyed by id.
type catalog struct {
	mu        sync.RWMutex
	workflows map[string]graph.Workflow
}

func newCatalog() *catalog {
	return &catalog{workflows: make(map[string]graph.Workflow)}
}

// loadCatalog reads every workflow file under paths. Directories are
// scanned one level deep for .json, .yaml and .yml files. Each workflow
// must validate.
func loadCatalog(paths ...string) (*catalog, error) {
	c := newCatalog()
	for _, p := range paths {
		files, err := workflowFiles(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			wf, err := loadWorkflow(f)
			if err != nil {
				return nil, err
			}
			if err := wf.Config.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			if err := c.Add(wf); err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
		}
	}
	return c, nil
}

func workflowFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	return files, nil
}

// Add registers wf. Ids are unique.
func (c *catalog) Add(wf graph.Workflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workflows[wf.ID]; ok {
		return fmt.Errorf("duplicate workflow id %q", wf.ID)
	}
	c.workflows[wf.ID] = wf
	return nil
}

func (c *catalog) Get(id string) (graph.Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.workflows[id]
	return wf, ok
}

// IDs returns the registered workflow ids in sorted order.
func (c *catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
