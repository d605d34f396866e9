// Package catalog serves the lab catalog from a JSON file. Content
// semantics are opaque to the rest of the service; sessions only need to
// know a lab exists.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

var ErrLabNotFound = errors.New("lab not found")

// Lab is one catalog entry. Steps and completion data pass through
// untouched; only the identity and filter fields are interpreted here.
type Lab struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Persona       []string        `json:"persona"`
	Category      string          `json:"category"`
	Duration      string          `json:"duration,omitempty"`
	Difficulty    string          `json:"difficulty,omitempty"`
	Skills        []string        `json:"skills,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Prerequisites []string        `json:"prerequisites,omitempty"`
	Description   string          `json:"description,omitempty"`
	Steps         json.RawMessage `json:"steps,omitempty"`
	Completion    json.RawMessage `json:"completion,omitempty"`
}

type catalogFile struct {
	Labs []Lab `json:"labs"`
}

// Catalog is a file-backed lab catalog with hot reload.
type Catalog struct {
	path string
	log  logrus.FieldLogger

	mu    sync.RWMutex
	labs  map[string]Lab
	order []string
}

// Load reads the catalog file and returns a ready catalog.
func Load(path string, log logrus.FieldLogger) (*Catalog, error) {
	c := &Catalog{
		path: path,
		log:  log.WithField("component", "catalog"),
		labs: make(map[string]Lab),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing catalog: %w", err)
	}

	labs := make(map[string]Lab, len(file.Labs))
	order := make([]string, 0, len(file.Labs))
	for _, lab := range file.Labs {
		if lab.ID == "" {
			continue
		}
		if _, dup := labs[lab.ID]; !dup {
			order = append(order, lab.ID)
		}
		labs[lab.ID] = lab
	}

	c.mu.Lock()
	c.labs = labs
	c.order = order
	c.mu.Unlock()

	c.log.WithField("labs", len(labs)).Info("Catalog loaded")
	return nil
}

// Watch reloads the catalog when the file changes, until stop is closed.
// A bad edit keeps the previous catalog in place.
func (c *Catalog) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching catalog: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.log.WithError(err).Warn("Catalog reload failed, keeping previous catalog")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.WithError(err).Warn("Catalog watcher error")
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// List returns labs, optionally filtered by category and persona.
func (c *Catalog) List(category, persona string) []Lab {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Lab, 0, len(c.order))
	for _, id := range c.order {
		lab := c.labs[id]
		if category != "" && lab.Category != category {
			continue
		}
		if persona != "" && !contains(lab.Persona, persona) {
			continue
		}
		out = append(out, lab)
	}
	return out
}

// Get returns one lab by id.
func (c *Catalog) Get(id string) (Lab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lab, ok := c.labs[id]
	if !ok {
		return Lab{}, ErrLabNotFound
	}
	return lab, nil
}

// Exists reports whether the lab id resolves in the catalog.
func (c *Catalog) Exists(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.labs[id]
	return ok
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
