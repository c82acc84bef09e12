package warpclient

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the client's on-disk configuration: a default host
// string, and per-host diagnostic bookkeeping (the set of Recon class
// names last seen registered against that host, kept only so a
// restarted process can report what changed - never consulted by the
// in-memory codec registry itself). DefaultHost is only stored and
// round-tripped; Client.Open does not fall back to it when a view has
// no host. Write re-marshals the whole struct each time, so
// hand-written comments in the file are not preserved.
type ClientConfig struct {
	mu sync.RWMutex

	DefaultHost      string              `yaml:"defaultHost"`
	KnownClassesByHost map[string][]string `yaml:"knownClasses"`

	raw yaml.Node // decoded document, preserved for round-tripping comments
}

// NewClientConfig returns an empty configuration.
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		KnownClassesByHost: make(map[string][]string),
	}
}

// Load reads and decodes fn. A missing file is returned as an error;
// callers may check os.IsNotExist(err), as lwl/main.go does.
func (c *ClientConfig) Load(fn string) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := yaml.Unmarshal(data, &c.raw); err != nil {
		return err
	}
	if c.KnownClassesByHost == nil {
		c.KnownClassesByHost = make(map[string][]string)
	}
	return yaml.Unmarshal(data, c)
}

// NoteClass records that name has been registered against host, for
// the next Write.
func (c *ClientConfig) NoteClass(host, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.KnownClassesByHost == nil {
		c.KnownClassesByHost = make(map[string][]string)
	}
	for _, existing := range c.KnownClassesByHost[host] {
		if existing == name {
			return
		}
	}
	c.KnownClassesByHost[host] = append(c.KnownClassesByHost[host], name)
}

// Write atomically replaces fn with the current configuration, via a
// temp file plus rename in the same directory, as lwl/main.go's
// config.write does.
func (c *ClientConfig) Write(fn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.raw.Content) == 0 {
		doc, err := yaml.Marshal(c)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(doc, &c.raw); err != nil {
			return err
		}
	} else {
		patched, err := yaml.Marshal(c)
		if err != nil {
			return err
		}
		var flat yaml.Node
		if err := yaml.Unmarshal(patched, &flat); err != nil {
			return err
		}
		c.raw = flat
	}

	f, err := os.CreateTemp(filepath.Dir(fn), "."+filepath.Base(fn)+"*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c.raw); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), fn)
}
