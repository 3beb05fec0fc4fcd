package analyzer

import (
	"fmt"
	"sync"
)

// Constructor builds an analyzer variant
type Constructor func(opts Options) Analyzer

var analyzerTypes = map[string]Constructor{
	"helmet_detection": func(o Options) Analyzer { return NewHelmetAnalyzer(o) },
	"ppe_detection":    func(o Options) Analyzer { return NewPPEAnalyzer(o) },
}

type registryEntry struct {
	once     sync.Once
	analyzer Analyzer
	err      error
}

// Registry hands out one analyzer per skill, created on first use
type Registry struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, entries: make(map[string]*registryEntry)}
}

// For returns the analyzer of skillID, building it for skillType exactly once
func (r *Registry) For(skillID, skillType string) (Analyzer, error) {
	r.mu.Lock()
	e, ok := r.entries[skillID]
	if !ok {
		e = &registryEntry{}
		r.entries[skillID] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		ctor, ok := analyzerTypes[skillType]
		if !ok {
			e.err = fmt.Errorf("no anomaly analyzer for skill type %q", skillType)
			return
		}
		e.analyzer = ctor(r.opts)
	})
	return e.analyzer, e.err
}
