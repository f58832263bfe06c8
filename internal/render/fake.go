package render

import (
	"sync"

	"github.com/paulmach/orb"
)

// FakeMap is an in-memory rendering surface for tests. It maintains a real
// ordered layer stack so insertion-anchor behavior can be asserted, and
// records camera commands.
type FakeMap struct {
	mu      sync.Mutex
	stack   []LayerSpec // bottom to top
	sources map[string]SourceSpec
	paint   map[string]map[string]any
	layout  map[string]map[string]any

	FlyTos    []orb.Point
	FitCalls  []orb.Bound
	EaseCalls int
}

// NewFakeMap creates a fake surface preloaded with the given base-style
// layers, bottom to top.
func NewFakeMap(base ...LayerSpec) *FakeMap {
	return &FakeMap{
		stack:   append([]LayerSpec{}, base...),
		sources: make(map[string]SourceSpec),
		paint:   make(map[string]map[string]any),
		layout:  make(map[string]map[string]any),
	}
}

func (f *FakeMap) HasSource(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sources[id]
	return ok
}

func (f *FakeMap) AddSource(id string, src SourceSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[id] = src
}

func (f *FakeMap) RemoveSource(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, id)
}

// Source returns a source by id for assertions.
func (f *FakeMap) Source(id string) (SourceSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	return src, ok
}

func (f *FakeMap) HasLayer(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexOf(id) >= 0
}

func (f *FakeMap) AddLayer(spec LayerSpec, beforeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexOf(spec.ID) >= 0 {
		return
	}
	if beforeID == "" {
		f.stack = append(f.stack, spec)
		return
	}
	i := f.indexOf(beforeID)
	if i < 0 {
		f.stack = append(f.stack, spec)
		return
	}
	f.stack = append(f.stack[:i], append([]LayerSpec{spec}, f.stack[i:]...)...)
}

func (f *FakeMap) RemoveLayer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexOf(id)
	if i < 0 {
		return
	}
	f.stack = append(f.stack[:i], f.stack[i+1:]...)
}

func (f *FakeMap) LayerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.stack))
	for i, l := range f.stack {
		ids[i] = l.ID
	}
	return ids
}

func (f *FakeMap) LayerType(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexOf(id)
	if i < 0 {
		return ""
	}
	return f.stack[i].Type
}

// Layer returns a stacked layer by id for assertions.
func (f *FakeMap) Layer(id string) (LayerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexOf(id)
	if i < 0 {
		return LayerSpec{}, false
	}
	return f.stack[i], true
}

func (f *FakeMap) SetPaintProperty(layerID, key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paint[layerID] == nil {
		f.paint[layerID] = make(map[string]any)
	}
	f.paint[layerID][key] = value
}

func (f *FakeMap) SetLayoutProperty(layerID, key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.layout[layerID] == nil {
		f.layout[layerID] = make(map[string]any)
	}
	f.layout[layerID][key] = value
}

// PaintProperty returns a recorded paint property for assertions.
func (f *FakeMap) PaintProperty(layerID, key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, ok := f.paint[layerID]
	if !ok {
		return nil, false
	}
	v, ok := props[key]
	return v, ok
}

// LayoutProperty returns a recorded layout property for assertions.
func (f *FakeMap) LayoutProperty(layerID, key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, ok := f.layout[layerID]
	if !ok {
		return nil, false
	}
	v, ok := props[key]
	return v, ok
}

func (f *FakeMap) FlyTo(center orb.Point, zoom float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FlyTos = append(f.FlyTos, center)
}

func (f *FakeMap) FitBounds(b orb.Bound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FitCalls = append(f.FitCalls, b)
}

func (f *FakeMap) EaseTo(bearing, pitch float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EaseCalls++
}

// indexOf must be called with the mutex held.
func (f *FakeMap) indexOf(id string) int {
	for i, l := range f.stack {
		if l.ID == id {
			return i
		}
	}
	return -1
}
