// Package charts holds the explicit chart registry. Notebook cells opt in by
// registering chart objects, which lets the validator check exactly those
// objects instead of scanning every module-level value.
package charts

import (
	"maps"
	"strings"
	"sync"

	"marimoguard/internal/logging"
)

// Object is an opaque handle to a chart living in the notebook runtime.
type Object interface {
	// Namespace is the module the object's class was defined in.
	Namespace() string
	// TypeName is the unqualified class name.
	TypeName() string
	// HasAttr reports whether the object exposes the named attribute.
	HasAttr(name string) bool
	// IsInstance reports whether the object is an instance of the class
	// with the given qualified name (e.g. "bokeh.model.Model").
	IsInstance(qualname string) bool
}

// KnownLibraries is checked in order when inferring a library tag.
var KnownLibraries = []string{
	"altair",
	"plotly",
	"bokeh",
	"matplotlib",
	"holoviews",
	"pyecharts",
	"folium",
	"pydeck",
	"plotnine",
	"graphviz",
}

// InferLibrary maps an originating namespace to a library tag. The first
// known library that prefixes the namespace wins; otherwise the namespace
// itself is returned, or "unknown" when it is empty.
func InferLibrary(namespace string) string {
	for _, lib := range KnownLibraries {
		if strings.HasPrefix(namespace, lib) {
			return lib
		}
	}
	if namespace == "" {
		return "unknown"
	}
	return namespace
}

// Entry is one registered chart. Entries are never modified after
// registration.
type Entry struct {
	Name     string         `json:"name"`
	Object   Object         `json:"-"`
	Library  string         `json:"lib"`
	Metadata map[string]any `json:"meta,omitempty"`
}

// Description is an Entry with the object replaced by a placeholder, safe
// to serialize.
type Description struct {
	Name     string         `json:"name"`
	Object   string         `json:"obj"`
	Library  string         `json:"lib"`
	Metadata map[string]any `json:"meta"`
}

// Registry is a per-session list of chart entries in registration order.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a chart. An empty library is inferred from the
// object's namespace.
func (r *Registry) Register(name string, obj Object, library string, meta map[string]any) Entry {
	if library == "" {
		ns := ""
		if obj != nil {
			ns = obj.Namespace()
		}
		library = InferLibrary(ns)
	}
	entry := Entry{
		Name:     name,
		Object:   obj,
		Library:  library,
		Metadata: maps.Clone(meta),
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	logging.ChartsDebug("Registered chart %q (lib=%s)", name, library)
	return entry
}

// RegisterAltair registers an Altair chart.
func (r *Registry) RegisterAltair(name string, chart Object, meta map[string]any) Entry {
	return r.Register(name, chart, "altair", meta)
}

// RegisterPlotly registers a Plotly figure.
func (r *Registry) RegisterPlotly(name string, fig Object, meta map[string]any) Entry {
	return r.Register(name, fig, "plotly", meta)
}

// RegisterBokeh registers a Bokeh model.
func (r *Registry) RegisterBokeh(name string, model Object, meta map[string]any) Entry {
	return r.Register(name, model, "bokeh", meta)
}

// Snapshot returns a copy of the entries. Later registrations do not
// affect a snapshot already taken.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Clear removes all entries.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Describe lists the entries without their objects.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Description, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Description{
			Name:     e.Name,
			Object:   "<object>",
			Library:  e.Library,
			Metadata: e.Metadata,
		})
	}
	return out
}

// Binding is a top-level name in an executed notebook module.
type Binding struct {
	Name   string
	Object Object
}
