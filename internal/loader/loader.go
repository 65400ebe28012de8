// Package loader defines how frozen model artifacts are fetched. A Handler
// knows how to read one location; a Router picks the handler for a URL.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/specialistvlad/frozengraph/internal/graphdef"
)

// Artifacts is everything a handler returns for one model.
type Artifacts struct {
	// Source is where the artifacts came from, for logging.
	Source string
	Graph  *graphdef.GraphDef
}

// Handler loads model artifacts from one location.
type Handler interface {
	Load(ctx context.Context) (*Artifacts, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context) (*Artifacts, error)

// Load calls f.
func (f HandlerFunc) Load(ctx context.Context) (*Artifacts, error) { return f(ctx) }

// Static returns a handler that always yields a.
func Static(a *Artifacts) Handler {
	return HandlerFunc(func(context.Context) (*Artifacts, error) { return a, nil })
}

// RouteFunc inspects a URL and returns a handler for it, or false when the
// URL is not its kind.
type RouteFunc func(url string) (Handler, bool)

// UnresolvedHandlerError is returned when no route, or more than one route,
// accepts a URL.
type UnresolvedHandlerError struct {
	URL     string
	Matches []string
}

func (e *UnresolvedHandlerError) Error() string {
	if len(e.Matches) == 0 {
		return fmt.Sprintf("no loader handler accepts %q", e.URL)
	}
	return fmt.Sprintf("%d loader handlers accept %q (%s); pass one explicitly", len(e.Matches), e.URL, strings.Join(e.Matches, ", "))
}

// Router holds named routes. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[string]RouteFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]RouteFunc)}
}

// Register adds a route under name.
func (r *Router) Register(name string, route RouteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[name]; exists {
		panic(fmt.Sprintf("loader route with name '%s' already registered", name))
	}
	slog.Debug("Registering loader route.", "name", name)
	r.routes[name] = route
}

// Resolve returns the single handler that accepts url.
func (r *Router) Resolve(url string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []string
	var handler Handler
	for name, route := range r.routes {
		if h, ok := route(url); ok {
			matches = append(matches, name)
			handler = h
		}
	}
	if len(matches) != 1 {
		sort.Strings(matches)
		return nil, &UnresolvedHandlerError{URL: url, Matches: matches}
	}
	return handler, nil
}

// Routes lists the registered route names in sorted order.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
