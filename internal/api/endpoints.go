package api

import (
	"fmt"
	"strings"
	"sync"
)

const DefaultUniverseDomain = "googleapis.com"

// Endpoints holds the base URLs of the services the client talks to.
// Resource Manager calls can be redirected to a regional endpoint for the
// duration of an Override scope.
type Endpoints struct {
	mu       sync.RWMutex
	crm      string
	ar       string
	location string
	regional func(location string) string
}

// EndpointOption configures Endpoints.
type EndpointOption func(*Endpoints)

// WithResourceManager sets the global Resource Manager base URL. Empty keeps
// the default.
func WithResourceManager(base string) EndpointOption {
	return func(e *Endpoints) {
		if base != "" {
			e.crm = withSlash(base)
		}
	}
}

// WithArtifactRegistry sets the Artifact Registry base URL. Empty keeps the
// default.
func WithArtifactRegistry(base string) EndpointOption {
	return func(e *Endpoints) {
		if base != "" {
			e.ar = withSlash(base)
		}
	}
}

// WithRegionalResolver sets how a location maps to a Resource Manager base URL.
func WithRegionalResolver(fn func(location string) string) EndpointOption {
	return func(e *Endpoints) { e.regional = fn }
}

// NewEndpoints returns the production endpoints for universe.
func NewEndpoints(universe string, opts ...EndpointOption) *Endpoints {
	if universe == "" {
		universe = DefaultUniverseDomain
	}
	e := &Endpoints{
		crm: fmt.Sprintf("https://cloudresourcemanager.%s/", universe),
		ar:  fmt.Sprintf("https://artifactregistry.%s/", universe),
		regional: func(location string) string {
			return fmt.Sprintf("https://%s-cloudresourcemanager.%s/", location, universe)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResourceManager returns the current Resource Manager base URL.
func (e *Endpoints) ResourceManager() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.crm
}

// ArtifactRegistry returns the Artifact Registry base URL.
func (e *Endpoints) ArtifactRegistry() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ar
}

// Location returns the location of the active override, or "" when Resource
// Manager calls go to the global endpoint.
func (e *Endpoints) Location() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.location
}

// Override points Resource Manager calls at the regional endpoint for
// location until restore is called. Global and empty locations leave the
// endpoint untouched. restore is safe to call more than once.
func (e *Endpoints) Override(location string) (restore func()) {
	if IsGlobal(location) {
		return func() {}
	}

	e.mu.Lock()
	prev, prevLocation := e.crm, e.location
	e.crm = withSlash(e.regional(location))
	e.location = location
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.crm, e.location = prev, prevLocation
			e.mu.Unlock()
		})
	}
}

// WithLocation runs fn with the endpoint override for location in place.
// The previous endpoint is restored when fn returns, fails or panics.
func (e *Endpoints) WithLocation(location string, fn func() error) error {
	restore := e.Override(location)
	defer restore()
	return fn()
}

// IsGlobal reports whether location is served by the global endpoint.
func IsGlobal(location string) bool {
	return location == "" || location == "global"
}

func withSlash(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}
