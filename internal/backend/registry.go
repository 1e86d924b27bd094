package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// Capabilities describes what a provider implementation supports.
type Capabilities struct {
	ZoneList    bool
	ZoneCreate  bool
	DNSSEC      bool
	RecordTypes []string
}

// Factory constructs a backend instance from a validated config.
type Factory func(config models.JSONMap, client *http.Client) (DNSBackend, error)

// Provider is one registry entry: a provider code, its display name, the
// JSON Schema its configs must satisfy, capability flags, and the factory.
type Provider struct {
	Code        string
	DisplayName string
	SchemaJSON  string
	Caps        Capabilities
	Factory     Factory

	compiled *jsonschema.Schema
}

// Registry is the process-wide provider table, populated at startup from
// the built-in implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	client    *http.Client
	zoneLocks *ZoneLocks
}

// NewRegistry creates an empty registry. The shared HTTP client carries
// the per-upstream deadline as its overall timeout floor; per-request
// deadlines still propagate through ctx.
func NewRegistry(upstreamTimeout time.Duration) *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		client:    &http.Client{Timeout: upstreamTimeout},
		zoneLocks: NewZoneLocks(),
	}
}

// Register compiles the provider's schema and adds it to the table.
// Duplicate codes and malformed schemas are programming errors.
func (r *Registry) Register(p *Provider) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(p.SchemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for provider %s: %w", p.Code, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	resource := p.Code + "-config.json"
	if err := compiler.AddResource(resource, parsed); err != nil {
		return fmt.Errorf("add schema resource for provider %s: %w", p.Code, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for provider %s: %w", p.Code, err)
	}
	p.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Code]; exists {
		return fmt.Errorf("provider %s already registered", p.Code)
	}
	r.providers[p.Code] = p
	return nil
}

// Get returns the provider for a code.
func (r *Registry) Get(code string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[code]
	return p, ok
}

// Codes lists registered provider codes in sorted order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.providers))
	for code := range r.providers {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ValidateConfig checks a service config against the provider's schema.
// Invalid configuration fails with config_invalid before any instance is
// constructed.
func (r *Registry) ValidateConfig(code string, config models.JSONMap) error {
	p, ok := r.Get(code)
	if !ok {
		return apperr.Newf(apperr.KindConfigInvalid, "unknown provider: %s", code)
	}

	// Round-trip through JSON so the schema sees plain decoded values.
	raw, err := json.Marshal(config)
	if err != nil {
		return apperr.Newf(apperr.KindConfigInvalid, "encode config: %v", err)
	}
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return apperr.Newf(apperr.KindConfigInvalid, "decode config: %v", err)
	}
	if err := p.compiled.Validate(decoded); err != nil {
		return apperr.Newf(apperr.KindConfigInvalid, "config rejected by %s schema: %v", code, err)
	}
	return nil
}

// Build validates the config and constructs a backend instance for a
// stored service row.
func (r *Registry) Build(code string, config models.JSONMap) (DNSBackend, error) {
	if err := r.ValidateConfig(code, config); err != nil {
		return nil, err
	}
	p, _ := r.Get(code)
	return p.Factory(config, r.client)
}

// ZoneLocks exposes the shared per-zone lock table for providers that
// need read-modify-write serialization.
func (r *Registry) ZoneLocks() *ZoneLocks { return r.zoneLocks }

// RegisterBuiltins installs the built-in providers, honoring per-provider
// enable toggles from configuration.
func (r *Registry) RegisterBuiltins(enabled map[string]bool) error {
	builtins := []*Provider{
		NetcupProvider(r.zoneLocks),
		PowerDNSProvider(),
	}
	for _, p := range builtins {
		if on, known := enabled[p.Code]; known && !on {
			continue
		}
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// ProviderModel converts a registry entry into its persisted registry row
// for seeding.
func ProviderModel(p *Provider) *models.BackendProvider {
	return &models.BackendProvider{
		ProviderCode:  p.Code,
		DisplayName:   p.DisplayName,
		ConfigSchema:  p.SchemaJSON,
		CanZoneList:   p.Caps.ZoneList,
		CanZoneCreate: p.Caps.ZoneCreate,
		CanDNSSEC:     p.Caps.DNSSEC,
		RecordTypes:   models.StringSet(p.Caps.RecordTypes),
		IsEnabled:     true,
	}
}
