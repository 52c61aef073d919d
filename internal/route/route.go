package route

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/provider"
)

var (
	// ErrUnknownProvider is returned when a provider id has no registration.
	ErrUnknownProvider = errors.New("route: unknown provider")
	// ErrNoRoute is returned when the engine config cannot be satisfied.
	ErrNoRoute = errors.New("route: no viable route")
	// ErrCredentialsMissing is returned when a cloud side is selected but the
	// configured credential is absent.
	ErrCredentialsMissing = errors.New("route: cloud credentials missing")
)

// Plan records which side of the pipeline runs where. A split placement
// forces the two-step hybrid execution path.
type Plan struct {
	ASRLocal      bool
	LLMLocal      bool
	ASRProviderID string
	LLMProviderID string
}

func (p Plan) Hybrid() bool {
	return p.ASRLocal != p.LLMLocal
}

// Registry maps provider ids to live clients.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]provider.Provider)}
}

func (r *Registry) Register(id string, p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

func (r *Registry) Resolve(id string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// Route is a resolved plan: the placement decision plus the clients that
// will serve each side. LLM is nil when rewrite is disabled and no LLM
// provider is configured.
type Route struct {
	Plan Plan
	ASR  provider.Provider
	LLM  provider.Provider
}

// Planner turns engine config into a Route. The decision is made once per
// recording at stop time and never revisited mid-inference.
type Planner struct {
	registry     *Registry
	lookupSecret func(string) string
	logger       *slog.Logger
}

func NewPlanner(registry *Registry, logger *slog.Logger) *Planner {
	return &Planner{
		registry:     registry,
		lookupSecret: os.Getenv,
		logger:       logger.With("component", "route"),
	}
}

// SetSecretLookup overrides credential resolution. Test hook.
func (pl *Planner) SetSecretLookup(fn func(string) string) {
	pl.lookupSecret = fn
}

func (pl *Planner) Plan(cfg config.EngineConfig) (Route, error) {
	plan := Plan{ASRLocal: cfg.ASRLocal, LLMLocal: cfg.LLMLocal}
	plan.ASRProviderID = pickProvider(cfg, cfg.ASRLocal)
	plan.LLMProviderID = pickProvider(cfg, cfg.LLMLocal)

	if !cfg.ASRLocal || (!cfg.LLMLocal && cfg.LLMRewrite) {
		if cfg.CloudAPIKeyEnv == "" || pl.lookupSecret(cfg.CloudAPIKeyEnv) == "" {
			return Route{}, fmt.Errorf("%w: %s unset", ErrCredentialsMissing, cfg.CloudAPIKeyEnv)
		}
	}

	asr, err := pl.registry.Resolve(plan.ASRProviderID)
	if err != nil {
		return Route{}, fmt.Errorf("%w: asr side: %v", ErrNoRoute, err)
	}
	route := Route{Plan: plan, ASR: asr}

	llm, err := pl.registry.Resolve(plan.LLMProviderID)
	if err != nil {
		if cfg.LLMRewrite {
			return Route{}, fmt.Errorf("%w: llm side: %v", ErrNoRoute, err)
		}
	} else {
		route.LLM = llm
	}

	pl.logger.Debug("route planned",
		"asr_local", plan.ASRLocal,
		"llm_local", plan.LLMLocal,
		"asr_provider", plan.ASRProviderID,
		"llm_provider", plan.LLMProviderID,
		"hybrid", plan.Hybrid())
	return route, nil
}

func pickProvider(cfg config.EngineConfig, local bool) string {
	if local {
		return cfg.LocalProviderID
	}
	return cfg.CloudProviderID
}
