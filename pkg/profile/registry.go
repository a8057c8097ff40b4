package profile

import (
	"context"
	"fmt"
	"time"

	"personet/pkg/logger"
)

// AnalysisModule consumes one interaction window and updates profile
// dimensions. Modules are independent; one failing never stops another.
type AnalysisModule interface {
	Name() string
	Analyze(ctx context.Context, input AnalysisInput) error
}

// RegistryOptions bounds module dispatch.
type RegistryOptions struct {
	// ModuleTimeout caps one module's run, extractor call included.
	// Zero disables the bound.
	ModuleTimeout time.Duration
}

// AnalysisModuleRegistry holds the enabled analysis modules and
// dispatches interaction windows to them with failure isolation.
type AnalysisModuleRegistry struct {
	store   Store
	opts    RegistryOptions
	modules []AnalysisModule
	enabled map[string]bool
}

func NewAnalysisModuleRegistry(store Store, opts RegistryOptions) *AnalysisModuleRegistry {
	return &AnalysisModuleRegistry{
		store:   store,
		opts:    opts,
		enabled: map[string]bool{},
	}
}

// Register adds a module. Duplicate names are rejected so metrics and
// enable flags stay unambiguous.
func (r *AnalysisModuleRegistry) Register(m AnalysisModule, enabled bool) error {
	for _, existing := range r.modules {
		if existing.Name() == m.Name() {
			return fmt.Errorf("%w: module %q already registered", ErrValidation, m.Name())
		}
	}
	r.modules = append(r.modules, m)
	r.enabled[m.Name()] = enabled
	return nil
}

// SetEnabled toggles a registered module at runtime.
func (r *AnalysisModuleRegistry) SetEnabled(name string, enabled bool) {
	if _, ok := r.enabled[name]; ok {
		r.enabled[name] = enabled
	}
}

// ModuleNames lists registered modules in registration order.
func (r *AnalysisModuleRegistry) ModuleNames() []string {
	names := make([]string, 0, len(r.modules))
	for _, m := range r.modules {
		names = append(names, m.Name())
	}
	return names
}

// Dispatch runs every enabled module against the input sequentially.
// Module errors and panics are logged, counted and swallowed; the first
// error is returned as an ExtractionError for callers that care.
func (r *AnalysisModuleRegistry) Dispatch(ctx context.Context, input AnalysisInput) error {
	var firstErr error
	for _, m := range r.modules {
		if !r.enabled[m.Name()] {
			continue
		}
		if err := r.runModule(ctx, m, input); err != nil {
			logger.WarnCF("registry", "analysis module failed", map[string]any{
				"module": m.Name(), "error": err.Error(),
			})
			_ = r.store.AddMetric(ctx, "analysis_module_failed", 1, map[string]string{"module": m.Name()})
			if firstErr == nil {
				firstErr = &ExtractionError{Module: m.Name(), Err: err}
			}
		}
	}
	return firstErr
}

func (r *AnalysisModuleRegistry) runModule(ctx context.Context, m AnalysisModule, input AnalysisInput) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("module panicked: %v", rec)
		}
	}()

	runCtx := ctx
	if r.opts.ModuleTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.opts.ModuleTimeout)
		defer cancel()
	}
	return m.Analyze(runCtx, input)
}
