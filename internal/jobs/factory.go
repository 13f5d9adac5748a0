// Package jobs defines the pluggable job body interface and the typed
// registry that maps a (stage, provider) pair to a body constructor.
package jobs

import (
	"context"
	"fmt"

	"github.com/stratopipe/stratopipe/internal/domain"
)

// Body is one provider-specific unit of work. Run executes once all inputs
// are present; it reports failure either by returning an error (mapped to
// status exception) or by setting the record status to failed and filling
// the record's error list.
type Body interface {
	Run(ctx context.Context, rec *domain.JobRecord) error
}

// Constructor builds a Body from a job document. Provider-specific settings
// come from the document's Extra fields.
type Constructor func(doc domain.JobDoc) (Body, error)

// UnsupportedProviderError rejects a job whose provider has no registered
// constructor for this stage.
type UnsupportedProviderError struct {
	Provider domain.Provider
	Stage    string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("provider %s is not supported by stage %s", e.Provider, e.Stage)
}

// InvalidConfigError rejects a job whose document could not be turned into
// a body. It always carries the construction-time cause.
type InvalidConfigError struct {
	Provider domain.Provider
	Stage    string
	Err      error
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid %s job config for stage %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *InvalidConfigError) Unwrap() error { return e.Err }

// Factory resolves job bodies for one stage. Register all constructors
// during startup, before the stage begins consuming.
type Factory struct {
	stage        string
	constructors map[domain.Provider]Constructor
	fallback     Constructor
}

// NewFactory creates an empty factory for the named stage.
func NewFactory(stage string) *Factory {
	return &Factory{
		stage:        stage,
		constructors: make(map[domain.Provider]Constructor),
	}
}

// Register binds a provider to a body constructor.
func (f *Factory) Register(provider domain.Provider, c Constructor) {
	f.constructors[provider] = c
}

// RegisterFallback installs a constructor used when a job's provider has no
// dedicated registration. Stages that may skip providers register the no-op
// body here.
func (f *Factory) RegisterFallback(c Constructor) {
	f.fallback = c
}

// Create builds the body for a job document. It returns only the two typed
// errors above: a raw constructor failure or panic is re-wrapped as
// *InvalidConfigError.
func (f *Factory) Create(provider domain.Provider, doc domain.JobDoc) (body Body, err error) {
	constructor, ok := f.constructors[provider]
	if !ok {
		constructor = f.fallback
	}
	if constructor == nil {
		return nil, &UnsupportedProviderError{Provider: provider, Stage: f.stage}
	}

	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = &InvalidConfigError{Provider: provider, Stage: f.stage, Err: fmt.Errorf("constructor panic: %v", r)}
		}
	}()

	body, err = constructor(doc)
	if err != nil {
		return nil, &InvalidConfigError{Provider: provider, Stage: f.stage, Err: err}
	}
	return body, nil
}

// Noop returns a constructor for a body that marks the job successful
// without doing provider work.
func Noop() Constructor {
	return func(domain.JobDoc) (Body, error) { return noopBody{}, nil }
}

type noopBody struct{}

func (noopBody) Run(ctx context.Context, rec *domain.JobRecord) error {
	rec.Status = domain.StatusSuccess
	return nil
}
