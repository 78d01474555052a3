package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
)

// Keys read from a start command. Provider and model travel in Meta; the key
// travels in Credentials so it never reaches events or summaries.
const (
	MetaProvider   = "provider"
	MetaModel      = "model"
	CredentialsKey = "api_key"
)

// Factory builds an Analyzer for each analysis run.
type Factory struct {
	Defaults Settings
	// NewModel defaults to the langchaingo constructor.
	NewModel func(Settings) (llms.Model, error)
	Clock    job.Clock
	Logger   *zap.Logger
}

// Settings merges the request overrides in cmd onto the defaults. A request
// that switches provider does not inherit the default key or base URL.
func (f Factory) Settings(cmd job.StartCommand) Settings {
	s := f.Defaults.Normalize()
	if p := cmd.Meta[MetaProvider]; p != "" {
		override := Settings{Provider: p}.Normalize()
		if override.Provider != s.Provider {
			s = override
		}
	}
	if m := cmd.Meta[MetaModel]; m != "" {
		s.Model = m
	}
	if k := cmd.Credentials[CredentialsKey]; k != "" {
		s.APIKey = k
	}
	return s
}

// Collaborator returns an Analyzer configured for cmd.
func (f Factory) Collaborator(cmd job.StartCommand) (job.Collaborator, error) {
	settings := f.Settings(cmd)
	newModel := f.NewModel
	if newModel == nil {
		newModel = NewModel
	}
	model, err := newModel(settings)
	if err != nil {
		return nil, fmt.Errorf("build %s model: %w", settings.Provider, err)
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewAnalyzer(AnalyzerConfig{
		Model:     model,
		Provider:  settings.Provider,
		ModelName: settings.Model,
		Clock:     f.Clock,
	}, logger.Named("llm"))
}
