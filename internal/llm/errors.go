package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/JakeFAU/bmie/internal/job"
)

// Hosted provider clients report HTTP failures only as text.
var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

// classifyModelError maps a GenerateContent failure onto the job taxonomy.
// A provider status wins; otherwise the langchaingo error code decides.
func classifyModelError(provider string, err error) error {
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return fmt.Errorf("generate analysis: %w: %w", &job.StatusError{Code: code}, err)
	}

	mapped := mapProviderError(provider, err)
	wrapped := fmt.Errorf("generate analysis: %w", mapped)
	var llmErr *llms.Error
	if !errors.As(mapped, &llmErr) {
		return wrapped
	}
	switch llmErr.Code {
	case llms.ErrCodeRateLimit, llms.ErrCodeProviderUnavailable, llms.ErrCodeTimeout:
		return job.NewTransient(wrapped)
	case llms.ErrCodeAuthentication, llms.ErrCodeInvalidRequest, llms.ErrCodeResourceNotFound,
		llms.ErrCodeQuotaExceeded, llms.ErrCodeContentFilter, llms.ErrCodeTokenLimit:
		return job.NewPermanent(wrapped)
	default:
		return wrapped
	}
}

func mapProviderError(provider string, err error) error {
	switch provider {
	case ProviderOpenAI:
		return openai.MapError(err)
	case ProviderAnthropic:
		return anthropic.MapError(err)
	default:
		return llms.NewErrorMapper(provider).Map(err)
	}
}
