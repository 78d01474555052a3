package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/metrics"
)

// Artifact names written by every analysis.
const (
	SummaryArtifact = "analysis-summary.json"
	ReportArtifact  = "analysis-report.md"
)

// Step descriptions, reported in order once the analysis succeeds.
var Steps = []string{
	"Step 1: Input Validation - Verify the file format and size.",
	"Step 2: Data Preprocessing - Clean and normalize the input data.",
	"Step 3: Feature Extraction - Identify key features for analysis.",
	"Step 4: Model Inference - Run the data through the LLM for insights.",
	"Step 5: Post-Processing - Format and validate the output.",
	"Step 6: Result Compilation - Generate final analysis report.",
}

const (
	defaultMaxInputBytes = 1 << 20
	defaultMaxPromptRune = 48_000
)

const systemPrompt = `You are a business analyst. Read the document and describe the business model it presents.
Answer with a single JSON object and nothing else, using exactly these keys:
"summary" (string, 2-4 sentences), "valueProposition" (string),
"customerSegments", "revenueStreams", "keyActivities", "keyResources",
"channels", "risks", "opportunities" (arrays of short strings).
Use an empty array when the document says nothing about a key. Do not invent facts.`

// Analysis is the structured answer expected from the model.
type Analysis struct {
	Summary          string   `json:"summary"`
	ValueProposition string   `json:"valueProposition"`
	CustomerSegments []string `json:"customerSegments"`
	RevenueStreams   []string `json:"revenueStreams"`
	KeyActivities    []string `json:"keyActivities"`
	KeyResources     []string `json:"keyResources"`
	Channels         []string `json:"channels"`
	Risks            []string `json:"risks"`
	Opportunities    []string `json:"opportunities"`
}

// Features are computed locally before inference.
type Features struct {
	Title     string   `json:"title,omitempty"`
	Sections  []string `json:"sections"`
	WordCount int      `json:"wordCount"`
	Links     int      `json:"links"`
	Truncated bool     `json:"truncated"`
}

// Usage is the token accounting reported by the provider, when available.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Summary is the content of analysis-summary.json.
type Summary struct {
	Source      string    `json:"source"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generatedAt"`
	Features    Features  `json:"features"`
	Analysis    Analysis  `json:"analysis"`
	Usage       Usage     `json:"usage"`
}

// AnalyzerConfig configures an Analyzer. Model is required.
type AnalyzerConfig struct {
	Model     llms.Model
	Provider  string
	ModelName string
	// MaxInputBytes rejects larger uploads. Zero means 1 MiB.
	MaxInputBytes int
	// MaxPromptRunes truncates the document sent to the model.
	MaxPromptRunes int
	Clock          job.Clock
}

// Analyzer implements job.Collaborator for analysis items.
type Analyzer struct {
	cfg    AnalyzerConfig
	logger *zap.Logger
}

var _ job.Collaborator = (*Analyzer)(nil)

// NewAnalyzer builds an Analyzer.
func NewAnalyzer(cfg AnalyzerConfig, logger *zap.Logger) (*Analyzer, error) {
	if cfg.Model == nil {
		return nil, errors.New("model is required")
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = defaultMaxInputBytes
	}
	if cfg.MaxPromptRunes <= 0 {
		cfg.MaxPromptRunes = defaultMaxPromptRune
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: cfg, logger: logger}, nil
}

// Process analyzes the uploaded document carried in item.Payload.
func (a *Analyzer) Process(ctx context.Context, item job.WorkItem) (job.Output, error) {
	if err := validateInput(item.Payload, a.cfg.MaxInputBytes); err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("validate %s: %w", item.ID, err))
	}

	text := normalize(string(item.Payload))
	features := extractFeatures(text)
	prompt, truncated := truncateRunes(text, a.cfg.MaxPromptRunes)
	features.Truncated = truncated

	resp, err := a.cfg.Model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf("Document (%s):\n\n%s", item.ID, prompt)),
	}, llms.WithTemperature(0.2))
	if err != nil {
		return job.Output{}, classifyModelError(a.cfg.Provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return job.Output{}, job.NewTransient(errors.New("model returned no choices"))
	}
	choice := resp.Choices[0]
	usage := usageFrom(choice.GenerationInfo)
	metrics.ObserveLLMTokens(a.cfg.Provider, usage.PromptTokens, usage.CompletionTokens)

	analysis, err := parseAnalysis(choice.Content)
	if err != nil {
		// Malformed answers are usually one-offs.
		return job.Output{}, job.NewTransient(fmt.Errorf("parse analysis: %w", err))
	}

	summary := Summary{
		Source:      item.ID,
		Provider:    a.cfg.Provider,
		Model:       a.cfg.ModelName,
		GeneratedAt: a.now(),
		Features:    features,
		Analysis:    analysis,
		Usage:       usage,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return job.Output{}, job.NewPermanent(fmt.Errorf("encode summary: %w", err))
	}
	a.logger.Info("analysis complete",
		zap.String("source", item.ID),
		zap.String("provider", a.cfg.Provider),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)

	return job.Output{
		Steps: append([]string(nil), Steps...),
		Artifacts: []job.Artifact{
			{Name: SummaryArtifact, Kind: job.ArtifactJSON, Content: string(data)},
			{Name: ReportArtifact, Kind: job.ArtifactMarkdown, Content: summary.Report()},
		},
	}, nil
}

func (a *Analyzer) now() time.Time {
	if a.cfg.Clock != nil {
		return a.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func validateInput(payload []byte, limit int) error {
	switch {
	case len(strings.TrimSpace(string(payload))) == 0:
		return errors.New("file is empty")
	case len(payload) > limit:
		return fmt.Errorf("file is %d bytes, limit is %d", len(payload), limit)
	case !utf8.Valid(payload):
		return errors.New("file is not valid UTF-8 text")
	}
	return nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(text, "\n\n"))
}

var (
	headingLine = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	linkPattern = regexp.MustCompile(`\[[^\]]*\]\([^)]+\)|https?://\S+`)
)

func extractFeatures(text string) Features {
	features := Features{Sections: []string{}, WordCount: len(strings.Fields(text))}
	for _, m := range headingLine.FindAllStringSubmatch(text, -1) {
		heading := strings.TrimSpace(strings.TrimRight(m[2], "#"))
		if len(m[1]) == 1 && features.Title == "" {
			features.Title = heading
			continue
		}
		features.Sections = append(features.Sections, heading)
	}
	features.Links = len(linkPattern.FindAllString(text, -1))
	return features
}

func truncateRunes(text string, limit int) (string, bool) {
	if utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	runes := []rune(text)
	return string(runes[:limit]), true
}

func parseAnalysis(content string) (Analysis, error) {
	raw := strings.TrimSpace(content)
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return Analysis{}, err
	}
	analysis.Summary = strings.TrimSpace(analysis.Summary)
	if analysis.Summary == "" {
		return Analysis{}, errors.New("analysis has no summary")
	}
	return analysis, nil
}

func usageFrom(info map[string]any) Usage {
	return Usage{
		PromptTokens:     firstInt(info, "PromptTokens", "InputTokens"),
		CompletionTokens: firstInt(info, "CompletionTokens", "OutputTokens"),
	}
}

func firstInt(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
