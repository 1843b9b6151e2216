// Package llm implements the text-generation collaborator: cluster labels,
// sentiment, representative choice, expert rationale and solutions.
package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/thebtf/concord/internal/privacy"
	"github.com/thebtf/concord/internal/retry"
	"github.com/thebtf/concord/pkg/models"
	"github.com/thebtf/concord/pkg/similarity"
)

const (
	// DefaultLabel is used when the generator produces nothing usable.
	DefaultLabel = "Summary Message"
	// MaxLabelSamples is the number of messages shown when labelling a cluster.
	MaxLabelSamples = 5
	// RationaleBullets is the number of bullets in an expert rationale.
	RationaleBullets = 3
)

// Generator produces the natural-language judgements the engine needs.
type Generator interface {
	// TwoWordLabel names a cluster from sample texts. attempt 0 is the first
	// try; higher attempts ask harder for a label unlike existing.
	TwoWordLabel(ctx context.Context, samples, existing []string, attempt int) (string, error)
	ClassifySentiment(ctx context.Context, text string) (models.Sentiment, error)
	// PickBest returns the text of the most representative candidate (possibly paraphrased).
	PickBest(ctx context.Context, label string, candidates []string) (string, error)
	// SolutionForCluster returns nil when the messages hold no resolution.
	SolutionForCluster(ctx context.Context, label string, messages []string, metrics models.ConsensusMetrics) (*models.Solution, error)
	ExpertRationale(ctx context.Context, label string, messages []string) ([]string, error)
}

// GeneratorConfig tunes the chat-backed generator.
type GeneratorConfig struct {
	Retry            retry.Policy
	MaxPromptTokens  int
	MaxMessageTokens int
}

// DefaultGeneratorConfig returns conservative token limits.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{Retry: retry.DefaultPolicy(), MaxPromptTokens: 3000, MaxMessageTokens: 256}
}

// ChatGenerator implements Generator on top of a ChatModel.
// Every chat failure is wrapped in models.ErrCollaboratorUnavailable.
type ChatGenerator struct {
	chat    ChatModel
	prompts *Prompts
	budget  *Budget
	config  GeneratorConfig
	logger  zerolog.Logger
}

var _ Generator = (*ChatGenerator)(nil)

// NewChatGenerator builds a generator. A nil prompts value uses the built-in templates.
func NewChatGenerator(chat ChatModel, prompts *Prompts, cfg GeneratorConfig, logger zerolog.Logger) (*ChatGenerator, error) {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	budget, err := NewBudget(cfg.MaxPromptTokens, cfg.MaxMessageTokens)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &ChatGenerator{
		chat:    chat,
		prompts: prompts,
		budget:  budget,
		config:  cfg,
		logger:  logger.With().Str("component", "generator").Str("model", chat.Name()).Logger(),
	}, nil
}

type labelData struct {
	Samples  []string
	Existing []string
	More     int
}

// TwoWordLabel asks the model for a two-word label.
func (g *ChatGenerator) TwoWordLabel(ctx context.Context, samples, existing []string, attempt int) (string, error) {
	shown := samples
	more := 0
	if len(shown) > MaxLabelSamples {
		more = len(shown) - MaxLabelSamples
		shown = shown[:MaxLabelSamples]
	}
	shown, dropped := g.budget.Fit(privacy.RedactAll(shown))

	prompt := g.prompts.labelPrompt(attempt, len(existing) > 0)
	user, err := Render(prompt, labelData{Samples: shown, Existing: existing, More: more + dropped})
	if err != nil {
		return "", fmt.Errorf("render label prompt: %w", err)
	}
	out, err := g.complete(ctx, ChatRequest{System: prompt.System, User: user, MaxTokens: 10, Temperature: 0.5})
	if err != nil {
		return "", err
	}
	return CleanLabel(out), nil
}

// ClassifySentiment asks the model for a polarity; unknown answers are neutral.
func (g *ChatGenerator) ClassifySentiment(ctx context.Context, text string) (models.Sentiment, error) {
	user, err := Render(g.prompts.Classify, struct{ Text string }{g.budget.Truncate(privacy.Redact(text), g.config.MaxMessageTokens)})
	if err != nil {
		return models.SentimentNeutral, fmt.Errorf("render classify prompt: %w", err)
	}
	out, err := g.complete(ctx, ChatRequest{System: g.prompts.Classify.System, User: user, MaxTokens: 2, Temperature: 0})
	if err != nil {
		return models.SentimentNeutral, err
	}
	return models.ParseSentiment(out), nil
}

// PickBest returns the model's choice. One candidate is returned without a call.
func (g *ChatGenerator) PickBest(ctx context.Context, label string, candidates []string) (string, error) {
	switch len(candidates) {
	case 0:
		return "", nil
	case 1:
		return candidates[0], nil
	}
	redacted := privacy.RedactAll(candidates)
	shown, _ := g.budget.Fit(redacted)
	user, err := Render(g.prompts.PickBest, struct {
		Label      string
		Candidates []string
	}{label, shown})
	if err != nil {
		return "", fmt.Errorf("render pick prompt: %w", err)
	}
	out, err := g.complete(ctx, ChatRequest{System: g.prompts.PickBest.System, User: user, MaxTokens: 500, Temperature: 0})
	if err != nil {
		return "", err
	}
	// The model saw redacted text; answer with the original it picked.
	out = strings.TrimSpace(out)
	for i, r := range redacted {
		if r != candidates[i] && strings.TrimSpace(r) == out {
			return candidates[i], nil
		}
	}
	return out, nil
}

// ExpertRationale returns exactly RationaleBullets bullet lines.
func (g *ChatGenerator) ExpertRationale(ctx context.Context, label string, messages []string) ([]string, error) {
	if len(messages) == 0 {
		return PadBullets(nil), nil
	}
	shown, _ := g.budget.Fit(privacy.RedactAll(messages))
	user, err := Render(g.prompts.Rationale, struct {
		Label    string
		Messages []string
	}{label, shown})
	if err != nil {
		return nil, fmt.Errorf("render rationale prompt: %w", err)
	}
	out, err := g.complete(ctx, ChatRequest{System: g.prompts.Rationale.System, User: user, MaxTokens: 200, Temperature: 0.3})
	if err != nil {
		return nil, err
	}
	return PadBullets(ParseBullets(out)), nil
}

// SolutionForCluster asks for a resolution; "NONE" or an empty answer yields nil.
func (g *ChatGenerator) SolutionForCluster(ctx context.Context, label string, messages []string, metrics models.ConsensusMetrics) (*models.Solution, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	shown, _ := g.budget.Fit(privacy.RedactAll(messages))
	user, err := Render(g.prompts.Solution, struct {
		Label    string
		Messages []string
		Metrics  models.ConsensusMetrics
	}{label, shown, metrics})
	if err != nil {
		return nil, fmt.Errorf("render solution prompt: %w", err)
	}
	out, err := g.complete(ctx, ChatRequest{System: g.prompts.Solution.System, User: user, MaxTokens: 300, Temperature: 0.2})
	if err != nil {
		return nil, err
	}
	return ParseSolution(out), nil
}

func (g *ChatGenerator) complete(ctx context.Context, req ChatRequest) (string, error) {
	var out string
	err := retry.Do(ctx, g.config.Retry, func(ctx context.Context) error {
		var err error
		out, err = g.chat.Complete(ctx, req)
		return err
	})
	if err != nil {
		g.logger.Warn().Err(err).Msg("Chat completion failed")
		return "", fmt.Errorf("%w: generate: %w", models.ErrCollaboratorUnavailable, err)
	}
	return out, nil
}

// CleanLabel reduces raw model output to at most two title-cased words.
func CleanLabel(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, ":"); i >= 0 && i < len(raw)-1 {
		raw = raw[i+1:]
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '-' {
			return r
		}
		return -1
	}, raw)
	words := strings.Fields(cleaned)
	if len(words) > 2 {
		words = words[:2]
	}
	if len(words) == 0 {
		return DefaultLabel
	}
	return similarity.TitleCase(strings.Join(words, " "))
}

// ParseBullets extracts bullet lines, dropping "- ", "* ", "• " and "1. "/"1) " prefixes.
func ParseBullets(raw string) []string {
	var bullets []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			line = line[2:]
		case strings.HasPrefix(line, "• "):
			line = strings.TrimPrefix(line, "• ")
		case unicode.IsDigit(rune(line[0])):
			if _, rest, ok := strings.Cut(line, ". "); ok {
				line = rest
			} else if _, rest, ok := strings.Cut(line, ") "); ok {
				line = rest
			}
		}
		bullets = append(bullets, strings.TrimSpace(line))
		if len(bullets) == RationaleBullets {
			break
		}
	}
	return bullets
}

// PadBullets returns exactly RationaleBullets entries, filling gaps with placeholders.
func PadBullets(bullets []string) []string {
	out := make([]string, 0, RationaleBullets)
	out = append(out, bullets...)
	for len(out) < RationaleBullets {
		out = append(out, "Additional expertise area "+strconv.Itoa(len(out)+1))
	}
	return out[:RationaleBullets]
}

// ParseSolution reads the JSON answer of the solution prompt. Plain text is
// accepted as the solution itself; "NONE" and empty answers yield nil.
func ParseSolution(raw string) *models.Solution {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(strings.Trim(raw, ". "), "none") {
		return nil
	}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		var parsed struct {
			Solution   string  `json:"solution"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err == nil {
			if strings.TrimSpace(parsed.Solution) == "" || strings.EqualFold(parsed.Solution, "none") {
				return nil
			}
			return &models.Solution{Text: strings.TrimSpace(parsed.Solution), Confidence: clampConfidence(parsed.Confidence)}
		}
	}
	return &models.Solution{Text: raw}
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
