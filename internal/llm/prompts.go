package llm

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// Prompt is one system prompt plus a user template.
type Prompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Prompts holds every template the generator renders.
type Prompts struct {
	Label struct {
		Default      Prompt `yaml:"default"`
		WithExisting Prompt `yaml:"with_existing"`
		Retry        Prompt `yaml:"retry"`
		HardRetry    Prompt `yaml:"hard_retry"`
	} `yaml:"label"`
	Classify  Prompt `yaml:"classify"`
	PickBest  Prompt `yaml:"pick_best"`
	Rationale Prompt `yaml:"rationale"`
	Solution  Prompt `yaml:"solution"`
}

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() *Prompts {
	p, err := parsePrompts(defaultPromptsYAML, nil)
	if err != nil {
		panic(fmt.Sprintf("built-in prompts are invalid: %v", err))
	}
	return p
}

// LoadPrompts reads templates from a YAML file. Entries missing from the file
// keep their built-in value. An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return DefaultPrompts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return parsePrompts(data, DefaultPrompts())
}

func parsePrompts(data []byte, base *Prompts) (*Prompts, error) {
	p := &Prompts{}
	if base != nil {
		cp := *base
		p = &cp
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	for name, pr := range p.all() {
		if _, err := template.New(name).Funcs(templateFuncs).Parse(pr.User); err != nil {
			return nil, fmt.Errorf("prompt %s: %w", name, err)
		}
	}
	return p, nil
}

func (p *Prompts) all() map[string]Prompt {
	return map[string]Prompt{
		"label.default":       p.Label.Default,
		"label.with_existing": p.Label.WithExisting,
		"label.retry":         p.Label.Retry,
		"label.hard_retry":    p.Label.HardRetry,
		"classify":            p.Classify,
		"pick_best":           p.PickBest,
		"rationale":           p.Rationale,
		"solution":            p.Solution,
	}
}

// labelPrompt picks the label template for the given attempt.
func (p *Prompts) labelPrompt(attempt int, hasExisting bool) Prompt {
	switch {
	case attempt >= 2:
		return p.Label.HardRetry
	case attempt == 1:
		return p.Label.Retry
	case hasExisting:
		return p.Label.WithExisting
	default:
		return p.Label.Default
	}
}

// Render executes the user template of pr with data.
func Render(pr Prompt, data any) (string, error) {
	tmpl, err := template.New("prompt").Funcs(templateFuncs).Parse(pr.User)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}
