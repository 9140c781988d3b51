package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"autopress/internal/logging"

	"go.uber.org/zap"
)

// Provider turns one prompt into generated text. One implementation exists
// per upstream API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// GenerationError reports a transport or HTTP failure of the provider.
// A response that merely fails to parse is not a GenerationError.
type GenerationError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generate with %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("generate with %s: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ErrMalformedEnvelope marks a 2xx reply whose provider envelope could not
// be decoded. It degrades like an unparsable answer.
var ErrMalformedEnvelope = errors.New("malformed provider envelope")

// Result is the best-effort outcome of one generation. An empty Content
// means nothing usable was produced.
type Result struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary,omitempty"`
	Category string   `json:"category,omitempty"`
	Content  string   `json:"content,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
}

// Usable reports whether the result can become an article.
func (r Result) Usable() bool {
	return strings.TrimSpace(r.Content) != ""
}

// Generator builds the article prompt and interprets the model's answer.
type Generator struct {
	provider Provider
	language string
	logger   *zap.Logger
}

func New(provider Provider, language string, logger *zap.Logger) *Generator {
	if language == "" {
		language = "ro"
	}
	return &Generator{
		provider: provider,
		language: language,
		logger:   logging.OrNop(logger),
	}
}

// Generate asks the provider for an article about topic. Only provider
// failures are returned as errors; an unparsable answer degrades to a Result
// whose Title is the topic and whose other fields are empty.
func (g *Generator) Generate(ctx context.Context, topic string, allowedCategories []string) (Result, error) {
	prompt := BuildPrompt(topic, allowedCategories, g.language)

	text, err := g.provider.Complete(ctx, prompt)
	if errors.Is(err, ErrMalformedEnvelope) {
		g.logger.Warn("Malformed provider envelope",
			zap.String("provider", g.provider.Name()),
			zap.String("topic", topic),
			zap.Error(err))
		return Result{Title: topic}, nil
	}
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			return Result{}, genErr
		}
		return Result{}, &GenerationError{Provider: g.provider.Name(), Err: err}
	}

	result, err := ParseResult(text)
	if err != nil {
		g.logger.Warn("Unparsable generation response",
			zap.String("provider", g.provider.Name()),
			zap.String("topic", topic),
			zap.Error(err))
		return Result{Title: topic}, nil
	}
	if strings.TrimSpace(result.Title) == "" {
		result.Title = topic
	}
	return result, nil
}

// BuildPrompt renders the instruction sent to the model.
func BuildPrompt(topic string, allowedCategories []string, language string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the editor of an online news publication. Write an original article in language %q about the topic: %q.\n", language, topic)
	sb.WriteString("Respond ONLY with a JSON object, without markdown fences and without any text before or after it, with exactly these five fields:\n")
	sb.WriteString(`{"title": "...", "summary": "...", "category": "...", "content": "...", "hashtags": "..."}` + "\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- title: a concise headline, no quotes around it.\n")
	sb.WriteString("- summary: one or two sentences describing the article.\n")
	if len(allowedCategories) > 0 {
		fmt.Fprintf(&sb, "- category: exactly one of: %s.\n", strings.Join(allowedCategories, ", "))
	} else {
		sb.WriteString("- category: one short general news category.\n")
	}
	sb.WriteString("- content: HTML body of at least four paragraphs, each wrapped in <p>. When a paragraph mentions a key term, cite a reputable source inline as <a href=\"URL\">term</a>.\n")
	sb.WriteString("- hashtags: 5 to 7 comma-separated terms, without the # sign.\n")
	return sb.String()
}

type rawResult struct {
	Title    string          `json:"title"`
	Summary  string          `json:"summary"`
	Category string          `json:"category"`
	Content  string          `json:"content"`
	Hashtags json.RawMessage `json:"hashtags"`
}

// ParseResult decodes the model's answer after stripping code fences.
func ParseResult(text string) (Result, error) {
	var raw rawResult
	if err := json.Unmarshal([]byte(StripCodeFences(text)), &raw); err != nil {
		return Result{}, fmt.Errorf("decode generation json: %w", err)
	}
	return Result{
		Title:    strings.TrimSpace(raw.Title),
		Summary:  strings.TrimSpace(raw.Summary),
		Category: strings.TrimSpace(raw.Category),
		Content:  strings.TrimSpace(raw.Content),
		Hashtags: parseHashtags(raw.Hashtags),
	}, nil
}

// StripCodeFences removes a surrounding ``` or ```json fence if present.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Drop the language tag on the opening fence line.
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// Models answer with either "a, b, c" or ["a", "b", "c"].
func parseHashtags(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var terms []string
	var joined string
	if err := json.Unmarshal(raw, &terms); err != nil {
		if err := json.Unmarshal(raw, &joined); err != nil {
			return nil
		}
		terms = strings.Split(joined, ",")
	}

	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(term), "#"))
		if term != "" {
			out = append(out, term)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
