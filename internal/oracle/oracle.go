// Package oracle asks an external language model to propose field mappings.
// Proposals are untrusted: the engine drops targets outside the canonical
// schema and runs every value through the type validators.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/intake-mapper/internal/model"
	"github.com/sells-group/intake-mapper/internal/resilience"
	"github.com/sells-group/intake-mapper/pkg/anthropic"
)

// ErrUnparsable is returned when the oracle reply is not the expected JSON.
var ErrUnparsable = eris.New("oracle: unparsable response")

// Request is the context handed to the oracle.
type Request struct {
	Manufacturer string
	DocumentType string
	Fields       []model.SourceField
	Schema       *model.Schema
}

// Proposal is one mapping proposed by the oracle.
type Proposal struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Oracle proposes mappings for a whole request.
type Oracle interface {
	Propose(ctx context.Context, req Request) ([]Proposal, error)
}

// Config controls the LLM oracle.
type Config struct {
	Model             string
	MaxTokens         int64
	Timeout           time.Duration
	RequestsPerMinute int
	Breaker           resilience.BreakerConfig
	Retry             resilience.RetryConfig
}

// DefaultConfig returns the production oracle settings.
func DefaultConfig() Config {
	retry := resilience.DefaultRetryConfig()
	retry.Name = "oracle"
	return Config{
		Model:             "claude-haiku-4-5-20251001",
		MaxTokens:         2048,
		Timeout:           20 * time.Second,
		RequestsPerMinute: 30,
		Breaker:           resilience.NewBreakerConfig(5, 60),
		Retry:             retry,
	}
}

// LLMOracle proposes mappings through the Anthropic Messages API.
type LLMOracle struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewLLM creates an LLMOracle. Calls are rate limited, retried on transient
// provider errors and short-circuited while the provider keeps failing.
func NewLLM(client anthropic.Client, cfg Config) *LLMOracle {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = resilience.IsTransient
	}
	return &LLMOracle{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		log:     zap.L().With(zap.String("component", "oracle")),
	}
}

// BreakerState exposes the circuit state for health reporting.
func (o *LLMOracle) BreakerState() resilience.CircuitState {
	return o.breaker.State()
}

// Propose asks the model for a mapping of req.Fields onto req.Schema.
func (o *LLMOracle) Propose(ctx context.Context, req Request) ([]Proposal, error) {
	if len(req.Fields) == 0 {
		return nil, nil
	}
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "oracle: rate limit wait")
	}

	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}
	temp := 0.1
	msg := anthropic.MessageRequest{
		Model:       o.cfg.Model,
		MaxTokens:   o.cfg.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: systemPrompt, Cached: true}},
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	}

	resp, err := resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, o.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			r, err := o.client.CreateMessage(ctx, msg)
			if err != nil {
				if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
					return nil, resilience.NewTransientError(err, code)
				}
				return nil, err
			}
			return r, nil
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "oracle: propose")
	}
	resp.Usage.Log(o.cfg.Model, "oracle_mapping")

	proposals, err := parseProposals(resp.Text(), req.Fields)
	if err != nil {
		o.log.Warn("oracle reply could not be parsed",
			zap.String("document_type", req.DocumentType),
			zap.Error(err),
		)
		return nil, err
	}
	return proposals, nil
}

const systemPrompt = `You map fields captured from medical intake documents (insurance cards, clinical notes, wound photos, intake forms) onto a fixed target schema.
Account for OCR errors, common abbreviations and manufacturer naming conventions.
Only use target names that appear in the schema. Leave a source field out when nothing fits.
Return only JSON of the form:
{"mappings":[{"source":"<source field>","target":"<schema field>","value":<value>,"confidence":<0.0-1.0>}]}`

type promptField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

func buildPrompt(req Request) (string, error) {
	source := make(map[string]any, len(req.Fields))
	for _, f := range req.Fields {
		source[f.Name] = f.RawValue
	}
	srcJSON, err := json.MarshalIndent(source, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "oracle: encode source data")
	}

	fields := make([]promptField, 0, req.Schema.Len())
	if req.Schema != nil {
		for _, f := range req.Schema.Fields {
			fields = append(fields, promptField{Name: f.Name, Type: string(f.ValueType), Required: f.Required})
		}
	}
	schemaJSON, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "oracle: encode schema")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Document type: %s\n", req.DocumentType)
	if req.Manufacturer != "" {
		fmt.Fprintf(&b, "Manufacturer: %s\n", req.Manufacturer)
	}
	fmt.Fprintf(&b, "\nSource data:\n%s\n\nTarget schema:\n%s\n", srcJSON, schemaJSON)
	return b.String(), nil
}

type reply struct {
	Mappings []Proposal `json:"mappings"`
}

// parseProposals decodes the model reply. Proposals for unknown source fields
// or without a target are dropped and confidences are clamped to [0, 1].
func parseProposals(text string, fields []model.SourceField) ([]Proposal, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, ErrUnparsable
	}
	var r reply
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, eris.Wrap(ErrUnparsable, err.Error())
	}

	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Name] = true
	}
	seen := make(map[string]bool, len(r.Mappings))
	out := make([]Proposal, 0, len(r.Mappings))
	for _, p := range r.Mappings {
		p.Target = strings.TrimSpace(p.Target)
		if !known[p.Source] || p.Target == "" || seen[p.Source] {
			continue
		}
		seen[p.Source] = true
		p.Confidence = min(max(p.Confidence, 0), 1)
		out = append(out, p)
	}
	return out, nil
}

// cleanJSON strips markdown fences and surrounding prose from a JSON reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
