// Package aiadapter implements the AI Collaborator Adapter (C4): an optional,
// fail-open bridge to a large language model. Every call either returns text
// or reports "not available" — it never raises, and every caller must already
// have a deterministic fallback path.
package aiadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Config tunes the adapter's call budget. TokenBudget caps the approximate
// tokens the whole pipeline may spend across calls; 0 means unlimited.
type Config struct {
	ModelID     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	TokenBudget int
}

func DefaultConfig() Config {
	return Config{
		ModelID:     "anthropic.claude-3-haiku-20240307-v1:0",
		MaxTokens:   2000,
		Temperature: 0.1,
		Timeout:     30 * time.Second,
		MaxRetries:  2,
	}
}

// Metrics is the call-level counter set the adapter exposes, mirroring the
// {attempted, succeeded, latency_ms, model_id} shape every stage reports in
// its AIUsage envelope.
type Metrics struct {
	mu        sync.Mutex
	Attempted int
	Succeeded int
	TotalMs   int64
	LastModel string
}

func (m *Metrics) record(ok bool, elapsed time.Duration, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempted++
	if ok {
		m.Succeeded++
	}
	m.TotalMs += elapsed.Milliseconds()
	m.LastModel = model
}

// Snapshot returns a copy of the current counters, safe to read concurrently
// with further calls.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{Attempted: m.Attempted, Succeeded: m.Succeeded, TotalMs: m.TotalMs, LastModel: m.LastModel}
}

// transport is the narrow Bedrock Runtime surface the adapter needs, so tests
// can substitute a fake without a live AWS connection.
type transport interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Adapter is the concrete C4 implementation backed by Amazon Bedrock.
type Adapter struct {
	cfg     Config
	client  transport
	metrics Metrics
	spent   atomic.Int64 // approximate tokens consumed against cfg.TokenBudget
}

// New builds an Adapter from the ambient AWS configuration. A nil return
// with a non-nil error means the caller should run without AI enhancement
// rather than fail the scan.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for bedrock: %w", err)
	}
	return &Adapter{cfg: cfg, client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// NewWithTransport wires a pre-built transport (real or fake), used by tests
// and by callers that already hold an aws.Config.
func NewWithTransport(cfg Config, t transport) *Adapter {
	return &Adapter{cfg: cfg, client: t}
}

// ModelID reports the configured model identifier; callers record it in
// their AI-usage metadata.
func (a *Adapter) ModelID() string {
	return a.cfg.ModelID
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Analyze sends promptText plus context to the model and returns its text
// response. The bool is false whenever the model could not be reached or
// returned no usable content — a fail-open signal, not an error return,
// because every caller already has a deterministic path for "no AI".
func (a *Adapter) Analyze(ctx context.Context, promptText, context string) (string, bool) {
	if a == nil || a.client == nil {
		return "", false
	}
	if a.budgetExhausted() {
		return "", false
	}

	full := promptText
	if context != "" {
		full = promptText + "\n\n---\n" + context
	}

	body, err := marshalClaudeRequest(a.cfg, full)
	if err != nil {
		return "", false
	}

	callCtx, cancel := contextWithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	text, err := a.invokeWithRetry(callCtx, body)
	a.metrics.record(err == nil, time.Since(start), a.cfg.ModelID)
	if err != nil {
		return "", false
	}
	a.spent.Add(approxTokens(len(full) + len(text)))
	return text, true
}

func (a *Adapter) budgetExhausted() bool {
	return a.cfg.TokenBudget > 0 && a.spent.Load() >= int64(a.cfg.TokenBudget)
}

// approxTokens estimates usage at four bytes per token for budget accounting.
func approxTokens(n int) int64 {
	return int64(n/4) + 1
}

func (a *Adapter) invokeWithRetry(ctx context.Context, body []byte) (string, error) {
	maxRetries := a.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", err
			}
		}
		out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(a.cfg.ModelID),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			lastErr = err
			continue
		}
		text, perr := parseClaudeResponse(out.Body)
		if perr != nil {
			lastErr = perr
			continue
		}
		return text, nil
	}
	return "", lastErr
}

// sleepBackoff waits an exponential backoff with jitter before a retry
// (base 200ms, cap 2s, jitter +/-20%, matching the adapter-level retry
// policy; stages themselves never retry).
func sleepBackoff(ctx context.Context, attempt int) error {
	base := 200 * time.Millisecond
	ceiling := 2 * time.Second
	d := base << uint(attempt-1)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	wait := d + jitter
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func marshalClaudeRequest(cfg Config, prompt string) ([]byte, error) {
	req := claudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		Messages: []claudeMessage{
			{Role: "user", Content: prompt},
		},
	}
	return json.Marshal(req)
}

func parseClaudeResponse(body []byte) (string, error) {
	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode bedrock response: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty bedrock response")
	}
	return sb.String(), nil
}

// AsServiceUnavailable reports whether err is Bedrock's "model not
// provisioned" error, letting callers distinguish it from a transient
// network failure.
func AsServiceUnavailable(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf)
}
