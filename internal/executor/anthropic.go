package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hitlai/testops-cli/internal/config"
	"github.com/hitlai/testops-cli/internal/model"
	"github.com/hitlai/testops-cli/internal/resilience"
	"github.com/hitlai/testops-cli/pkg/anthropic"
)

// verdictPayload is the JSON shape the model is instructed to return.
type verdictPayload struct {
	SentimentScore float64         `json:"sentiment_score"`
	Findings       []model.Finding `json:"findings"`
}

// AnthropicExecutor runs AI-mode tests through the Anthropic API.
//
// Outbound calls are paced by a client-side rate limiter, retried on
// transient failures, and fronted by a circuit breaker so a degraded API
// fails runs fast instead of piling up timeouts.
type AnthropicExecutor struct {
	client  anthropic.Client
	cfg     config.AnthropicConfig
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewAnthropicExecutor creates an executor from config.
func NewAnthropicExecutor(client anthropic.Client, cfg config.AnthropicConfig) *AnthropicExecutor {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 0.5
	}
	retry := resilience.FromRetryConfig(
		cfg.MaxRetries, cfg.RetryBackoffMs, cfg.RetryMaxBackoffMs,
		cfg.RetryMultiplier, cfg.RetryJitter)
	retry.OnRetry = resilience.RetryLogger("anthropic", "execute_run")

	return &AnthropicExecutor{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(resilience.FromCircuitConfig(cfg.CircuitFailures, 0)),
		logger:  zap.L().With(zap.String("component", "executor")),
	}
}

// Execute performs one AI test run and returns its verdict.
func (e *AnthropicExecutor) Execute(ctx context.Context, run *model.TestRun) Result {
	if err := e.limiter.Wait(ctx); err != nil {
		return Failure{Reason: "pacing interrupted", Err: err}
	}

	req := anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(personaPrompt(run.Persona)),
		Messages: []anthropic.Message{
			{Role: "user", Content: missionPrompt(run)},
		},
	}

	resp, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return e.client.CreateMessage(ctx, req)
		})
	})
	if err != nil {
		e.logger.Warn("execution call failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
		return Failure{Reason: "anthropic call failed", Err: err}
	}

	resp.Usage.LogCost(e.cfg.Model, run.ID)

	verdict, err := parseVerdict(resp)
	if err != nil {
		return Failure{Reason: "unparseable verdict", Err: err}
	}

	e.logger.Info("execution verdict received",
		zap.String("run_id", run.ID),
		zap.Float64("sentiment_score", verdict.SentimentScore),
		zap.Int("findings", len(verdict.Findings)))
	return Success{
		SentimentScore: clamp01(verdict.SentimentScore),
		Findings:       verdict.Findings,
		RawResponse:    responseText(resp),
	}
}

func personaPrompt(persona string) string {
	if persona == "" {
		persona = "casual_user"
	}
	return fmt.Sprintf(`You are simulating a website visitor with the %q persona.
Browse and interact the way that person would: impatient where they would be
impatient, confused where they would be confused.

Report your experience as a single JSON object:
{
  "sentiment_score": <0.0-1.0, overall how well the mission went>,
  "findings": [
    {
      "title": "<short issue title>",
      "description": "<what happened and why it matters>",
      "severity": "<critical|high|medium|low>",
      "category": "<functional|layout|content|performance|accessibility>"
    }
  ]
}
Return only the JSON object, no commentary.`, persona)
}

func missionPrompt(run *model.TestRun) string {
	return fmt.Sprintf("Target URL: %s\nMission: %s\n\nAttempt the mission and report your findings.", run.URL, run.Mission)
}

// parseVerdict extracts the JSON verdict from a response, tolerating code
// fences around it.
func parseVerdict(resp *anthropic.MessageResponse) (*verdictPayload, error) {
	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return nil, eris.New("executor: empty response")
	}

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var v verdictPayload
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, eris.Wrap(err, "executor: parse verdict")
	}
	return &v, nil
}

func responseText(resp *anthropic.MessageResponse) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
