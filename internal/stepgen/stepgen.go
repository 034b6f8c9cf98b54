// Package stepgen is the step-content collaborator: it turns a free-text
// goal and a time budget into an ordered step plan. Generation failures are
// recoverable; callers always hold a fallback step list of their own.
package stepgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/mkrell/bonfire/internal/config"
	"github.com/mkrell/bonfire/internal/decomp"
)

// ErrContentGeneration wraps every generator failure so callers can fall
// back without inspecting provider details.
var ErrContentGeneration = errors.New("content generation failed")

// Generator produces an ordered step plan for a goal within totalSeconds.
type Generator interface {
	GenerateSteps(ctx context.Context, goal string, totalSeconds int64) ([]decomp.StepPlan, error)
}

const systemPrompt = `You break a work goal into a short ordered list of concrete steps.
Respond with a JSON array only, no prose. Each element:
{"name": string, "planned_seconds": int, "order": int}
Orders run 0..n-1. Planned seconds must sum to roughly the given budget and every step needs at least 60 seconds.`

// OpenAI generates step plans with a chat completion.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds a generator from config. Returns nil when no API key is
// configured; a nil *OpenAI is a disabled generator.
func NewOpenAI(cfg config.StepGenConfig) *OpenAI {
	if cfg.APIKey == "" {
		return nil
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// GenerateSteps asks the model for a plan and validates it before returning.
func (g *OpenAI) GenerateSteps(ctx context.Context, goal string, totalSeconds int64) ([]decomp.StepPlan, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: generator disabled", ErrContentGeneration)
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Goal: %s\nTime budget: %d seconds", goal, totalSeconds)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrContentGeneration)
	}

	steps, err := ParsePlan(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// ParsePlan decodes and validates a JSON step plan. Tolerates a markdown
// code fence around the array.
func ParsePlan(raw string) ([]decomp.StepPlan, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var steps []decomp.StepPlan
	if err := json.Unmarshal([]byte(trimmed), &steps); err != nil {
		return nil, fmt.Errorf("%w: parse plan: %v", ErrContentGeneration, err)
	}
	if problems := decomp.ValidateSteps(steps); len(problems) > 0 {
		return nil, fmt.Errorf("%w: invalid plan: %s", ErrContentGeneration, strings.Join(problems, "; "))
	}
	return steps, nil
}

// GenerateWithFallback tries the generator and falls back to the supplied
// list on any failure. The fallback itself must be valid; an error here
// means the caller's own steps were unusable, which is a hard failure.
func GenerateWithFallback(ctx context.Context, g Generator, goal string, totalSeconds int64, fallback []decomp.StepPlan) ([]decomp.StepPlan, error) {
	if g != nil {
		steps, err := g.GenerateSteps(ctx, goal, totalSeconds)
		if err == nil {
			return steps, nil
		}
		if !errors.Is(err, ErrContentGeneration) {
			return nil, err
		}
	}
	if problems := decomp.ValidateSteps(fallback); len(problems) > 0 {
		return nil, fmt.Errorf("stepgen: fallback steps invalid: %s", strings.Join(problems, "; "))
	}
	return fallback, nil
}
