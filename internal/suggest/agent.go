package suggest

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

const defaultInstructions = "You are a live sales-call coach. Given the running transcript of the customer's speech, suggest one short, concrete next thing for the agent to say or ask. Reply with the suggestion only; reply with an empty string if nothing useful comes to mind."

// AgentClient produces suggestions from any OpenAI-protocol model via the
// agents SDK, for deployments that point the engine straight at a model
// instead of the in-house coaching service.
type AgentClient struct {
	provider     agents.ModelProvider
	model        string
	instructions string
	maxTokens    int
}

// NewAgentClient creates an agent-backed suggestion client. instructions may
// be empty to use the built-in coaching prompt.
func NewAgentClient(provider agents.ModelProvider, model, instructions string, maxTokens int) *AgentClient {
	if instructions == "" {
		instructions = defaultInstructions
	}
	if maxTokens <= 0 {
		maxTokens = 120
	}
	return &AgentClient{
		provider:     provider,
		model:        model,
		instructions: instructions,
		maxTokens:    maxTokens,
	}
}

// Suggest implements Client.
func (c *AgentClient) Suggest(ctx context.Context, req Request) (string, error) {
	agent := agents.New("coach").
		WithInstructions(c.instructions).
		WithModel(c.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(c.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   c.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, formatInput(req))
	if err != nil {
		return "", fmt.Errorf("suggestion stream start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok {
			continue
		}
		if raw.Data.Type != "response.output_text.delta" {
			continue
		}
		text.WriteString(raw.Data.Delta)
	}

	if streamErr := <-errCh; streamErr != nil {
		return "", fmt.Errorf("suggestion stream: %w", streamErr)
	}
	return strings.TrimSpace(text.String()), nil
}

// formatInput prepends the prior conversation context to the fragment.
func formatInput(req Request) string {
	if len(req.Context) == 0 {
		return req.Transcription
	}
	var b strings.Builder
	for _, turn := range req.Context {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	fmt.Fprintf(&b, "user: %s", req.Transcription)
	return b.String()
}
