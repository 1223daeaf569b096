// Package api provides the Anthropic-backed completion service used for
// role synthesis. It talks to the Messages API directly or through AWS Bedrock.
package api

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/deniskropp/t170/internal/orchestrator/policy"
)

// Endpoint says where completions are sent.
type Endpoint struct {
	// APIKey authenticates direct API calls. Ignored with Bedrock.
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string

	Bedrock bool
	// Region and Profile select AWS credentials for Bedrock.
	Region  string
	Profile string
}

// Completer sends role synthesis prompts to a model. It satisfies
// roles.Completer. Model, reply size and per-request timeout come from the
// synthesis policy.
type Completer struct {
	sdk       anthropic.Client
	model     anthropic.Model
	maxTokens int64
	usage     Usage
}

// New creates a Completer for ep using the synthesis settings of p. Extra
// request options are applied last.
func New(ep Endpoint, p policy.SynthesisPolicy, extra ...option.RequestOption) (*Completer, error) {
	d := policy.Default().Synthesis
	if p.Model == "" {
		p.Model = d.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = d.MaxTokens
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}

	opts := []option.RequestOption{option.WithRequestTimeout(p.Timeout)}
	model := anthropic.Model(p.Model)
	if ep.Bedrock {
		var loadOpts []func(*config.LoadOptions) error
		if ep.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(ep.Region))
		}
		if ep.Profile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(ep.Profile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
		model = bedrockModel(model)
	} else {
		if ep.APIKey == "" {
			return nil, fmt.Errorf("no API key for completion service")
		}
		opts = append(opts, option.WithAPIKey(ep.APIKey))
		if ep.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(ep.BaseURL))
		}
	}

	opts = append(opts, extra...)

	return &Completer{
		sdk:       anthropic.NewClient(opts...),
		model:     model,
		maxTokens: p.MaxTokens,
	}, nil
}

// bedrockModel maps an Anthropic model id to its cross-region Bedrock
// inference profile. Ids that already name a Bedrock model pass through.
func bedrockModel(m anthropic.Model) anthropic.Model {
	if strings.Contains(string(m), "anthropic.") {
		return m
	}
	return anthropic.Model("us.anthropic." + string(m) + "-v1:0")
}

// Model returns the model completions are requested from.
func (c *Completer) Model() anthropic.Model {
	return c.model
}

// Usage returns the token usage of every completion made through c.
func (c *Completer) Usage() *Usage {
	return &c.usage
}

// Complete sends prompt with an optional system prompt and returns the
// concatenated text blocks of the reply.
func (c *Completer) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error) {
	resp, err := c.sdk.Messages.New(ctx, buildParams(c.model, c.maxTokens, prompt, systemPrompt, temperature))
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}
	c.usage.add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var result strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result.WriteString(variant.Text)
		}
	}
	if result.Len() == 0 {
		return "", fmt.Errorf("API returned no text (stop reason %q)", resp.StopReason)
	}
	return result.String(), nil
}

func buildParams(model anthropic.Model, maxTokens int64, prompt, systemPrompt string, temperature float64) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if temperature > 0 {
		// The API accepts 0..1.
		if temperature > 1 {
			temperature = 1
		}
		params.Temperature = anthropic.Float(temperature)
	}
	return params
}

// Usage counts synthesis calls and their tokens.
type Usage struct {
	calls  atomic.Int64
	input  atomic.Int64
	output atomic.Int64
}

func (u *Usage) add(input, output int64) {
	u.calls.Add(1)
	u.input.Add(input)
	u.output.Add(output)
}

// Calls returns the number of completed API calls.
func (u *Usage) Calls() int64 { return u.calls.Load() }

// Tokens returns the total input and output tokens.
func (u *Usage) Tokens() (input, output int64) {
	return u.input.Load(), u.output.Load()
}
