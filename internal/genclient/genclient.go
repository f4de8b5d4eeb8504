package genclient

// #region imports
import (
	"context"
	"fmt"
	"log"

	openai "github.com/sashabaranov/go-openai"
)

// #endregion

// #region generator

// Generator produces a completion for an analysis prompt. The self
// optimization analyzer depends on this interface so tests can substitute a
// canned model.
type Generator interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Model() string
}

// #endregion generator

// #region config

// Config selects the model endpoint. BaseURL may point at any
// OpenAI-compatible server, including a local one.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
}

// DefaultConfig returns conservative generation settings. Low temperature:
// the analyzer wants reproducible, parseable output, not creativity.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
	}
}

// #endregion config

// #region client

// Client is the production Generator backed by a chat-completion endpoint.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generator api key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	log.Printf("[GEN] initialized generator model=%s", cfg.Model)

	return &Client{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the configured model identifier, recorded in audit entries.
func (c *Client) Model() string {
	return c.model
}

// Complete sends one system+user exchange and returns the raw text of the
// first choice.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// #endregion client
