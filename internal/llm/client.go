// Package llm invokes the language model that produces conversation replies.
package llm

import (
	"context"
)

// Role identifies a chat message author
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in the prompt transcript
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries a fully assembled prompt for one turn.
type Request struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption for one invocation
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply for one turn.
type Response struct {
	Text  string
	Usage Usage
}

// Client invokes the model. Invoke must honor ctx cancellation promptly:
// an aborted turn cancels its context mid-call and the error must surface
// as context.Canceled.
type Client interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// CostMicroUSD converts token usage to micro-USD given per-1000-token rates.
func CostMicroUSD(usage Usage, inputPer1K, outputPer1K int64) int64 {
	return (int64(usage.InputTokens)*inputPer1K + int64(usage.OutputTokens)*outputPer1K) / 1000
}
