// Package provider defines the model provider contract and the message,
// block and response types shared across the orchestration core, plus the
// Anthropic and OpenAI implementations.
package provider
