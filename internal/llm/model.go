// Package llm exposes the text-generation capability the conversation
// engine depends on.
package llm

import (
	"context"

	"memochat/internal/models"
)

// Model generates assistant text from an ordered list of messages.
type Model interface {
	Generate(ctx context.Context, msgs []*models.Message) (string, error)
	GenerateStreaming(ctx context.Context, msgs []*models.Message) (Stream, error)
}

// Stream yields reply fragments in order. Recv returns io.EOF after the last
// fragment. Close releases the underlying connection and may be called at any
// time.
type Stream interface {
	Recv() (string, error)
	Close()
}
