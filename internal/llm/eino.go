package llm

import (
	"context"
	"fmt"

	"memochat/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type einoModel struct {
	chat model.BaseChatModel
}

// FromEino adapts an eino chat model.
func FromEino(chat model.BaseChatModel) Model {
	return &einoModel{chat: chat}
}

func (m *einoModel) Generate(ctx context.Context, msgs []*models.Message) (string, error) {
	out, err := m.chat.Generate(ctx, convertMessages(msgs))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

func (m *einoModel) GenerateStreaming(ctx context.Context, msgs []*models.Message) (Stream, error) {
	reader, err := m.chat.Stream(ctx, convertMessages(msgs))
	if err != nil {
		return nil, fmt.Errorf("generate stream: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (string, error) {
	for {
		chunk, err := s.reader.Recv()
		if err != nil {
			return "", err
		}
		// reasoning-only and empty chunks carry no reply text
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (s *einoStream) Close() {
	s.reader.Close()
}

func convertMessages(msgs []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return out
}
