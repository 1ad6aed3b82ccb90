package ai

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatstream/internal/config"
	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
)

// Responder produces the streamed reply to a message.
type Responder interface {
	Stream(ctx context.Context, message string, history []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error)
}

// Service answers messages with an Ark chat model through an eino chain.
type Service struct {
	systemPrompt string
	historyLimit int
	chain        compose.Runnable[map[string]any, *schema.Message]
	logger       zerolog.Logger
}

// NewService creates a Service backed by the model described in cfg.
func NewService(ctx context.Context, cfg config.AIConfig, historyLimit int) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chat model")
	}
	return NewServiceWithModel(ctx, chatModel, cfg.SystemPrompt, historyLimit)
}

// NewServiceWithModel compiles the prompt chain around an existing model.
// An empty system prompt selects DefaultSystemPrompt.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, systemPrompt string, historyLimit int) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile chat chain")
	}

	return &Service{
		systemPrompt: BuildSystemPrompt(systemPrompt),
		historyLimit: historyLimit,
		chain:        runnable,
		logger:       log.With().Str("component", "ai").Logger(),
	}, nil
}

// Stream streams the model reply chunk by chunk.
func (s *Service) Stream(ctx context.Context, message string, history []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error) {
	input := s.buildChainInput(message, history)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stream chat chain output")
	}

	s.logger.Debug().Int("history", len(history)).Int("length", len(message)).Msg("streaming reply")
	return stream, nil
}

func (s *Service) buildChainInput(message string, history []chat.HistoryEntry) map[string]any {
	return map[string]any{
		"system":  s.systemPrompt,
		"history": buildHistoryMessages(history, s.historyLimit),
		"query":   message,
	}
}

func buildHistoryMessages(entries []chat.HistoryEntry, limit int) []*schema.Message {
	if len(entries) == 0 {
		return nil
	}

	startIdx := 0
	if limit > 0 && len(entries) > limit {
		startIdx = len(entries) - limit
	}

	history := make([]*schema.Message, 0, len(entries)-startIdx)
	for _, entry := range entries[startIdx:] {
		switch entry.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(entry.Content))
		case chat.RoleBot:
			history = append(history, schema.AssistantMessage(entry.Content, nil))
		}
	}

	return history
}
