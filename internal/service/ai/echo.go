package ai

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
)

// EchoResponder streams the message back word by word. The reference server
// falls back to it when no model credentials are configured.
type EchoResponder struct {
	Prefix string
	Delay  time.Duration
}

// Stream implements Responder.
func (e EchoResponder) Stream(ctx context.Context, message string, _ []chat.HistoryEntry) (*schema.StreamReader[*schema.Message], error) {
	words := strings.Fields(message)
	sr, sw := schema.Pipe[*schema.Message](len(words) + 1)

	go func() {
		defer sw.Close()

		for i, word := range words {
			chunk := word
			if i == 0 {
				chunk = e.Prefix + word
			} else {
				chunk = " " + word
			}

			if err := e.wait(ctx); err != nil {
				sw.Send(nil, err)
				return
			}
			if closed := sw.Send(schema.AssistantMessage(chunk, nil), nil); closed {
				return
			}
		}
	}()

	return sr, nil
}

func (e EchoResponder) wait(ctx context.Context) error {
	if e.Delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(e.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
