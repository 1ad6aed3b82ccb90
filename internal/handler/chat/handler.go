package chat

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	aiService "github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/utils"
)

const (
	errMessageRequired = "Message field is required."
	errInternal        = "Internal server error"
)

// Handler serves the streaming chat endpoint.
type Handler struct {
	responder aiService.Responder
	logger    zerolog.Logger
}

// New creates a chat handler answering with responder.
func New(responder aiService.Responder) *Handler {
	return &Handler{
		responder: responder,
		logger:    log.With().Str("component", "chat_handler").Logger(),
	}
}

// RegisterRoutes mounts the chat routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

	var payload chat.Request
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, errMessageRequired)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.responder.Stream(r.Context(), message, payload.History)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start reply stream")
		utils.RespondError(w, http.StatusInternalServerError, errInternal)
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	frames := 0
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			if r.Context().Err() != nil {
				logger.Debug().Err(recvErr).Int("frames", frames).Msg("client went away")
				return
			}
			// Closing without the terminator lets the client keep what it got.
			logger.Error().Err(recvErr).Int("frames", frames).Msg("reply stream failed")
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		if err := utils.SendSSEChunk(w, flusher, chat.Delta{Text: aiService.CleanMarkdown(chunk.Content)}); err != nil {
			logger.Debug().Err(err).Msg("client went away")
			return
		}
		frames++
	}

	if err := utils.SendSSEDone(w, flusher); err != nil {
		logger.Debug().Err(err).Msg("client went away before terminator")
		return
	}

	logger.Info().
		Int("frames", frames).
		Int("history", len(payload.History)).
		Msg("reply streamed")
}
