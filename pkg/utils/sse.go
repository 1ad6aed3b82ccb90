package utils

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// DoneFrame terminates a chat stream.
const DoneFrame = "data: [DONE]\n\n"

// SendSSEChunk writes payload as a single `data:` frame and flushes it.
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sse payload")
	}

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write sse frame")
	}
	flusher.Flush()
	return nil
}

// SendSSEDone writes the terminator frame and flushes it.
func SendSSEDone(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := w.Write([]byte(DoneFrame)); err != nil {
		return errors.Wrap(err, "failed to write sse terminator")
	}
	flusher.Flush()
	return nil
}

// SetupSSEHeaders sets the response headers of an event stream.
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
