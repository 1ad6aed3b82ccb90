package chat

// HistoryEntry is a prior turn as sent to the chat endpoint.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the JSON body posted to the chat endpoint.
type Request struct {
	Message string         `json:"message"`
	History []HistoryEntry `json:"history"`
}

// NewRequest builds a request carrying message and the given context window.
func NewRequest(message string, window []Turn) Request {
	history := make([]HistoryEntry, 0, len(window))
	for _, turn := range window {
		history = append(history, turn.HistoryEntry())
	}
	return Request{Message: message, History: history}
}

// Delta is the JSON payload of one streamed frame.
type Delta struct {
	Text string `json:"text"`
}
