package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// messagesRequest is the wire shape of a POST /v1/messages call: the HTTP
// binding of §6's process_message(session_id, text, image?, model_override?).
type messagesRequest struct {
	SessionID     string `json:"session_id"`
	Text          string `json:"text"`
	ImageURL      string `json:"image_url,omitempty"`
	ModelOverride string `json:"model_override,omitempty"`
}

// messagesEvent is one line of the newline-delimited response stream: either
// a status/tool suspension-point event, or the final reply.
type messagesEvent struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Reply  string `json:"reply,omitempty"`
	Error  string `json:"error,omitempty"`
}

// newMessagesHandler adapts ProcessMessage to HTTP: a newline-delimited JSON
// stream of status/tool events followed by the final reply, so a caller can
// render suspension points without holding a second connection open.
func newMessagesHandler(engine *Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.SessionID == "" || req.Text == "" {
			http.Error(w, "session_id and text are required", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		flusher, canFlush := w.(http.Flusher)

		onStatus := func(status, detail string) {
			_ = enc.Encode(messagesEvent{Type: "status", Status: status, Detail: detail})
			if canFlush {
				flusher.Flush()
			}
		}
		onTool := func(name string, _ []byte) {
			_ = enc.Encode(messagesEvent{Type: "tool", Tool: name})
			if canFlush {
				flusher.Flush()
			}
		}

		reply, err := ProcessMessage(r.Context(), engine, req.SessionID, req.Text, req.ImageURL, req.ModelOverride, onTool, onStatus)
		if err != nil {
			logger.Error("process message failed", "session_id", req.SessionID, "error", err)
			_ = enc.Encode(messagesEvent{Type: "error", Error: err.Error()})
			return
		}
		_ = enc.Encode(messagesEvent{Type: "reply", Reply: reply})
	}
}
