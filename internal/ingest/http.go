package ingest

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"aegis/internal/failure"
)

// UserResolver extracts authenticated user id from request.
type UserResolver func(request *http.Request) (string, bool)

// HTTPHandler decodes JSON comments and forwards them to sink.
// Params: sink receives validated comments, max body limits payload size, users scopes ownership.
// Returns: HTTP handler for bulk comment ingest endpoint.
type HTTPHandler struct {
	sink        CommentSink
	maxBodySize int64
	users       UserResolver
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes, and optional user resolver.
// Returns: configured handler.
func NewHTTPHandler(sink CommentSink, maxBodySize int64, users UserResolver) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, users: users}
}

// ServeHTTP handles one incoming comment or comment batch.
// Params: HTTP request/response writer pair.
// Returns: 202 with accepted count, 400 on invalid payload, 503 when sink fails.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeIngestResponse(writer, http.StatusBadRequest, ingestResponse{Error: "read body: " + err.Error()})
		return
	}

	comments, err := decodeCommentPayload(body)
	if err != nil {
		writeIngestResponse(writer, http.StatusBadRequest, ingestResponse{Error: err.Error()})
		return
	}

	if h.users != nil {
		userID, ok := h.users(request)
		if !ok {
			writeIngestResponse(writer, http.StatusUnauthorized, ingestResponse{Error: "unauthenticated"})
			return
		}
		for i := range comments {
			comments[i].UserID = userID
		}
	}
	for i := range comments {
		if strings.TrimSpace(comments[i].UserID) == "" {
			writeIngestResponse(writer, http.StatusBadRequest, ingestResponse{Error: "user_id is required"})
			return
		}
	}

	accepted, err := pushComments(request.Context(), h.sink, comments)
	if err != nil {
		status := http.StatusServiceUnavailable
		if failure.Is(err, failure.InvalidInput) {
			status = http.StatusBadRequest
		}
		writeIngestResponse(writer, status, ingestResponse{Accepted: accepted, Error: err.Error()})
		return
	}
	writeIngestResponse(writer, http.StatusAccepted, ingestResponse{Accepted: accepted})
}

func writeIngestResponse(writer http.ResponseWriter, status int, payload ingestResponse) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
