package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"aegis/internal/domain"
)

// CommentSink receives decoded comments from ingest interfaces.
// Params: context and validated comment with owner set.
// Returns: processing error; InvalidInput failures are not redelivered.
type CommentSink interface {
	PushComment(ctx context.Context, comment domain.Comment) error
}

// CommentSinkFunc adapts function to CommentSink.
type CommentSinkFunc func(ctx context.Context, comment domain.Comment) error

// PushComment calls f.
func (f CommentSinkFunc) PushComment(ctx context.Context, comment domain.Comment) error {
	return f(ctx, comment)
}

// decodeCommentPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated comments slice.
func decodeCommentPayload(raw []byte) ([]domain.Comment, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		var batch []json.RawMessage
		if err := decoder.Decode(&batch); err != nil {
			return nil, fmt.Errorf("decode comment batch: %w", err)
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return nil, errors.New("comment batch must contain at least one comment")
		}
		comments := make([]domain.Comment, 0, len(batch))
		for i, item := range batch {
			comment, err := domain.DecodeComment(item)
			if err != nil {
				return nil, fmt.Errorf("comment[%d]: %w", i, err)
			}
			comments = append(comments, comment)
		}
		return comments, nil
	}

	var single json.RawMessage
	if err := decoder.Decode(&single); err != nil {
		return nil, fmt.Errorf("decode comment: %w", err)
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	comment, err := domain.DecodeComment(single)
	if err != nil {
		return nil, err
	}
	return []domain.Comment{comment}, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushComments sends comments to sink in order.
// Params: context, sink, and comments.
// Returns: accepted count and first push error.
func pushComments(ctx context.Context, sink CommentSink, comments []domain.Comment) (int, error) {
	for i, comment := range comments {
		if err := sink.PushComment(ctx, comment); err != nil {
			return i, err
		}
	}
	return len(comments), nil
}
