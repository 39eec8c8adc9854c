package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Comment is one inbound text sample observed on a monitored platform.
// Params: owner, platform, text (required, may be empty), author, and optional post metadata.
// Returns: validated pipeline input.
type Comment struct {
	UserID    string    `json:"user_id"`
	Platform  Platform  `json:"platform"`
	Text      *string   `json:"text"`
	Author    string    `json:"author"`
	PostURL   string    `json:"post_url,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// DecodeComment decodes and validates one comment payload.
// Params: JSON document bytes.
// Returns: validated comment or decode/validation error.
func DecodeComment(raw []byte) (Comment, error) {
	var comment Comment
	if err := json.Unmarshal(raw, &comment); err != nil {
		return Comment{}, fmt.Errorf("decode comment: %w", err)
	}
	if err := comment.Validate(); err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// DecodeComments decodes and validates one batch of comments.
// Params: JSON array bytes.
// Returns: validated comments or decode/validation error.
func DecodeComments(raw []byte) ([]Comment, error) {
	var comments []Comment
	if err := json.Unmarshal(raw, &comments); err != nil {
		return nil, fmt.Errorf("decode comment batch: %w", err)
	}
	if len(comments) == 0 {
		return nil, errors.New("comment batch must contain at least one comment")
	}
	for i := range comments {
		if err := comments[i].Validate(); err != nil {
			return nil, fmt.Errorf("comment[%d]: %w", i, err)
		}
	}
	return comments, nil
}

// Validate checks comment schema.
// Params: comment fields.
// Returns: error when text is absent or platform unknown.
func (c Comment) Validate() error {
	if c.Text == nil {
		return errors.New("text is required")
	}
	if !c.Platform.Valid() {
		return fmt.Errorf("unsupported platform %q", c.Platform)
	}
	return nil
}

// Body returns comment text or empty string.
// Params: none.
// Returns: dereferenced text.
func (c Comment) Body() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// WithUser returns a copy owned by userID when the comment carries none.
// Params: fallback owner id.
// Returns: comment with owner set.
func (c Comment) WithUser(userID string) Comment {
	if strings.TrimSpace(c.UserID) == "" {
		c.UserID = userID
	}
	return c
}
