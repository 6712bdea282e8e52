package email

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a plain notification. At least one of TextBody and HTMLBody must be set.
type Message struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

var addressRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+(\.[a-zA-Z]{2,})?$`)

// Validate checks the recipient, subject and body.
func (m Message) Validate() error {
	to := strings.TrimSpace(m.To)
	switch {
	case to == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	case !addressRegex.MatchString(to):
		return fmt.Errorf("%w: recipient %q is not a valid address", ErrInvalidMessage, m.To)
	case strings.TrimSpace(m.Subject) == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	case m.TextBody == "" && m.HTMLBody == "":
		return fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}
	return nil
}
