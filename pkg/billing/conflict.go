package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrymomot/billingsync/pkg/email"
)

// EmailConflictReporter mails every conflict to an operator address.
type EmailConflictReporter struct {
	sender email.Sender
	to     string
}

func NewEmailConflictReporter(sender email.Sender, to string) *EmailConflictReporter {
	if sender == nil {
		panic("billing: email sender is required")
	}
	return &EmailConflictReporter{sender: sender, to: to}
}

func (r *EmailConflictReporter) ReportConflict(ctx context.Context, c Conflict) error {
	var b strings.Builder
	fmt.Fprintf(&b, "A billing event could not be applied cleanly and needs manual review.\n\n")
	fmt.Fprintf(&b, "Reason:               %s\n", c.Reason)
	fmt.Fprintf(&b, "Event:                %s (%s)\n", c.EventID, c.EventType)
	writeIf(&b, "Account:              %s\n", c.UserID)
	writeIf(&b, "Linked customer id:   %s\n", c.ExistingCustomerID)
	writeIf(&b, "Event customer id:    %s\n", c.EventCustomerID)
	writeIf(&b, "Email:                %s\n", c.Email)
	b.WriteString("\nThe existing link was kept. Processing continued with the linked account.\n")

	return r.sender.Send(ctx, email.Message{
		To:       r.to,
		Subject:  "Billing conflict: " + c.Reason,
		TextBody: b.String(),
		Tag:      "billing-conflict",
	})
}

func writeIf(b *strings.Builder, format, value string) {
	if value != "" {
		fmt.Fprintf(b, format, value)
	}
}
