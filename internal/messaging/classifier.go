package messaging

import (
	"context"
	"fmt"
	"regexp"

	"github.com/vendornexus/backend/internal/database"
)

// Classifier inspects a freshly created message and may return an advisory
// follow-up message to post in the "ai" sender context. Returning (nil, nil)
// means no hint. Errors are logged by the caller and never surfaced.
type Classifier interface {
	Classify(ctx context.Context, c *database.Case, msg *database.Message) (*database.Message, error)
}

// invoiceRefPattern matches tokens that look like invoice numbers, e.g.
// INV-1001, 2024-00042, or plain runs of 5+ digits.
var invoiceRefPattern = regexp.MustCompile(`(?i)\b(?:inv[-_ ]?\d+|\d{4}-\d{3,}|\d{5,})\b`)

// RefHintClassifier posts a hint when a vendor writes on an invoice case
// without mentioning anything that looks like an invoice number, and the
// case itself carries an invoice reference the vendor probably means.
type RefHintClassifier struct{}

func (RefHintClassifier) Classify(_ context.Context, c *database.Case, msg *database.Message) (*database.Message, error) {
	if msg.SenderContext != database.SenderVendor || msg.IsInternalNote {
		return nil, nil
	}
	if c.CaseType != database.CaseInvoice || c.InvoiceID == "" {
		return nil, nil
	}
	if invoiceRefPattern.MatchString(msg.Body) {
		return nil, nil
	}
	return &database.Message{
		Body: fmt.Sprintf("This thread concerns invoice %s. Mentioning the invoice number in replies speeds up matching.", c.InvoiceID),
		Metadata: map[string]any{
			"hint":      "missing_invoice_ref",
			"invoiceId": c.InvoiceID,
			"messageId": msg.MessageID,
		},
	}, nil
}
