package payment

import "time"

// Status of a processed charge
type Status string

// Defining payment outcomes
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Payment is an append-only record of a charge reported by the processor.
// Amounts are copied verbatim in minor units, never computed here.
type Payment struct {
	ID                     string    `json:"id" gorm:"primaryKey"`
	UserID                 string    `json:"userId" gorm:"index"`
	Email                  string    `json:"email"`
	ExternalPaymentID      string    `json:"externalPaymentId" gorm:"uniqueIndex:idx_payment_outcome;not null"` // Stripe invoice or checkout session ID
	ExternalSubscriptionID string    `json:"externalSubscriptionId" gorm:"index"`
	Amount                 int64     `json:"amount"`
	Currency               string    `json:"currency"`
	PaymentMethodType      string    `json:"paymentMethodType"`
	Status                 Status    `json:"status" gorm:"uniqueIndex:idx_payment_outcome"`
	ReceiptURL             string    `json:"receiptUrl"`
	CreatedAt              time.Time `json:"createdAt"`
}
