// Package invoice issues ad-hoc processor invoices and keeps a local copy of
// their lifecycle.
package invoice

import "time"

// Kind tells whether an invoice belongs to a recurring or a one-time purchase
type Kind string

// Defining invoice kinds
const (
	KindRecurring Kind = "recurring"
	KindOneTime   Kind = "one_time"
)

// DueAfter is added to the creation time to compute DueDate
const DueAfter = 30 * 24 * time.Hour

// Invoice mirrors one processor invoice. Status and ReceiptURL are copied
// from the processor, never computed here.
type Invoice struct {
	ID                string    `json:"id" gorm:"primaryKey"`
	UserID            string    `json:"userId" gorm:"index;not null"`
	Email             string    `json:"email" gorm:"not null"`
	PlanID            string    `json:"planId" gorm:"not null"`
	CourseID          string    `json:"courseId,omitempty"`
	ExternalInvoiceID string    `json:"externalInvoiceId" gorm:"uniqueIndex;not null"` // Stripe invoice ID
	Kind              Kind      `json:"kind" gorm:"not null"`
	AmountDue         int64     `json:"amountDue"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	DueDate           time.Time `json:"dueDate"`
	ReceiptURL        string    `json:"receiptUrl"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
