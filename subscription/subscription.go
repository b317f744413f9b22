package subscription

import "time"

// Subscription is the local record of a learner's access to a plan
type Subscription struct {
	ID                     string    `json:"id" gorm:"primaryKey"`
	UserID                 string    `json:"userId" gorm:"index"`
	Email                  string    `json:"email" gorm:"index"`
	ExternalSubscriptionID *string   `json:"externalSubscriptionId" gorm:"uniqueIndex"` // Stripe subscription ID, absent for rows created before checkout completes
	ExternalPaymentID      string    `json:"externalPaymentId" gorm:"index"`            // Stripe invoice or checkout session that funded this subscription
	PlanID                 string    `json:"planId"`
	CourseID               *string   `json:"courseId" gorm:"index"`
	Status                 Status    `json:"status" gorm:"index"`
	AutoRenew              bool      `json:"autoRenew"`
	StartDate              time.Time `json:"startDate"`
	EndDate                time.Time `json:"endDate"`
	PaymentMethod          string    `json:"paymentMethod"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// GrantsAccessAt reports whether the subscription grants access at t
func (s *Subscription) GrantsAccessAt(t time.Time) bool {
	return s.Status == StatusActive && s.EndDate.After(t)
}

// Fields is a set of column values for an upsert. A nil field is left
// untouched on an existing row. CourseID pointing to "" clears the course.
type Fields struct {
	UserID            *string
	Email             *string
	ExternalPaymentID *string
	PlanID            *string
	CourseID          *string
	Status            *Status
	AutoRenew         *bool
	StartDate         *time.Time
	EndDate           *time.Time
	PaymentMethod     *string
}

// columns returns the database columns of the provided fields
func (f Fields) columns() []string {
	cols := make([]string, 0, 10)
	if f.UserID != nil {
		cols = append(cols, "user_id")
	}
	if f.Email != nil {
		cols = append(cols, "email")
	}
	if f.ExternalPaymentID != nil {
		cols = append(cols, "external_payment_id")
	}
	if f.PlanID != nil {
		cols = append(cols, "plan_id")
	}
	if f.CourseID != nil {
		cols = append(cols, "course_id")
	}
	if f.Status != nil {
		cols = append(cols, "status")
	}
	if f.AutoRenew != nil {
		cols = append(cols, "auto_renew")
	}
	if f.StartDate != nil {
		cols = append(cols, "start_date")
	}
	if f.EndDate != nil {
		cols = append(cols, "end_date")
	}
	if f.PaymentMethod != nil {
		cols = append(cols, "payment_method")
	}
	return cols
}

// applyTo copies the provided fields onto s
func (f Fields) applyTo(s *Subscription) {
	if f.UserID != nil {
		s.UserID = *f.UserID
	}
	if f.Email != nil {
		s.Email = *f.Email
	}
	if f.ExternalPaymentID != nil {
		s.ExternalPaymentID = *f.ExternalPaymentID
	}
	if f.PlanID != nil {
		s.PlanID = *f.PlanID
	}
	if f.CourseID != nil {
		if *f.CourseID == "" {
			s.CourseID = nil
		} else {
			course := *f.CourseID
			s.CourseID = &course
		}
	}
	if f.Status != nil {
		s.Status = *f.Status
	}
	if f.AutoRenew != nil {
		s.AutoRenew = *f.AutoRenew
	}
	if f.StartDate != nil {
		s.StartDate = *f.StartDate
	}
	if f.EndDate != nil {
		s.EndDate = *f.EndDate
	}
	if f.PaymentMethod != nil {
		s.PaymentMethod = *f.PaymentMethod
	}
}

func stringPtr(s string) *string {
	return &s
}
