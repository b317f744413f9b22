package user

import "time"

// User is a learner who can own subscriptions
type User struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	Email      string    `json:"email" gorm:"uniqueIndex;not null"`
	CustomerID *string   `json:"customerId" gorm:"uniqueIndex"` // Stripe customer ID, set on first purchase
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HasCustomer reports whether the user is already linked to a processor customer
func (u *User) HasCustomer() bool {
	return u.CustomerID != nil && *u.CustomerID != ""
}
