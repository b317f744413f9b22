package subscription

// Status is the coarse local state of a subscription
type Status string

// Defining the Statuses a Subscription can be in
const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusOther     Status = "other"
)

// Trigger names what caused a reconciliation
type Trigger string

// Defining reconciliation triggers
const (
	TriggerCreate  Trigger = "create"
	TriggerStatus  Trigger = "status"
	TriggerCancel  Trigger = "cancel"
	TriggerSync    Trigger = "sync"
	TriggerWebhook Trigger = "webhook"
)

// Metadata keys written on processor subscriptions
const (
	MetadataSource   = "source"
	MetadataUserID   = "user_id"
	MetadataPlanID   = "plan_id"
	MetadataCourseID = "course_id"
	// MetadataCheckoutRef holds the id of the pending row a checkout created
	MetadataCheckoutRef = "checkout_ref"

	// SourceTag marks subscriptions created by this service
	SourceTag = "tutorlms"
	// NoCourse is written to course_id when the plan is not course-scoped
	NoCourse = "none"

	// DefaultPaymentMethod is assumed when the processor does not expose one
	DefaultPaymentMethod = "card"
)
