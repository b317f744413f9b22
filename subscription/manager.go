package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miragespace/coursesub/apperr"
	"github.com/miragespace/coursesub/broker"
	"github.com/miragespace/coursesub/catalog"
	"github.com/miragespace/coursesub/gateway"
	"github.com/miragespace/coursesub/metrics"
	"github.com/miragespace/coursesub/user"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotTracked is returned by Reconcile when the subscription has no local
// row and the caller did not ask for one to be created
var ErrNotTracked = errors.New("subscription is not tracked locally")

// Users is the user directory the engine needs
type Users interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	GetByCustomerID(ctx context.Context, customerID string) (*user.User, error)
	// SwapCustomerID links customerID only while the stored link equals
	// previous ("" for none). It reports whether the link was written.
	SwapCustomerID(ctx context.Context, id, previous, customerID string) (bool, error)
}

// Enroller notifies the LMS. Grant and VerifyRemoteAccess are best-effort
// and never fail; Enroll waits for the LMS and reports its failure.
type Enroller interface {
	Grant(email, courseID string)
	Enroll(ctx context.Context, email, courseID string) error
	VerifyRemoteAccess(ctx context.Context, email, courseID string) bool
}

var _ Users = &user.Manager{}

// ManagerOptions contains the collaborators of the reconciliation engine
type ManagerOptions struct {
	Gateway   gateway.Gateway
	Store     Store
	Users     Users
	Catalog   *catalog.Catalog
	Enroller  Enroller
	Publisher broker.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// Manager keeps local subscriptions in line with the payment processor
type Manager struct {
	ManagerOptions
}

// NewManager returns the reconciliation engine
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Users == nil {
		return nil, fmt.Errorf("nil Users is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Enroller == nil {
		return nil, fmt.Errorf("nil Enroller is invalid")
	}
	if option.Metrics == nil {
		return nil, fmt.Errorf("nil Metrics is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Publisher == nil {
		option.Publisher = broker.Noop{}
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// CreateRequest starts a subscription for a user
type CreateRequest struct {
	UserID        string
	Email         string
	PlanID        string
	PaymentMethod string
	CourseID      string
}

// CreateResult carries the secret the client uses to confirm the first payment
type CreateResult struct {
	Subscription *Subscription
	ClientSecret string
	Gateway      *gateway.Subscription
}

// Create resolves the plan, creates the processor subscription with an
// incomplete first payment and persists the row optimistically as active.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.UserID == "" {
		return nil, apperr.NewValidationError("userId", "required")
	}
	plan, err := m.Catalog.Resolve(req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.CourseScoped && req.CourseID == "" {
		return nil, apperr.NewValidationError("courseId", fmt.Sprintf("required for plan %s", plan.ID))
	}

	u, err := m.mustGetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	email := req.Email
	if email == "" {
		email = u.Email
	}

	logger := m.Logger.With(
		zap.String("UserID", u.ID),
		zap.String("PlanID", plan.ID),
	)

	customerID, err := m.ensureCustomer(ctx, u)
	if err != nil {
		return nil, err
	}

	g, err := m.Gateway.CreateSubscription(ctx, customerID, plan.PriceID, subscriptionMetadata(u.ID, plan.ID, req.CourseID))
	if err != nil {
		logger.Error("Unable to setup subscription in Stripe",
			zap.Error(err),
		)
		return nil, err
	}

	fields := stateFields(g, initialStatus(g))
	fields.UserID = stringPtr(u.ID)
	fields.Email = stringPtr(email)
	fields.PlanID = stringPtr(plan.ID)
	fields.CourseID = stringPtr(req.CourseID)
	fields.ExternalPaymentID = stringPtr(paymentIDFor(g, ""))
	fields.PaymentMethod = stringPtr(firstNonEmpty(req.PaymentMethod, g.PaymentMethodType, DefaultPaymentMethod))

	sub, err := m.Store.Upsert(ctx, g.ID, fields)
	if err != nil {
		return nil, err
	}
	m.afterWrite(ctx, sub, TriggerCreate, false)

	return &CreateResult{
		Subscription: sub,
		ClientSecret: g.ClientSecret,
		Gateway:      g,
	}, nil
}

// ReconcileOptions tune how Reconcile treats a subscription without a local row
type ReconcileOptions struct {
	Trigger Trigger
	// CreateMissing inserts a row when none exists. Otherwise ErrNotTracked is returned.
	CreateMissing bool
	// PaymentID links a row that was created before the subscription id was known
	PaymentID string
	// UserID, Email and CourseID are used in place of processor metadata for new rows
	UserID   string
	Email    string
	CourseID string
	// Grant notifies the LMS when the result grants course access
	Grant bool
}

// Result is the reconciled local row next to the snapshot it was computed from
type Result struct {
	Subscription *Subscription         `json:"subscription"`
	Gateway      *gateway.Subscription `json:"gateway"`
	Created      bool                  `json:"created"`
}

// Reconcile fetches the processor subscription and applies it to the local
// row. It fails with a NotFoundError when the processor does not know the id.
func (m *Manager) Reconcile(ctx context.Context, externalID string, opts ReconcileOptions) (*Result, error) {
	if externalID == "" {
		return nil, apperr.NewValidationError("subscriptionId", "required")
	}
	g, err := m.Gateway.RetrieveSubscription(ctx, externalID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, &apperr.NotFoundError{Entity: "subscription", ID: externalID, Err: err}
		}
		return nil, err
	}
	return m.Apply(ctx, g, opts)
}

// Apply reconciles the local row against snapshot g. The status is a pure
// function of g and the upsert is keyed by g.ID, so repeated or reordered
// calls with the same snapshot converge on the same row.
func (m *Manager) Apply(ctx context.Context, g *gateway.Subscription, opts ReconcileOptions) (*Result, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerStatus
	}
	logger := m.Logger.With(
		zap.String("ExternalSubscriptionID", g.ID),
		zap.String("Trigger", string(opts.Trigger)),
	)

	existing, err := m.findOrLink(ctx, g, opts.PaymentID, logger)
	if err != nil {
		return nil, err
	}
	if existing == nil && !opts.CreateMissing {
		return nil, ErrNotTracked
	}

	fields := stateFields(g, StatusFromGateway(g.Status, g.CancelAtPeriodEnd))
	if existing == nil {
		if err := m.identityFields(ctx, g, opts, &fields); err != nil {
			return nil, err
		}
	} else if existing.PlanID == "" || existing.PlanID == catalog.UnknownPlanID {
		if planID := m.inferPlan(g); planID != catalog.UnknownPlanID {
			fields.PlanID = stringPtr(planID)
		}
	}

	sub, err := m.Store.Upsert(ctx, g.ID, fields)
	if err != nil {
		return nil, err
	}
	m.afterWrite(ctx, sub, opts.Trigger, opts.Grant)

	return &Result{
		Subscription: sub,
		Gateway:      g,
		Created:      existing == nil,
	}, nil
}

// Cancel asks the processor to cancel at period end, then reconciles. The
// local row is never marked cancelled before the processor confirms.
func (m *Manager) Cancel(ctx context.Context, externalID string) (*Result, error) {
	if externalID == "" {
		return nil, apperr.NewValidationError("subscriptionId", "required")
	}
	cancel := true
	g, err := m.Gateway.UpdateSubscription(ctx, externalID, gateway.SubscriptionUpdate{
		CancelAtPeriodEnd: &cancel,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, &apperr.NotFoundError{Entity: "subscription", ID: externalID, Err: err}
		}
		return nil, err
	}

	res, err := m.Reconcile(ctx, externalID, ReconcileOptions{
		Trigger:       TriggerCancel,
		CreateMissing: true,
	})
	if errors.Is(err, ErrNotTracked) {
		m.Logger.Warn("Cancelled subscription has no local owner",
			zap.String("ExternalSubscriptionID", externalID),
		)
		return &Result{Gateway: g}, nil
	}
	return res, err
}

// SyncResult partitions synced rows by whether they existed beforehand
type SyncResult struct {
	Updated []Subscription `json:"updated"`
	Created []Subscription `json:"created"`
}

// SyncAll pulls every processor subscription of the user with email and
// upserts them. This is the recovery path for missed webhooks.
func (m *Manager) SyncAll(ctx context.Context, email string) (*SyncResult, error) {
	if email == "" {
		return nil, apperr.NewValidationError("email", "required")
	}
	u, err := m.Users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.NewNotFoundError("user", email)
	}
	logger := m.Logger.With(zap.String("UserID", u.ID))

	customerID, err := m.ensureCustomer(ctx, u)
	if err != nil {
		return nil, err
	}

	snapshots, err := m.Gateway.ListSubscriptions(ctx, customerID, "all")
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		Updated: make([]Subscription, 0, len(snapshots)),
		Created: make([]Subscription, 0, len(snapshots)),
	}
	for i := range snapshots {
		g := &snapshots[i]

		existing, err := m.findOrLink(ctx, g, "", logger)
		if err != nil {
			return nil, err
		}

		fields := stateFields(g, StatusFromGateway(g.Status, g.CancelAtPeriodEnd))
		fields.UserID = stringPtr(u.ID)
		fields.Email = stringPtr(u.Email)
		fields.PlanID = stringPtr(m.inferPlan(g))
		if course := courseFromMetadata(g); course != "" {
			fields.CourseID = stringPtr(course)
		}
		if existing == nil || existing.ExternalPaymentID == "" {
			fields.ExternalPaymentID = stringPtr(paymentIDFor(g, ""))
		}
		fields.PaymentMethod = stringPtr(firstNonEmpty(g.PaymentMethodType, DefaultPaymentMethod))

		sub, err := m.Store.Upsert(ctx, g.ID, fields)
		if err != nil {
			return nil, err
		}
		m.afterWrite(ctx, sub, TriggerSync, false)

		if existing == nil {
			result.Created = append(result.Created, *sub)
		} else {
			result.Updated = append(result.Updated, *sub)
		}
	}

	logger.Info("Synchronized subscriptions",
		zap.Int("created", len(result.Created)),
		zap.Int("updated", len(result.Updated)),
	)
	return result, nil
}

// AccessResult answers a course access check
type AccessResult struct {
	HasAccess    bool          `json:"hasAccess"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Source       string        `json:"source,omitempty"`
}

// VerifyAccess checks the local store for an active subscription to the
// course ending strictly after now. With remote set, a local miss is
// confirmed against the LMS.
func (m *Manager) VerifyAccess(ctx context.Context, userID, courseID string, remote bool) (*AccessResult, error) {
	if userID == "" {
		return nil, apperr.NewValidationError("userId", "required")
	}
	if courseID == "" {
		return nil, apperr.NewValidationError("courseId", "required")
	}

	sub, err := m.Store.FindActiveForCourse(ctx, userID, courseID, m.Now())
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return &AccessResult{HasAccess: true, Subscription: sub, Source: "local"}, nil
	}
	if !remote {
		return &AccessResult{HasAccess: false}, nil
	}

	u, err := m.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u != nil && m.Enroller.VerifyRemoteAccess(ctx, u.Email, courseID) {
		return &AccessResult{HasAccess: true, Source: "lms"}, nil
	}
	return &AccessResult{HasAccess: false}, nil
}

// ListByUser returns the user's subscriptions, newest first
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]Subscription, error) {
	if userID == "" {
		return nil, apperr.NewValidationError("userId", "required")
	}
	return m.Store.ListByUser(ctx, userID)
}

// CheckoutRequest starts a hosted checkout for a plan
type CheckoutRequest struct {
	UserID     string
	PlanID     string
	CourseID   string
	SuccessURL string
	CancelURL  string
}

// CheckoutResult identifies the hosted checkout session
type CheckoutResult struct {
	SessionID    string        `json:"sessionId"`
	Subscription *Subscription `json:"subscription"`
}

// Checkout creates a checkout session and a pending row keyed only by the
// session id. The subscription created by the session carries the row id in
// its metadata, so whichever of checkout.session.completed and
// invoice.payment_succeeded arrives first links the row.
func (m *Manager) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.UserID == "" {
		return nil, apperr.NewValidationError("userId", "required")
	}
	plan, err := m.Catalog.Resolve(req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.CourseScoped && req.CourseID == "" {
		return nil, apperr.NewValidationError("courseId", fmt.Sprintf("required for plan %s", plan.ID))
	}
	u, err := m.mustGetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	customerID, err := m.ensureCustomer(ctx, u)
	if err != nil {
		return nil, err
	}

	pendingID := uuid.New().String()
	metadata := subscriptionMetadata(u.ID, plan.ID, req.CourseID)
	metadata[MetadataCheckoutRef] = pendingID

	session, err := m.Gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		CustomerID:        customerID,
		PriceID:           plan.PriceID,
		ClientReferenceID: u.ID,
		SuccessURL:        req.SuccessURL,
		CancelURL:         req.CancelURL,
		Metadata:          metadata,
	})
	if err != nil {
		return nil, err
	}

	pending := &Subscription{
		ID:                pendingID,
		UserID:            u.ID,
		Email:             u.Email,
		ExternalPaymentID: session.ID,
		PlanID:            plan.ID,
		Status:            StatusOther,
		AutoRenew:         true,
		StartDate:         m.Now(),
		PaymentMethod:     DefaultPaymentMethod,
	}
	if req.CourseID != "" {
		pending.CourseID = stringPtr(req.CourseID)
	}
	if err := m.Store.Create(ctx, pending); err != nil {
		return nil, err
	}

	return &CheckoutResult{
		SessionID:    session.ID,
		Subscription: pending,
	}, nil
}

// AttachPaymentMethod attaches a payment method to the user's customer and makes it the default
func (m *Manager) AttachPaymentMethod(ctx context.Context, userID, paymentMethodID string) error {
	if paymentMethodID == "" {
		return apperr.NewValidationError("paymentMethodId", "required")
	}
	u, err := m.mustGetUser(ctx, userID)
	if err != nil {
		return err
	}
	customerID, err := m.ensureCustomer(ctx, u)
	if err != nil {
		return err
	}
	return m.Gateway.AttachPaymentMethod(ctx, customerID, paymentMethodID)
}

// Enroll grants a registered user access to courseID in the LMS right away,
// outside of any payment. LMS failures are returned.
func (m *Manager) Enroll(ctx context.Context, email, courseID string) error {
	if email == "" {
		return apperr.NewValidationError("email", "required")
	}
	if courseID == "" {
		return apperr.NewValidationError("courseId", "required")
	}
	u, err := m.Users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u == nil {
		return apperr.NewNotFoundError("user", email)
	}
	if err := m.Enroller.Enroll(ctx, u.Email, courseID); err != nil {
		return err
	}
	m.Logger.Info("Enrolled user manually",
		zap.String("UserID", u.ID),
		zap.String("CourseID", courseID),
	)
	return nil
}

// -----------------------------------------------------------------------------

func (m *Manager) mustGetUser(ctx context.Context, userID string) (*user.User, error) {
	u, err := m.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.NewNotFoundError("user", userID)
	}
	return u, nil
}

// ensureCustomer returns the user's processor customer: the stored link
// while the processor still has it, then a customer found by email, then a
// new one. The result is stored unless another request linked one first.
func (m *Manager) ensureCustomer(ctx context.Context, u *user.User) (string, error) {
	logger := m.Logger.With(zap.String("UserID", u.ID))

	previous := ""
	if u.HasCustomer() {
		previous = *u.CustomerID
		c, err := m.Gateway.RetrieveCustomer(ctx, previous)
		switch {
		case err == nil && !c.Deleted:
			return c.ID, nil
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return "", err
		}
		logger.Warn("Linked customer is gone from the processor, relinking",
			zap.String("CustomerID", previous),
		)
	}

	c, err := m.Gateway.FindCustomerByEmail(ctx, u.Email)
	if err != nil {
		return "", err
	}
	if c == nil || c.ID == previous {
		c, err = m.Gateway.CreateCustomer(ctx, u.Email, map[string]string{
			MetadataUserID: u.ID,
		})
		if err != nil {
			return "", err
		}
	}

	swapped, err := m.Users.SwapCustomerID(ctx, u.ID, previous, c.ID)
	if err != nil {
		return "", err
	}
	if !swapped {
		// a concurrent request linked a customer first
		current, err := m.mustGetUser(ctx, u.ID)
		if err != nil {
			return "", err
		}
		if !current.HasCustomer() {
			return "", fmt.Errorf("customer link of user %s changed concurrently", u.ID)
		}
		logger.Warn("Customer linked concurrently, leaving ours unused",
			zap.String("CustomerID", *current.CustomerID),
			zap.String("UnusedCustomerID", c.ID),
		)
		u.CustomerID = current.CustomerID
		return *current.CustomerID, nil
	}
	u.CustomerID = stringPtr(c.ID)
	return c.ID, nil
}

// findOrLink returns the row of g, linking a row created before the
// subscription id was known: first by paymentID, then by the checkout
// reference in g's metadata.
func (m *Manager) findOrLink(ctx context.Context, g *gateway.Subscription, paymentID string, logger *zap.Logger) (*Subscription, error) {
	existing, err := m.Store.FindByExternalID(ctx, g.ID)
	if err != nil || existing != nil {
		return existing, err
	}
	if paymentID != "" {
		existing, err = m.Store.LinkExternalID(ctx, paymentID, g.ID)
		if err != nil {
			return nil, err
		}
	}
	if ref := g.Metadata[MetadataCheckoutRef]; existing == nil && ref != "" {
		existing, err = m.Store.ClaimPending(ctx, ref, g.ID)
		if err != nil {
			return nil, err
		}
	}
	if existing != nil {
		logger.Info("Linked subscription created before checkout completed",
			zap.String("SubscriptionID", existing.ID),
		)
	}
	return existing, nil
}

// identityFields fills the columns a new row needs besides its state
func (m *Manager) identityFields(ctx context.Context, g *gateway.Subscription, opts ReconcileOptions, fields *Fields) error {
	var owner *user.User
	var err error

	userID := firstNonEmpty(opts.UserID, g.Metadata[MetadataUserID])
	switch {
	case userID != "":
		owner, err = m.Users.GetByID(ctx, userID)
	case g.CustomerID != "":
		owner, err = m.Users.GetByCustomerID(ctx, g.CustomerID)
	}
	if err != nil {
		return err
	}
	if owner == nil {
		return extErrors.Wrapf(ErrNotTracked, "no local user for customer %q", g.CustomerID)
	}

	fields.UserID = stringPtr(owner.ID)
	fields.Email = stringPtr(firstNonEmpty(opts.Email, owner.Email))
	fields.PlanID = stringPtr(m.inferPlan(g))
	if course := firstNonEmpty(opts.CourseID, courseFromMetadata(g)); course != "" {
		fields.CourseID = stringPtr(course)
	}
	fields.ExternalPaymentID = stringPtr(paymentIDFor(g, opts.PaymentID))
	if fields.PaymentMethod == nil {
		fields.PaymentMethod = stringPtr(DefaultPaymentMethod)
	}
	return nil
}

// inferPlan reads plan_id from metadata, falling back to the first price
func (m *Manager) inferPlan(g *gateway.Subscription) string {
	if planID := g.Metadata[MetadataPlanID]; planID != "" {
		if _, ok := m.Catalog.Get(planID); ok {
			return planID
		}
	}
	if len(g.PriceIDs) == 0 {
		return catalog.UnknownPlanID
	}
	return m.Catalog.ReversePriceLookup(g.PriceIDs[0])
}

func (m *Manager) afterWrite(ctx context.Context, sub *Subscription, trigger Trigger, grant bool) {
	m.Metrics.Reconciled(string(trigger), string(sub.Status))

	change := broker.SubscriptionChange{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Email:          sub.Email,
		PlanID:         sub.PlanID,
		Status:         string(sub.Status),
		EndDate:        sub.EndDate,
		Trigger:        string(trigger),
		OccurredAt:     m.Now(),
	}
	if sub.ExternalSubscriptionID != nil {
		change.ExternalSubscriptionID = *sub.ExternalSubscriptionID
	}
	if sub.CourseID != nil {
		change.CourseID = *sub.CourseID
	}
	if err := m.Publisher.PublishSubscriptionChange(ctx, change); err != nil {
		m.Logger.Warn("Unable to publish subscription change",
			zap.String("SubscriptionID", sub.ID),
			zap.Error(err),
		)
	}

	if grant && sub.CourseID != nil && sub.GrantsAccessAt(m.Now()) {
		m.Enroller.Grant(sub.Email, *sub.CourseID)
	}
}

func subscriptionMetadata(userID, planID, courseID string) map[string]string {
	return map[string]string{
		MetadataSource:   SourceTag,
		MetadataUserID:   userID,
		MetadataPlanID:   planID,
		MetadataCourseID: firstNonEmpty(courseID, NoCourse),
	}
}

func courseFromMetadata(g *gateway.Subscription) string {
	course := strings.TrimSpace(g.Metadata[MetadataCourseID])
	if course == NoCourse {
		return ""
	}
	return course
}

func paymentIDFor(g *gateway.Subscription, hint string) string {
	return firstNonEmpty(hint, g.LatestInvoiceID, g.ID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
