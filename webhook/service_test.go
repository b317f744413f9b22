package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/miragespace/coursesub/gateway"
	"github.com/miragespace/coursesub/gateway/gatewaytest"
	"github.com/miragespace/coursesub/payment"
	"github.com/miragespace/coursesub/subscription"
	"github.com/miragespace/coursesub/subscription/subscriptiontest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "whsec_test"

type memoryPayments struct {
	mu       sync.Mutex
	payments map[string]payment.Payment
}

func (m *memoryPayments) Record(ctx context.Context, p *payment.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.ExternalPaymentID + "/" + string(p.Status)
	if _, ok := m.payments[key]; ok {
		return false, nil
	}
	m.payments[key] = *p
	return true, nil
}

func (m *memoryPayments) get(id string, status payment.Status) (payment.Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id+"/"+string(status)]
	return p, ok
}

func (m *memoryPayments) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

type testEnv struct {
	*subscriptiontest.Env
	payments *memoryPayments
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	env := subscriptiontest.New(t)
	payments := &memoryPayments{payments: map[string]payment.Payment{}}

	processor, err := NewProcessor(ProcessorOptions{
		Reconciler: env.Manager,
		Payments:   payments,
		Users:      env.Users,
		Metrics:    env.Metrics,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	verifier, err := gateway.NewEventVerifier(secret)
	require.NoError(t, err)

	svc, err := NewService(ServiceOptions{
		Verifier: verifier,
		Handler:  processor,
		Metrics:  env.Metrics,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	return &testEnv{
		Env:      env,
		payments: payments,
		handler:  svc.Router(),
	}
}

func (e *testEnv) deliver(payload []byte) *httptest.ResponseRecorder {
	return e.deliverSigned(payload, gatewaytest.SignatureHeader(secret, payload, time.Now()))
}

func (e *testEnv) deliverSigned(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedActive(id, customerID, userID string) {
	e.Gateway.PutSubscription(gateway.Subscription{
		ID:                 id,
		CustomerID:         customerID,
		Status:             gateway.StatusActive,
		CurrentPeriodStart: e.Now.AddDate(0, 0, -1),
		CurrentPeriodEnd:   e.Now.AddDate(0, 0, 29),
		Metadata: map[string]string{
			subscription.MetadataUserID:   userID,
			subscription.MetadataPlanID:   "healthtech",
			subscription.MetadataCourseID: "course-1",
		},
		PriceIDs: []string{"price_health"},
	})
}

func invoicePayload(eventID, eventType, invoiceID, subID string) []byte {
	return gatewaytest.EventPayload(eventID, eventType, map[string]interface{}{
		"id":                 invoiceID,
		"object":             "invoice",
		"subscription":       subID,
		"customer":           "cus_9",
		"customer_email":     "learner@example.com",
		"amount_paid":        4900,
		"amount_due":         4900,
		"currency":           "usd",
		"hosted_invoice_url": "https://pay.example.com/" + invoiceID,
	})
}

func TestRejectsBadSignature(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)

	payload := invoicePayload("evt_1", "invoice.payment_succeeded", "in_1", "sub_1")
	rec := e.deliverSigned(payload, gatewaytest.SignatureHeader("whsec_other", payload, time.Now()))
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = e.deliverSigned(payload, "")
	require.Equal(http.StatusBadRequest, rec.Code)

	require.Equal(0, e.payments.len())
	require.Equal(0, e.Gateway.Calls("retrieve subscription"))
}

func TestAcknowledgesUnhandledEvents(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)

	rec := e.deliver(gatewaytest.EventPayload("evt_1", "customer.created", map[string]interface{}{
		"id":     "cus_1",
		"object": "customer",
	}))
	require.Equal(http.StatusOK, rec.Code)

	var body Received
	require.NoError(json.NewDecoder(rec.Body).Decode(&body))
	require.True(body.Received)
}

func TestInvoicePaymentSucceeded(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e := newTestEnv(t)

	u := e.Users.Add("learner@example.com", "cus_9")
	e.seedActive("sub_1", "cus_9", u.ID)

	payload := invoicePayload("evt_1", "invoice.payment_succeeded", "in_1", "sub_1")
	require.Equal(http.StatusOK, e.deliver(payload).Code)

	row, err := e.Store.FindByExternalID(ctx, "sub_1")
	require.NoError(err)
	require.NotNil(row)
	require.Equal(subscription.StatusActive, row.Status)
	require.Equal(u.ID, row.UserID)
	require.Equal("in_1", row.ExternalPaymentID)

	p, ok := e.payments.get("in_1", payment.StatusSucceeded)
	require.True(ok)
	require.Equal(int64(4900), p.Amount)
	require.Equal(u.ID, p.UserID)
	require.Equal("sub_1", p.ExternalSubscriptionID)

	require.Equal([]string{"learner@example.com:course-1"}, e.Enroller.Grants())

	// redelivery converges on the same state
	require.Equal(http.StatusOK, e.deliver(payload).Code)
	require.Equal(1, e.Store.Len())
	require.Equal(1, e.payments.len())
}

func TestInvoicePaymentFailedFollowsProcessorStatus(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e := newTestEnv(t)

	u := e.Users.Add("learner@example.com", "cus_9")
	e.seedActive("sub_1", "cus_9", u.ID)
	_, err := e.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{CreateMissing: true})
	require.NoError(err)

	rec := e.deliver(invoicePayload("evt_2", "invoice.payment_failed", "in_2", "sub_1"))
	require.Equal(http.StatusOK, rec.Code)

	row, err := e.Store.FindByExternalID(ctx, "sub_1")
	require.NoError(err)
	require.Equal(subscription.StatusActive, row.Status)

	_, ok := e.payments.get("in_2", payment.StatusFailed)
	require.True(ok)
	require.Empty(e.Enroller.Grants())
}

func TestCheckoutSessionCompletedLinksPendingRow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e := newTestEnv(t)

	u := e.Users.Add("learner@example.com", "cus_9")
	e.Gateway.PutCustomer(gateway.Customer{ID: "cus_9", Email: u.Email})
	checkout, err := e.Manager.Checkout(ctx, subscription.CheckoutRequest{
		UserID:     u.ID,
		PlanID:     "healthtech",
		CourseID:   "course-1",
		SuccessURL: "https://lms.example.com/success",
		CancelURL:  "https://lms.example.com/cancel",
	})
	require.NoError(err)

	e.seedActive("sub_co", "cus_9", u.ID)
	rec := e.deliver(gatewaytest.EventPayload("evt_3", "checkout.session.completed", map[string]interface{}{
		"id":                  checkout.SessionID,
		"object":              "checkout.session",
		"subscription":        "sub_co",
		"customer":            "cus_9",
		"client_reference_id": u.ID,
		"amount_total":        4900,
		"currency":            "usd",
		"metadata":            map[string]string{"course_id": "course-1"},
	}))
	require.Equal(http.StatusOK, rec.Code)

	require.Equal(1, e.Store.Len())
	row, err := e.Store.FindByExternalID(ctx, "sub_co")
	require.NoError(err)
	require.Equal(checkout.Subscription.ID, row.ID)
	require.Equal(subscription.StatusActive, row.Status)

	_, ok := e.payments.get(checkout.SessionID, payment.StatusSucceeded)
	require.True(ok)
	require.Equal([]string{"learner@example.com:course-1"}, e.Enroller.Grants())
}

func TestInvoiceBeforeCheckoutCompletionKeepsOneRow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e := newTestEnv(t)

	u := e.Users.Add("learner@example.com", "cus_9")
	e.Gateway.PutCustomer(gateway.Customer{ID: "cus_9", Email: u.Email})
	checkout, err := e.Manager.Checkout(ctx, subscription.CheckoutRequest{
		UserID:     u.ID,
		PlanID:     "healthtech",
		CourseID:   "course-1",
		SuccessURL: "https://lms.example.com/success",
		CancelURL:  "https://lms.example.com/cancel",
	})
	require.NoError(err)

	g, err := e.Gateway.CompleteCheckout(checkout.SessionID)
	require.NoError(err)

	rec := e.deliver(invoicePayload("evt_5", "invoice.payment_succeeded", g.LatestInvoiceID, g.ID))
	require.Equal(http.StatusOK, rec.Code)

	rec = e.deliver(gatewaytest.EventPayload("evt_6", "checkout.session.completed", map[string]interface{}{
		"id":                  checkout.SessionID,
		"object":              "checkout.session",
		"subscription":        g.ID,
		"customer":            "cus_9",
		"client_reference_id": u.ID,
		"amount_total":        4900,
		"currency":            "usd",
		"metadata":            g.Metadata,
	}))
	require.Equal(http.StatusOK, rec.Code)

	rows, err := e.Manager.ListByUser(ctx, u.ID)
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal(checkout.Subscription.ID, rows[0].ID)
	require.Equal(g.ID, *rows[0].ExternalSubscriptionID)
	require.Equal(subscription.StatusActive, rows[0].Status)
	require.Equal(checkout.SessionID, rows[0].ExternalPaymentID)

	_, ok := e.payments.get(g.LatestInvoiceID, payment.StatusSucceeded)
	require.True(ok)
	_, ok = e.payments.get(checkout.SessionID, payment.StatusSucceeded)
	require.True(ok)
}

func TestSubscriptionUpdatedSkipsUntracked(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)

	u := e.Users.Add("learner@example.com", "cus_9")
	e.seedActive("sub_1", "cus_9", u.ID)

	rec := e.deliver(gatewaytest.EventPayload("evt_4", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": "cus_9",
		"status":   "active",
	}))
	require.Equal(http.StatusOK, rec.Code)
	require.Equal(0, e.Store.Len())
}

func TestSubscriptionDeletedAppliesPayloadWhenGone(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	e := newTestEnv(t)

	u := e.Users.Add("learner@example.com", "cus_9")
	e.seedActive("sub_1", "cus_9", u.ID)
	_, err := e.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{CreateMissing: true})
	require.NoError(err)

	e.Gateway.DeleteSubscription("sub_1")
	rec := e.deliver(gatewaytest.EventPayload("evt_5", "customer.subscription.deleted", map[string]interface{}{
		"id":                 "sub_1",
		"object":             "subscription",
		"customer":           "cus_9",
		"status":             "canceled",
		"current_period_end": e.Now.AddDate(0, 0, 29).Unix(),
	}))
	require.Equal(http.StatusOK, rec.Code)

	row, err := e.Store.FindByExternalID(ctx, "sub_1")
	require.NoError(err)
	require.Equal(subscription.StatusCancelled, row.Status)
}

func TestProcessingFailureAsksForRedelivery(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)

	u := e.Users.Add("learner@example.com", "cus_9")
	e.seedActive("sub_1", "cus_9", u.ID)
	e.Gateway.Errors["retrieve subscription"] = errors.New("connection reset")

	rec := e.deliver(gatewaytest.EventPayload("evt_6", "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_1",
		"object": "subscription",
		"status": "active",
	}))
	require.Equal(http.StatusInternalServerError, rec.Code)
}

type recordingHandler struct {
	calls []string
}

func (r *recordingHandler) CheckoutSessionCompleted(ctx context.Context, cs *gateway.CheckoutSession) error {
	r.calls = append(r.calls, "checkout")
	return nil
}

func (r *recordingHandler) InvoicePaymentSucceeded(ctx context.Context, inv *gateway.Invoice) error {
	r.calls = append(r.calls, "succeeded")
	return nil
}

func (r *recordingHandler) InvoicePaymentFailed(ctx context.Context, inv *gateway.Invoice) error {
	r.calls = append(r.calls, "failed")
	return nil
}

func (r *recordingHandler) SubscriptionUpdated(ctx context.Context, sub *gateway.Subscription) error {
	r.calls = append(r.calls, "updated")
	return nil
}

func (r *recordingHandler) SubscriptionDeleted(ctx context.Context, sub *gateway.Subscription) error {
	r.calls = append(r.calls, "deleted")
	return nil
}

func TestDispatch(t *testing.T) {
	require := require.New(t)
	h := &recordingHandler{}
	ctx := context.Background()

	events := []*gateway.Event{
		{Kind: gateway.EventCheckoutSessionCompleted, CheckoutSession: &gateway.CheckoutSession{}},
		{Kind: gateway.EventInvoicePaymentSucceeded, Invoice: &gateway.Invoice{}},
		{Kind: gateway.EventInvoicePaymentFailed, Invoice: &gateway.Invoice{}},
		{Kind: gateway.EventSubscriptionUpdated, Subscription: &gateway.Subscription{}},
		{Kind: gateway.EventSubscriptionDeleted, Subscription: &gateway.Subscription{}},
	}
	for _, evt := range events {
		handled, err := Dispatch(ctx, h, evt)
		require.NoError(err)
		require.True(handled)
	}
	require.Equal([]string{"checkout", "succeeded", "failed", "updated", "deleted"}, h.calls)

	handled, err := Dispatch(ctx, h, &gateway.Event{Kind: gateway.EventUnhandled})
	require.NoError(err)
	require.False(handled)
}

type recordingInvoices struct {
	mu     sync.Mutex
	synced []gateway.Invoice
	err    error
}

func (r *recordingInvoices) Sync(ctx context.Context, inv *gateway.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.synced = append(r.synced, *inv)
	return nil
}

func TestStandaloneInvoiceIsSynced(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)

	invoices := &recordingInvoices{}
	processor, err := NewProcessor(ProcessorOptions{
		Reconciler: e.Manager,
		Payments:   e.payments,
		Users:      e.Users,
		Invoices:   invoices,
		Metrics:    e.Metrics,
		Logger:     zap.NewNop(),
	})
	require.NoError(err)

	inv := &gateway.Invoice{ID: "in_adhoc", Status: gateway.InvoicePaid, HostedInvoiceURL: "https://pay.example.com/in_adhoc"}
	require.NoError(processor.InvoicePaymentSucceeded(context.Background(), inv))
	require.Len(invoices.synced, 1)
	require.Equal("in_adhoc", invoices.synced[0].ID)
	require.Equal(gateway.InvoicePaid, invoices.synced[0].Status)
	require.Equal(0, e.payments.len())
	require.Equal(0, e.Gateway.Calls("retrieve subscription"))

	// a store failure asks for redelivery
	invoices.err = errors.New("connection reset")
	require.Error(processor.InvoicePaymentFailed(context.Background(), inv))
}
