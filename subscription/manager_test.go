package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miragespace/coursesub/apperr"
	"github.com/miragespace/coursesub/catalog"
	"github.com/miragespace/coursesub/gateway"
	"github.com/miragespace/coursesub/subscription"
	"github.com/miragespace/coursesub/subscription/subscriptiontest"

	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }

func status(s subscription.Status) *subscription.Status { return &s }

func at(t time.Time) *time.Time { return &t }

// seedSubscription puts an active processor subscription for u on course-1
func seedSubscription(env *subscriptiontest.Env, id, customerID, userID string) gateway.Subscription {
	g := gateway.Subscription{
		ID:                 id,
		CustomerID:         customerID,
		Status:             gateway.StatusActive,
		StartDate:          env.Now.AddDate(0, 0, -1),
		CurrentPeriodStart: env.Now.AddDate(0, 0, -1),
		CurrentPeriodEnd:   env.Now.AddDate(0, 0, 29),
		Metadata: map[string]string{
			subscription.MetadataSource:   subscription.SourceTag,
			subscription.MetadataUserID:   userID,
			subscription.MetadataPlanID:   "healthtech",
			subscription.MetadataCourseID: "course-1",
		},
		PriceIDs:        []string{"price_health"},
		LatestInvoiceID: "in_" + id,
	}
	env.Gateway.PutSubscription(g)
	return g
}

func TestCreate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "")

	res, err := env.Manager.Create(ctx, subscription.CreateRequest{
		UserID:        u.ID,
		PlanID:        "healthtech",
		PaymentMethod: "card",
		CourseID:      "course-1",
	})
	require.NoError(err)

	sub := res.Subscription
	require.NotEmpty(sub.ID)
	require.Equal(res.Gateway.ID, *sub.ExternalSubscriptionID)
	require.Equal(subscription.StatusActive, sub.Status)
	require.True(sub.AutoRenew)
	require.Equal("healthtech", sub.PlanID)
	require.Equal("course-1", *sub.CourseID)
	require.Equal("learner@example.com", sub.Email)
	require.Equal("in_"+res.Gateway.ID, sub.ExternalPaymentID)
	require.Equal(env.Now.AddDate(0, 0, 30), sub.EndDate)
	require.Equal("pi_"+res.Gateway.ID+"_secret", res.ClientSecret)

	require.Equal(subscription.SourceTag, res.Gateway.Metadata[subscription.MetadataSource])
	require.Equal(u.ID, res.Gateway.Metadata[subscription.MetadataUserID])
	require.Equal("course-1", res.Gateway.Metadata[subscription.MetadataCourseID])

	// the customer is created once and remembered
	linked, err := env.Users.GetByID(ctx, u.ID)
	require.NoError(err)
	require.True(linked.HasCustomer())
	require.Equal(res.Gateway.CustomerID, *linked.CustomerID)

	_, err = env.Manager.Create(ctx, subscription.CreateRequest{
		UserID: u.ID,
		PlanID: "emerging-tech",
	})
	require.NoError(err)
	require.Equal(1, env.Gateway.Calls("create customer"))

	changes := env.Publisher.Changes()
	require.Len(changes, 2)
	require.Equal(string(subscription.TriggerCreate), changes[0].Trigger)
	require.Empty(env.Enroller.Grants())
}

func TestCreateReusesCustomerFoundByEmail(t *testing.T) {
	require := require.New(t)
	env := subscriptiontest.New(t)

	env.Gateway.PutCustomer(gateway.Customer{ID: "cus_existing", Email: "learner@example.com"})
	u := env.Users.Add("learner@example.com", "")

	res, err := env.Manager.Create(context.Background(), subscription.CreateRequest{
		UserID: u.ID,
		PlanID: "emerging-tech",
	})
	require.NoError(err)
	require.Equal("cus_existing", res.Gateway.CustomerID)
	require.Equal(0, env.Gateway.Calls("create customer"))
	require.Equal(subscription.NoCourse, res.Gateway.Metadata[subscription.MetadataCourseID])
	require.Nil(res.Subscription.CourseID)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	env := subscriptiontest.New(t)
	u := env.Users.Add("learner@example.com", "")

	cases := []struct {
		name   string
		req    subscription.CreateRequest
		target error
	}{
		{"unknown plan", subscription.CreateRequest{UserID: u.ID, PlanID: "nope"}, catalog.ErrUnknownPlan},
		{"unknown plan is not found", subscription.CreateRequest{UserID: u.ID, PlanID: "nope"}, apperr.ErrNotFound},
		{"retired plan", subscription.CreateRequest{UserID: u.ID, PlanID: "legacy"}, apperr.ErrValidation},
		{"course plan without course", subscription.CreateRequest{UserID: u.ID, PlanID: "healthtech"}, apperr.ErrValidation},
		{"missing user id", subscription.CreateRequest{PlanID: "emerging-tech"}, apperr.ErrValidation},
		{"unknown user", subscription.CreateRequest{UserID: "ghost", PlanID: "emerging-tech"}, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Manager.Create(ctx, tc.req)
			require.ErrorIs(t, err, tc.target)
		})
	}
	require.Equal(t, 0, env.Gateway.Calls("create subscription"))
	require.Equal(t, 0, env.Store.Len())
}

func TestCreateGatewayFailureWritesNothing(t *testing.T) {
	require := require.New(t)
	env := subscriptiontest.New(t)
	u := env.Users.Add("learner@example.com", "")

	env.Gateway.Errors["create subscription"] = &apperr.GatewayError{
		Op:      "create subscription",
		Code:    "card_declined",
		Message: "Your card was declined.",
	}
	_, err := env.Manager.Create(context.Background(), subscription.CreateRequest{
		UserID: u.ID,
		PlanID: "emerging-tech",
	})
	require.ErrorIs(err, apperr.ErrGateway)
	require.Equal(0, env.Store.Len())
	require.Empty(env.Publisher.Changes())
}

func TestReconcileIsIdempotent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	seedSubscription(env, "sub_1", "cus_9", u.ID)

	opts := subscription.ReconcileOptions{Trigger: subscription.TriggerStatus, CreateMissing: true}
	first, err := env.Manager.Reconcile(ctx, "sub_1", opts)
	require.NoError(err)
	require.True(first.Created)

	second, err := env.Manager.Reconcile(ctx, "sub_1", opts)
	require.NoError(err)
	require.False(second.Created)

	require.Equal(first.Subscription.ID, second.Subscription.ID)
	require.Equal(first.Subscription.Status, second.Subscription.Status)
	require.Equal(first.Subscription.EndDate, second.Subscription.EndDate)
	require.Equal(first.Subscription.PlanID, second.Subscription.PlanID)
	require.Equal(1, env.Store.Len())

	require.Equal(subscription.StatusActive, second.Subscription.Status)
	require.Equal(u.ID, second.Subscription.UserID)
	require.Equal("in_sub_1", second.Subscription.ExternalPaymentID)
	require.Equal(env.Now.AddDate(0, 0, 29), second.Subscription.EndDate)
}

func TestReconcileConcurrentCallsKeepOneRow(t *testing.T) {
	env := subscriptiontest.New(t)
	u := env.Users.Add("learner@example.com", "cus_9")
	seedSubscription(env, "sub_1", "cus_9", u.ID)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Manager.Reconcile(context.Background(), "sub_1", subscription.ReconcileOptions{CreateMissing: true})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, env.Store.Len())
}

func TestReconcileIgnoresPreviousLocalStatus(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	seedSubscription(env, "sub_1", "cus_9", u.ID)

	_, err := env.Store.Upsert(ctx, "sub_1", subscription.Fields{
		UserID: str(u.ID),
		Email:  str(u.Email),
		PlanID: str("healthtech"),
		Status: status(subscription.StatusCancelled),
	})
	require.NoError(err)

	res, err := env.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{})
	require.NoError(err)
	require.Equal(subscription.StatusActive, res.Subscription.Status)
	require.True(res.Subscription.AutoRenew)
}

func TestReconcileCancellationScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("active but cancelling at period end", func(t *testing.T) {
		require := require.New(t)
		env := subscriptiontest.New(t)
		u := env.Users.Add("learner@example.com", "cus_9")

		g := seedSubscription(env, "sub_1", "cus_9", u.ID)
		cancelAt := env.Now.AddDate(0, 0, 10)
		g.CancelAtPeriodEnd = true
		g.CancelAt = &cancelAt
		env.Gateway.PutSubscription(g)

		res, err := env.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{CreateMissing: true})
		require.NoError(err)
		require.Equal(subscription.StatusCancelled, res.Subscription.Status)
		require.False(res.Subscription.AutoRenew)
		require.Equal(cancelAt, res.Subscription.EndDate)
	})

	t.Run("canceled by the processor", func(t *testing.T) {
		require := require.New(t)
		env := subscriptiontest.New(t)
		u := env.Users.Add("learner@example.com", "cus_9")

		g := seedSubscription(env, "sub_1", "cus_9", u.ID)
		g.Status = gateway.StatusCanceled
		env.Gateway.PutSubscription(g)

		res, err := env.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{CreateMissing: true})
		require.NoError(err)
		require.Equal(subscription.StatusCancelled, res.Subscription.Status)
		require.True(res.Subscription.AutoRenew)
		require.Equal(g.CurrentPeriodEnd, res.Subscription.EndDate)
	})

	t.Run("past due is other", func(t *testing.T) {
		require := require.New(t)
		env := subscriptiontest.New(t)
		u := env.Users.Add("learner@example.com", "cus_9")

		g := seedSubscription(env, "sub_1", "cus_9", u.ID)
		g.Status = gateway.StatusPastDue
		env.Gateway.PutSubscription(g)

		res, err := env.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{CreateMissing: true, Grant: true})
		require.NoError(err)
		require.Equal(subscription.StatusOther, res.Subscription.Status)
		require.Empty(env.Enroller.Grants())
	})
}

func TestReconcileUnknownToProcessor(t *testing.T) {
	require := require.New(t)
	env := subscriptiontest.New(t)

	_, err := env.Manager.Reconcile(context.Background(), "sub_missing", subscription.ReconcileOptions{CreateMissing: true})
	require.ErrorIs(err, apperr.ErrNotFound)
	require.Equal(0, env.Store.Len())
}

func TestReconcileNotTracked(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	seedSubscription(env, "sub_1", "cus_9", u.ID)

	_, err := env.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{})
	require.ErrorIs(err, subscription.ErrNotTracked)

	// no local user for the customer either
	g := seedSubscription(env, "sub_2", "cus_stranger", "")
	delete(g.Metadata, subscription.MetadataUserID)
	env.Gateway.PutSubscription(g)
	_, err = env.Manager.Reconcile(ctx, "sub_2", subscription.ReconcileOptions{CreateMissing: true})
	require.ErrorIs(err, subscription.ErrNotTracked)

	require.Equal(0, env.Store.Len())
}

func TestReconcileResolvesOwnerByCustomer(t *testing.T) {
	require := require.New(t)
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	g := seedSubscription(env, "sub_1", "cus_9", "")
	delete(g.Metadata, subscription.MetadataUserID)
	delete(g.Metadata, subscription.MetadataPlanID)
	env.Gateway.PutSubscription(g)

	res, err := env.Manager.Reconcile(context.Background(), "sub_1", subscription.ReconcileOptions{CreateMissing: true})
	require.NoError(err)
	require.Equal(u.ID, res.Subscription.UserID)
	require.Equal("healthtech", res.Subscription.PlanID)
}

func TestReconcileGrantsAccess(t *testing.T) {
	require := require.New(t)
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	seedSubscription(env, "sub_1", "cus_9", u.ID)

	_, err := env.Manager.Reconcile(context.Background(), "sub_1", subscription.ReconcileOptions{
		Trigger:       subscription.TriggerWebhook,
		CreateMissing: true,
		Grant:         true,
	})
	require.NoError(err)
	require.Equal([]string{"learner@example.com:course-1"}, env.Enroller.Grants())

	changes := env.Publisher.Changes()
	require.Len(changes, 1)
	require.Equal("sub_1", changes[0].ExternalSubscriptionID)
	require.Equal("course-1", changes[0].CourseID)
	require.Equal(string(subscription.StatusActive), changes[0].Status)
}

func TestCheckoutIsLinkedOnCompletion(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	env.Gateway.PutCustomer(gateway.Customer{ID: "cus_9", Email: u.Email})

	checkout, err := env.Manager.Checkout(ctx, subscription.CheckoutRequest{
		UserID:     u.ID,
		PlanID:     "healthtech",
		CourseID:   "course-1",
		SuccessURL: "https://lms.example.com/success",
		CancelURL:  "https://lms.example.com/cancel",
	})
	require.NoError(err)
	require.NotEmpty(checkout.SessionID)
	require.Nil(checkout.Subscription.ExternalSubscriptionID)
	require.Equal(subscription.StatusOther, checkout.Subscription.Status)

	pending, err := env.Store.FindByExternalIDOrPaymentID(ctx, checkout.SessionID)
	require.NoError(err)
	require.NotNil(pending)

	seedSubscription(env, "sub_checkout", "cus_9", u.ID)
	res, err := env.Manager.Reconcile(ctx, "sub_checkout", subscription.ReconcileOptions{
		Trigger:       subscription.TriggerWebhook,
		CreateMissing: true,
		PaymentID:     checkout.SessionID,
		Grant:         true,
	})
	require.NoError(err)
	require.False(res.Created)
	require.Equal(pending.ID, res.Subscription.ID)
	require.Equal("sub_checkout", *res.Subscription.ExternalSubscriptionID)
	require.Equal(subscription.StatusActive, res.Subscription.Status)
	require.Equal(1, env.Store.Len())
	require.Equal([]string{"learner@example.com:course-1"}, env.Enroller.Grants())
}

func TestInvoiceBeforeCheckoutCompletionClaimsPendingRow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	env.Gateway.PutCustomer(gateway.Customer{ID: "cus_9", Email: u.Email})

	checkout, err := env.Manager.Checkout(ctx, subscription.CheckoutRequest{
		UserID:     u.ID,
		PlanID:     "healthtech",
		CourseID:   "course-1",
		SuccessURL: "https://lms.example.com/success",
		CancelURL:  "https://lms.example.com/cancel",
	})
	require.NoError(err)

	g, err := env.Gateway.CompleteCheckout(checkout.SessionID)
	require.NoError(err)
	require.Equal(checkout.Subscription.ID, g.Metadata[subscription.MetadataCheckoutRef])

	// invoice.payment_succeeded only knows the invoice id
	first, err := env.Manager.Reconcile(ctx, g.ID, subscription.ReconcileOptions{
		Trigger:       subscription.TriggerWebhook,
		CreateMissing: true,
		PaymentID:     g.LatestInvoiceID,
		Grant:         true,
	})
	require.NoError(err)
	require.False(first.Created)
	require.Equal(checkout.Subscription.ID, first.Subscription.ID)
	require.Equal(subscription.StatusActive, first.Subscription.Status)

	second, err := env.Manager.Reconcile(ctx, g.ID, subscription.ReconcileOptions{
		Trigger:       subscription.TriggerWebhook,
		CreateMissing: true,
		PaymentID:     checkout.SessionID,
		Grant:         true,
	})
	require.NoError(err)
	require.Equal(first.Subscription.ID, second.Subscription.ID)

	rows, err := env.Manager.ListByUser(ctx, u.ID)
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal(g.ID, *rows[0].ExternalSubscriptionID)
	require.Equal(checkout.SessionID, rows[0].ExternalPaymentID)
}

func TestSyncAllClaimsPendingCheckoutRow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	env.Gateway.PutCustomer(gateway.Customer{ID: "cus_9", Email: u.Email})

	checkout, err := env.Manager.Checkout(ctx, subscription.CheckoutRequest{
		UserID:     u.ID,
		PlanID:     "emerging-tech",
		SuccessURL: "https://lms.example.com/success",
		CancelURL:  "https://lms.example.com/cancel",
	})
	require.NoError(err)
	_, err = env.Gateway.CompleteCheckout(checkout.SessionID)
	require.NoError(err)

	res, err := env.Manager.SyncAll(ctx, u.Email)
	require.NoError(err)
	require.Empty(res.Created)
	require.Len(res.Updated, 1)
	require.Equal(checkout.Subscription.ID, res.Updated[0].ID)
	require.Equal(1, env.Store.Len())
}

func TestCreateRelinksCustomerMissingFromProcessor(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_gone")

	res, err := env.Manager.Create(ctx, subscription.CreateRequest{UserID: u.ID, PlanID: "emerging-tech"})
	require.NoError(err)
	require.NotEqual("cus_gone", res.Gateway.CustomerID)

	linked, err := env.Users.GetByID(ctx, u.ID)
	require.NoError(err)
	require.Equal(res.Gateway.CustomerID, *linked.CustomerID)
	require.Equal(1, env.Gateway.Calls("retrieve customer"))

	// a live link is used as is
	_, err = env.Manager.Create(ctx, subscription.CreateRequest{UserID: u.ID, PlanID: "emerging-tech"})
	require.NoError(err)
	require.Equal(1, env.Gateway.Calls("create customer"))
}

func TestConcurrentCustomerLinkIsReused(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "")
	env.Gateway.PutCustomer(gateway.Customer{ID: "cus_winner", Email: "winner@example.com"})

	var once sync.Once
	env.Users.BeforeSwap = func(id string) {
		once.Do(func() { env.Users.Link(id, "cus_winner") })
	}

	res, err := env.Manager.Create(ctx, subscription.CreateRequest{UserID: u.ID, PlanID: "emerging-tech"})
	require.NoError(err)
	require.Equal("cus_winner", res.Gateway.CustomerID)

	linked, err := env.Users.GetByID(ctx, u.ID)
	require.NoError(err)
	require.Equal("cus_winner", *linked.CustomerID)
}

func TestEnroll(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	env.Users.Add("learner@example.com", "")

	require.NoError(env.Manager.Enroll(ctx, "Learner@example.com", "course-7"))
	require.Equal([]string{"learner@example.com:course-7"}, env.Enroller.Grants())

	require.ErrorIs(env.Manager.Enroll(ctx, "nobody@example.com", "course-7"), apperr.ErrNotFound)
	require.ErrorIs(env.Manager.Enroll(ctx, "learner@example.com", ""), apperr.ErrValidation)

	env.Enroller.EnrollErr = &apperr.UpstreamSyncError{Op: "grant access", Err: errors.New("lms down")}
	require.ErrorIs(env.Manager.Enroll(ctx, "learner@example.com", "course-7"), apperr.ErrUpstreamSync)
}

func TestCancel(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "")
	created, err := env.Manager.Create(ctx, subscription.CreateRequest{
		UserID:   u.ID,
		PlanID:   "healthtech",
		CourseID: "course-1",
	})
	require.NoError(err)
	externalID := created.Gateway.ID

	res, err := env.Manager.Cancel(ctx, externalID)
	require.NoError(err)
	require.Equal(created.Subscription.ID, res.Subscription.ID)
	require.Equal(subscription.StatusCancelled, res.Subscription.Status)
	require.False(res.Subscription.AutoRenew)

	remote, err := env.Gateway.RetrieveSubscription(ctx, externalID)
	require.NoError(err)
	require.True(remote.CancelAtPeriodEnd)

	_, err = env.Manager.Cancel(ctx, "sub_missing")
	require.ErrorIs(err, apperr.ErrNotFound)
}

func TestCancelFailureLeavesRowUntouched(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "")
	created, err := env.Manager.Create(ctx, subscription.CreateRequest{UserID: u.ID, PlanID: "emerging-tech"})
	require.NoError(err)

	env.Gateway.Errors["update subscription"] = &apperr.GatewayError{Op: "update subscription", Message: "try again"}
	_, err = env.Manager.Cancel(ctx, created.Gateway.ID)
	require.ErrorIs(err, apperr.ErrGateway)

	row, err := env.Store.FindByExternalID(ctx, created.Gateway.ID)
	require.NoError(err)
	require.Equal(subscription.StatusActive, row.Status)
}

func TestSyncAll(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("sync@example.com", "cus_9")
	env.Gateway.PutCustomer(gateway.Customer{ID: "cus_9", Email: u.Email})

	known := seedSubscription(env, "sub_a", "cus_9", u.ID)
	known.Metadata[subscription.MetadataPlanID] = "emerging-tech"
	env.Gateway.PutSubscription(known)
	_, err := env.Store.Upsert(ctx, "sub_a", subscription.Fields{
		UserID:            str(u.ID),
		Email:             str(u.Email),
		PlanID:            str("healthtech"),
		ExternalPaymentID: str("in_original"),
		Status:            status(subscription.StatusOther),
	})
	require.NoError(err)

	env.Gateway.PutSubscription(gateway.Subscription{
		ID:               "sub_b",
		CustomerID:       "cus_9",
		Status:           gateway.StatusCanceled,
		CurrentPeriodEnd: env.Now.AddDate(0, 0, -3),
		PriceIDs:         []string{"price_health"},
	})
	env.Gateway.PutSubscription(gateway.Subscription{
		ID:               "sub_c",
		CustomerID:       "cus_9",
		Status:           gateway.StatusActive,
		CurrentPeriodEnd: env.Now.AddDate(0, 1, 0),
		PriceIDs:         []string{"price_retired_long_ago"},
	})
	seedSubscription(env, "sub_other", "cus_other", "someone-else")

	res, err := env.Manager.SyncAll(ctx, "sync@example.com")
	require.NoError(err)
	require.Len(res.Updated, 1)
	require.Len(res.Created, 2)

	updated := res.Updated[0]
	require.Equal("sub_a", *updated.ExternalSubscriptionID)
	require.Equal(subscription.StatusActive, updated.Status)
	require.Equal("emerging-tech", updated.PlanID)
	require.Equal("in_original", updated.ExternalPaymentID)

	byID := map[string]subscription.Subscription{}
	for _, s := range res.Created {
		byID[*s.ExternalSubscriptionID] = s
	}
	require.Equal(subscription.StatusCancelled, byID["sub_b"].Status)
	require.Equal("healthtech", byID["sub_b"].PlanID)
	require.Nil(byID["sub_b"].CourseID)
	require.Equal(catalog.UnknownPlanID, byID["sub_c"].PlanID)
	require.Equal(u.ID, byID["sub_c"].UserID)

	require.Equal(3, env.Store.Len())

	_, err = env.Manager.SyncAll(ctx, "nobody@example.com")
	require.ErrorIs(err, apperr.ErrNotFound)
}

func TestVerifyAccess(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")

	put := func(externalID, course string, s subscription.Status, end time.Time) {
		_, err := env.Store.Upsert(ctx, externalID, subscription.Fields{
			UserID:   str(u.ID),
			Email:    str(u.Email),
			CourseID: str(course),
			Status:   status(s),
			EndDate:  at(end),
		})
		require.NoError(err)
	}
	put("sub_boundary", "course-boundary", subscription.StatusActive, env.Now)
	put("sub_future", "course-future", subscription.StatusActive, env.Now.Add(time.Second))
	put("sub_cancelled", "course-cancelled", subscription.StatusCancelled, env.Now.AddDate(0, 1, 0))

	res, err := env.Manager.VerifyAccess(ctx, u.ID, "course-boundary", false)
	require.NoError(err)
	require.False(res.HasAccess)

	res, err = env.Manager.VerifyAccess(ctx, u.ID, "course-future", false)
	require.NoError(err)
	require.True(res.HasAccess)
	require.Equal("sub_future", *res.Subscription.ExternalSubscriptionID)

	res, err = env.Manager.VerifyAccess(ctx, u.ID, "course-cancelled", false)
	require.NoError(err)
	require.False(res.HasAccess)

	env.Enroller.Remote["learner@example.com:course-lms"] = true
	res, err = env.Manager.VerifyAccess(ctx, u.ID, "course-lms", false)
	require.NoError(err)
	require.False(res.HasAccess)

	res, err = env.Manager.VerifyAccess(ctx, u.ID, "course-lms", true)
	require.NoError(err)
	require.True(res.HasAccess)
	require.Equal("lms", res.Source)

	_, err = env.Manager.VerifyAccess(ctx, u.ID, "", false)
	require.ErrorIs(err, apperr.ErrValidation)
}

func TestListByUserNewestFirst(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "")
	first, err := env.Manager.Create(ctx, subscription.CreateRequest{UserID: u.ID, PlanID: "emerging-tech"})
	require.NoError(err)
	second, err := env.Manager.Create(ctx, subscription.CreateRequest{UserID: u.ID, PlanID: "healthtech", CourseID: "course-1"})
	require.NoError(err)

	list, err := env.Manager.ListByUser(ctx, u.ID)
	require.NoError(err)
	require.Len(list, 2)
	require.Equal(second.Subscription.ID, list[0].ID)
	require.Equal(first.Subscription.ID, list[1].ID)
}

func TestAttachPaymentMethod(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "")
	require.NoError(env.Manager.AttachPaymentMethod(ctx, u.ID, "pm_card_visa"))

	linked, err := env.Users.GetByID(ctx, u.ID)
	require.NoError(err)
	require.Equal("pm_card_visa", env.Gateway.AttachedMethod(*linked.CustomerID))

	require.ErrorIs(env.Manager.AttachPaymentMethod(ctx, u.ID, ""), apperr.ErrValidation)
	require.ErrorIs(env.Manager.AttachPaymentMethod(ctx, "ghost", "pm_card_visa"), apperr.ErrNotFound)
}

func TestScheduledCancellationReplacesActiveRow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := subscriptiontest.New(t)

	u := env.Users.Add("learner@example.com", "cus_9")
	g := seedSubscription(env, "sub_1", "cus_9", u.ID)
	g.CurrentPeriodEnd = env.Now.AddDate(0, 0, 30)
	env.Gateway.PutSubscription(g)

	first, err := env.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{CreateMissing: true})
	require.NoError(err)
	require.Equal(subscription.StatusActive, first.Subscription.Status)
	require.Equal(env.Now.AddDate(0, 0, 30), first.Subscription.EndDate)
	require.True(first.Subscription.AutoRenew)

	cancelAt := env.Now.AddDate(0, 0, 10)
	g.CancelAtPeriodEnd = true
	g.CancelAt = &cancelAt
	env.Gateway.PutSubscription(g)

	second, err := env.Manager.Reconcile(ctx, "sub_1", subscription.ReconcileOptions{})
	require.NoError(err)
	require.Equal(first.Subscription.ID, second.Subscription.ID)
	require.Equal(subscription.StatusCancelled, second.Subscription.Status)
	require.Equal(cancelAt, second.Subscription.EndDate)
	require.False(second.Subscription.AutoRenew)
	require.Equal(1, env.Store.Len())
}
