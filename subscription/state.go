package subscription

import (
	"time"

	"github.com/miragespace/coursesub/gateway"
)

// StatusFromGateway maps a processor status onto the local tri-state. It
// depends only on its inputs, never on the previous local status.
func StatusFromGateway(status string, cancelAtPeriodEnd bool) Status {
	switch {
	case status == gateway.StatusCanceled || cancelAtPeriodEnd:
		return StatusCancelled
	case status == gateway.StatusActive:
		return StatusActive
	default:
		return StatusOther
	}
}

// EndDate is the end of paid access: the scheduled cancellation if there
// is one, otherwise the end of the current period.
func EndDate(g *gateway.Subscription) time.Time {
	if g.CancelAt != nil && !g.CancelAt.IsZero() {
		return *g.CancelAt
	}
	return g.CurrentPeriodEnd
}

// AutoRenew mirrors the inverse of cancel-at-period-end
func AutoRenew(g *gateway.Subscription) bool {
	return !g.CancelAtPeriodEnd
}

// initialStatus is used on the eager creation path, before the payment is
// confirmed. An incomplete subscription is optimistically active.
func initialStatus(g *gateway.Subscription) Status {
	s := StatusFromGateway(g.Status, g.CancelAtPeriodEnd)
	if s == StatusOther && g.Status == gateway.StatusIncomplete {
		return StatusActive
	}
	return s
}

// stateFields are the columns recomputed from a processor snapshot on every reconciliation
func stateFields(g *gateway.Subscription, status Status) Fields {
	start := g.CurrentPeriodStart
	if start.IsZero() {
		start = g.StartDate
	}
	end := EndDate(g)
	autoRenew := AutoRenew(g)

	f := Fields{
		Status:    &status,
		AutoRenew: &autoRenew,
		StartDate: &start,
		EndDate:   &end,
	}
	if g.PaymentMethodType != "" {
		f.PaymentMethod = stringPtr(g.PaymentMethodType)
	}
	return f
}
