package enrollment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miragespace/coursesub/apperr"
	"github.com/miragespace/coursesub/metrics"

	"go.uber.org/zap"
)

// LMS is the subset of Client the Notifier drives
type LMS interface {
	GrantAccess(ctx context.Context, email, courseID string) error
	VerifyRemoteAccess(ctx context.Context, email, courseID string) (bool, error)
}

var _ LMS = &Client{}

// NotifierOptions contains the configuration for the Notifier
type NotifierOptions struct {
	LMS     LMS
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Notifier performs LMS calls off the request path. Failures are reported
// as UpstreamSyncError in the logs and never returned to the caller.
type Notifier struct {
	NotifierOptions
	wg sync.WaitGroup
}

// NewNotifier returns a Notifier
func NewNotifier(option NotifierOptions) (*Notifier, error) {
	if option.LMS == nil {
		return nil, fmt.Errorf("nil LMS is invalid")
	}
	if option.Metrics == nil {
		return nil, fmt.Errorf("nil Metrics is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Timeout <= 0 {
		option.Timeout = 10 * time.Second
	}
	return &Notifier{
		NotifierOptions: option,
	}, nil
}

// Grant enrolls email into courseID in the background and returns immediately
func (n *Notifier) Grant(email, courseID string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.Timeout)
		defer cancel()

		logger := n.Logger.With(
			zap.String("email", email),
			zap.String("CourseID", courseID),
		)
		if err := n.LMS.GrantAccess(ctx, email, courseID); err != nil {
			n.Metrics.EnrollmentGrant("failed")
			logger.Error("Unable to grant course access in LMS",
				zap.Error(&apperr.UpstreamSyncError{Op: "grant access", Err: err}),
			)
			return
		}
		n.Metrics.EnrollmentGrant("granted")
		logger.Info("Granted course access in LMS")
	}()
}

// Enroll grants access and waits for the LMS to answer. Failures are
// returned as UpstreamSyncError.
func (n *Notifier) Enroll(ctx context.Context, email, courseID string) error {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	if err := n.LMS.GrantAccess(ctx, email, courseID); err != nil {
		n.Metrics.EnrollmentGrant("failed")
		return &apperr.UpstreamSyncError{Op: "enroll course", Err: err}
	}
	n.Metrics.EnrollmentGrant("granted")
	return nil
}

// VerifyRemoteAccess asks the LMS within the notifier timeout. Errors are
// logged and reported as no access.
func (n *Notifier) VerifyRemoteAccess(ctx context.Context, email, courseID string) bool {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	ok, err := n.LMS.VerifyRemoteAccess(ctx, email, courseID)
	if err != nil {
		n.Logger.Error("Unable to verify course access in LMS",
			zap.String("email", email),
			zap.String("CourseID", courseID),
			zap.Error(&apperr.UpstreamSyncError{Op: "verify access", Err: err}),
		)
		return false
	}
	return ok
}

// Drain waits for in-flight grants, or until ctx is done
func (n *Notifier) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
