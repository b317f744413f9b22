package webhook

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/miragespace/coursesub/apperr"
	"github.com/miragespace/coursesub/gateway"
	"github.com/miragespace/coursesub/metrics"
	resp "github.com/miragespace/coursesub/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// ServiceOptions contains the configuration for the webhook router
type ServiceOptions struct {
	Verifier *gateway.EventVerifier
	Handler  Handler
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Service receives processor webhooks
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the webhook router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Verifier == nil {
		return nil, fmt.Errorf("nil Verifier is invalid")
	}
	if option.Handler == nil {
		return nil, fmt.Errorf("nil Handler is invalid")
	}
	if option.Metrics == nil {
		return nil, fmt.Errorf("nil Metrics is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// Received is the acknowledgement body
type Received struct {
	Received bool `json:"received"`
}

func (s *Service) receive(w http.ResponseWriter, r *http.Request) {
	payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.Logger.Warn("Unable to read webhook body",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read body"))
		return
	}

	evt, err := s.Verifier.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			s.Metrics.WebhookEvent("unknown", "invalid_signature")
			s.Logger.Warn("Webhook signature verification failed",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrInvalidSignature())
			return
		}
		s.Metrics.WebhookEvent("unknown", "malformed")
		s.Logger.Error("Unable to decode webhook event",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Malformed event"))
		return
	}

	logger := s.Logger.With(
		zap.String("EventID", evt.ID),
		zap.String("EventType", evt.Type),
	)

	handled, err := Dispatch(r.Context(), s.Handler, evt)
	if err != nil {
		s.Metrics.WebhookEvent(evt.Type, "failed")
		logger.Error("Unable to process webhook event",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to process event"))
		return
	}

	if handled {
		s.Metrics.WebhookEvent(evt.Type, "processed")
		logger.Info("Processed webhook event")
	} else {
		s.Metrics.WebhookEvent(evt.Type, "ignored")
		logger.Debug("Ignored webhook event")
	}
	resp.WriteResponse(w, r, Received{Received: true})
}

// Router will return the routes under webhook API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.receive)

	return r
}
