package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	resp "github.com/miragespace/coursesub/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Manager *Manager
	Logger  *zap.Logger
}

// Service is the subscription API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return false
	}
	if err := validate.Struct(v); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return false
	}
	return true
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	e := resp.FromError(err)
	if e.StatusCode >= http.StatusInternalServerError {
		s.Logger.Error(msg,
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	resp.WriteError(w, r, e)
}

// CreateSubscriptionRequest is the body of POST /
type CreateSubscriptionRequest struct {
	UserID        string `json:"userId" validate:"required"`
	Email         string `json:"email" validate:"omitempty,email"`
	PlanID        string `json:"planId" validate:"required"`
	PaymentMethod string `json:"paymentMethod"`
	CourseID      string `json:"courseId"`
}

// CreateSubscriptionResponse carries the client secret of the first payment
type CreateSubscriptionResponse struct {
	Subscription *Subscription `json:"subscription"`
	ClientSecret string        `json:"clientSecret"`
}

func (s *Service) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.Manager.Create(r.Context(), CreateRequest{
		UserID:        req.UserID,
		Email:         req.Email,
		PlanID:        req.PlanID,
		PaymentMethod: req.PaymentMethod,
		CourseID:      req.CourseID,
	})
	if err != nil {
		s.fail(w, r, "Unable to create subscription", err)
		return
	}

	resp.WriteResponseWithStatus(w, r, http.StatusCreated, CreateSubscriptionResponse{
		Subscription: res.Subscription,
		ClientSecret: res.ClientSecret,
	})
}

// SubscriptionIDRequest is the body of POST /status and POST /cancel
type SubscriptionIDRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

func (s *Service) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionIDRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.Manager.Reconcile(r.Context(), req.SubscriptionID, ReconcileOptions{
		Trigger:       TriggerStatus,
		CreateMissing: true,
	})
	if errors.Is(err, ErrNotTracked) {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Subscription has no local owner"))
		return
	}
	if err != nil {
		s.fail(w, r, "Unable to get subscription status", err)
		return
	}

	resp.WriteResponse(w, r, res)
}

func (s *Service) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionIDRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.Manager.Cancel(r.Context(), req.SubscriptionID)
	if err != nil {
		s.fail(w, r, "Unable to cancel subscription", err)
		return
	}

	resp.WriteResponse(w, r, res)
}

// SyncRequest is the body of POST /sync
type SyncRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Service) syncSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.Manager.SyncAll(r.Context(), req.Email)
	if err != nil {
		s.fail(w, r, "Unable to sync subscriptions", err)
		return
	}

	resp.WriteResponse(w, r, res)
}

func (s *Service) userSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.Manager.ListByUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.fail(w, r, "Unable to list subscriptions", err)
		return
	}

	resp.WriteResponse(w, r, subs)
}

func (s *Service) verifyCourseAccess(w http.ResponseWriter, r *http.Request) {
	remote, _ := strconv.ParseBool(r.URL.Query().Get("remote"))

	res, err := s.Manager.VerifyAccess(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "courseId"), remote)
	if err != nil {
		s.fail(w, r, "Unable to verify course access", err)
		return
	}

	resp.WriteResponse(w, r, res)
}

// CheckoutSessionRequest is the body of POST /checkout
type CheckoutSessionRequest struct {
	UserID     string `json:"userId" validate:"required"`
	PlanID     string `json:"planId" validate:"required"`
	CourseID   string `json:"courseId"`
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

func (s *Service) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutSessionRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.Manager.Checkout(r.Context(), CheckoutRequest{
		UserID:     req.UserID,
		PlanID:     req.PlanID,
		CourseID:   req.CourseID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.fail(w, r, "Unable to create checkout session", err)
		return
	}

	resp.WriteResponseWithStatus(w, r, http.StatusCreated, res)
}

// PaymentMethodRequest is the body of POST /payment-method
type PaymentMethodRequest struct {
	UserID          string `json:"userId" validate:"required"`
	PaymentMethodID string `json:"paymentMethodId" validate:"required"`
}

func (s *Service) attachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req PaymentMethodRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.Manager.AttachPaymentMethod(r.Context(), req.UserID, req.PaymentMethodID); err != nil {
		s.fail(w, r, "Unable to attach payment method", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EnrollRequest is the body of POST /enroll
type EnrollRequest struct {
	Email    string `json:"email" validate:"required,email"`
	CourseID string `json:"courseId" validate:"required"`
}

// EnrollResponse confirms a manual enrollment
type EnrollResponse struct {
	Enrolled bool `json:"enrolled"`
}

func (s *Service) enrollCourse(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.Manager.Enroll(r.Context(), req.Email, req.CourseID); err != nil {
		s.fail(w, r, "Unable to enroll user in course", err)
		return
	}

	resp.WriteResponse(w, r, EnrollResponse{Enrolled: true})
}

// Router will return the routes under subscription API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.createSubscription)
	r.Post("/status", s.subscriptionStatus)
	r.Post("/cancel", s.cancelSubscription)
	r.Post("/sync", s.syncSubscriptions)
	r.Get("/user/{userId}", s.userSubscriptions)
	r.Get("/access/{userId}/{courseId}", s.verifyCourseAccess)
	r.Post("/checkout", s.createCheckoutSession)
	r.Post("/payment-method", s.attachPaymentMethod)
	r.Post("/enroll", s.enrollCourse)

	return r
}
