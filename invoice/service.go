package invoice

import (
	"encoding/json"
	"fmt"
	"net/http"

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

// Service is the invoice API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the invoice API router
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

// GenerateInvoiceRequest is the body of POST /
type GenerateInvoiceRequest struct {
	UserID    string `json:"userId" validate:"required"`
	PlanID    string `json:"planId" validate:"required"`
	CourseID  string `json:"courseId"`
	Kind      Kind   `json:"kind" validate:"required,oneof=recurring one_time"`
	AmountDue int64  `json:"amountDue" validate:"required,gt=0"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
}

func (s *Service) generateInvoice(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	details, err := s.Manager.Generate(r.Context(), GenerateRequest{
		UserID:    req.UserID,
		PlanID:    req.PlanID,
		CourseID:  req.CourseID,
		Kind:      req.Kind,
		AmountDue: req.AmountDue,
		Currency:  req.Currency,
	})
	if err != nil {
		s.fail(w, r, "Unable to generate invoice", err)
		return
	}

	resp.WriteResponseWithStatus(w, r, http.StatusCreated, details)
}

func (s *Service) userInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := s.Manager.ListByUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.fail(w, r, "Unable to list invoices", err)
		return
	}
	resp.WriteResponse(w, r, invoices)
}

func (s *Service) invoiceDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.Manager.Get(r.Context(), chi.URLParam(r, "invoiceId"))
	if err != nil {
		s.fail(w, r, "Unable to get invoice", err)
		return
	}
	resp.WriteResponse(w, r, details)
}

func (s *Service) finalizeInvoice(w http.ResponseWriter, r *http.Request) {
	details, err := s.Manager.Finalize(r.Context(), chi.URLParam(r, "invoiceId"))
	if err != nil {
		s.fail(w, r, "Unable to finalize invoice", err)
		return
	}
	resp.WriteResponse(w, r, details)
}

func (s *Service) payInvoice(w http.ResponseWriter, r *http.Request) {
	details, err := s.Manager.Pay(r.Context(), chi.URLParam(r, "invoiceId"))
	if err != nil {
		s.fail(w, r, "Unable to pay invoice", err)
		return
	}
	resp.WriteResponse(w, r, details)
}

// Router will return the routes under invoice API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.generateInvoice)
	r.Get("/user/{userId}", s.userInvoices)
	r.Get("/{invoiceId}", s.invoiceDetails)
	r.Post("/{invoiceId}/finalize", s.finalizeInvoice)
	r.Put("/{invoiceId}/finalize", s.finalizeInvoice)
	r.Post("/{invoiceId}/pay", s.payInvoice)

	return r
}
