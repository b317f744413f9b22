package user

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/miragespace/coursesub/payment"
	resp "github.com/miragespace/coursesub/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// Directory registers and looks up users
type Directory interface {
	Register(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
}

// PaymentHistory lists the recorded payments of a user
type PaymentHistory interface {
	ListByUser(ctx context.Context, userID string) ([]payment.Payment, error)
}

var (
	_ Directory      = &Manager{}
	_ PaymentHistory = &payment.Manager{}
)

// Options contains the configuration for Service router
type Options struct {
	UserManager Directory
	Payments    PaymentHistory
	Logger      *zap.Logger
}

// Service is the user API router
type Service struct {
	Options
}

// RegisterRequest is the model of user request for registration
type RegisterRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// NewService will create an instance of the user API router
func NewService(option Options) (*Service, error) {
	if option.UserManager == nil {
		return nil, fmt.Errorf("nil UserManager is invalid")
	}
	if option.Payments == nil {
		return nil, fmt.Errorf("nil Payments is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		Options: option,
	}, nil
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	u, err := s.UserManager.Register(r.Context(), req.Email)
	if err != nil {
		s.Logger.Error("Unable to register user",
			zap.String("email", req.Email),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to register user"))
		return
	}

	resp.WriteResponse(w, r, u)
}

func (s *Service) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	u, err := s.UserManager.GetByID(r.Context(), id)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get user"))
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No such user"))
		return
	}

	resp.WriteResponse(w, r, u)
}

func (s *Service) payments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	u, err := s.UserManager.GetByID(r.Context(), id)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get user"))
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No such user"))
		return
	}

	history, err := s.Payments.ListByUser(r.Context(), u.ID)
	if err != nil {
		s.Logger.Error("Unable to list payments",
			zap.String("UserID", u.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to list payments"))
		return
	}

	resp.WriteResponse(w, r, history)
}

// Router will return the routes under user API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.register)
	r.Get("/{id}", s.get)
	r.Get("/{id}/payments", s.payments)

	return r
}
