// Package subscriptiontest wires a subscription.Manager against in-memory collaborators
package subscriptiontest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miragespace/coursesub/broker"
	"github.com/miragespace/coursesub/catalog"
	"github.com/miragespace/coursesub/gateway/gatewaytest"
	"github.com/miragespace/coursesub/metrics"
	"github.com/miragespace/coursesub/subscription"
	"github.com/miragespace/coursesub/user"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Plans used by Env
var Plans = []catalog.Plan{
	{ID: "healthtech", Name: "HealthTech", PriceID: "price_health", CourseScoped: true},
	{ID: "emerging-tech", Name: "Emerging Tech", PriceID: "price_emerging"},
	{ID: "legacy", Name: "Legacy", PriceID: "price_legacy", Retired: true},
}

// Users is an in-memory user directory
type Users struct {
	mu    sync.Mutex
	seq   int
	users map[string]*user.User

	// BeforeSwap runs before every SwapCustomerID, outside the lock
	BeforeSwap func(id string)
}

var _ subscription.Users = &Users{}

// NewUsers returns an empty directory
func NewUsers() *Users {
	return &Users{users: map[string]*user.User{}}
}

// Add registers a user and returns it
func (u *Users) Add(email string, customerID string) *user.User {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seq++
	usr := &user.User{ID: fmt.Sprintf("user-%d", u.seq), Email: strings.ToLower(email)}
	if customerID != "" {
		usr.CustomerID = &customerID
	}
	u.users[usr.ID] = usr
	return copyUser(usr)
}

func copyUser(u *user.User) *user.User {
	c := *u
	if u.CustomerID != nil {
		id := *u.CustomerID
		c.CustomerID = &id
	}
	return &c
}

func (u *Users) GetByID(ctx context.Context, id string) (*user.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if usr, ok := u.users[id]; ok {
		return copyUser(usr), nil
	}
	return nil, nil
}

func (u *Users) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, usr := range u.users {
		if usr.Email == strings.ToLower(email) {
			return copyUser(usr), nil
		}
	}
	return nil, nil
}

func (u *Users) GetByCustomerID(ctx context.Context, customerID string) (*user.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, usr := range u.users {
		if usr.HasCustomer() && *usr.CustomerID == customerID {
			return copyUser(usr), nil
		}
	}
	return nil, nil
}

func (u *Users) SwapCustomerID(ctx context.Context, id, previous, customerID string) (bool, error) {
	if hook := u.BeforeSwap; hook != nil {
		hook(id)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	usr, ok := u.users[id]
	if !ok {
		return false, nil
	}
	current := ""
	if usr.CustomerID != nil {
		current = *usr.CustomerID
	}
	if current != previous {
		return false, nil
	}
	usr.CustomerID = &customerID
	return true, nil
}

// Link sets the customer of user id unconditionally
func (u *Users) Link(id, customerID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if usr, ok := u.users[id]; ok {
		usr.CustomerID = &customerID
	}
}

// Enroller records grants and answers remote checks from Remote
type Enroller struct {
	mu     sync.Mutex
	grants []string
	Remote map[string]bool // "email:course" -> has access
	// EnrollErr is returned by Enroll when set
	EnrollErr error
}

var _ subscription.Enroller = &Enroller{}

func (e *Enroller) Grant(email, courseID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants = append(e.grants, email+":"+courseID)
}

func (e *Enroller) Enroll(ctx context.Context, email, courseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.EnrollErr != nil {
		return e.EnrollErr
	}
	e.grants = append(e.grants, email+":"+courseID)
	return nil
}

func (e *Enroller) VerifyRemoteAccess(ctx context.Context, email, courseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Remote[email+":"+courseID]
}

// Grants returns the recorded grants as "email:course"
func (e *Enroller) Grants() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.grants...)
}

// Publisher records published changes
type Publisher struct {
	mu      sync.Mutex
	changes []broker.SubscriptionChange
}

var _ broker.Publisher = &Publisher{}

func (p *Publisher) Close() {}

func (p *Publisher) PublishSubscriptionChange(ctx context.Context, change broker.SubscriptionChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

// Changes returns the published changes in order
func (p *Publisher) Changes() []broker.SubscriptionChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.SubscriptionChange(nil), p.changes...)
}

// Env is a Manager with every collaborator exposed
type Env struct {
	Now       time.Time
	Manager   *subscription.Manager
	Gateway   *gatewaytest.Fake
	Store     *subscription.MemoryStore
	Users     *Users
	Enroller  *Enroller
	Publisher *Publisher
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
}

// New returns an Env with a frozen clock
func New(t *testing.T) *Env {
	t.Helper()

	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	plans, err := catalog.New(Plans)
	require.NoError(t, err)

	gw := gatewaytest.NewFake()
	gw.Now = func() time.Time { return now }

	registry := prometheus.NewRegistry()
	env := &Env{
		Now:       now,
		Gateway:   gw,
		Store:     subscription.NewMemoryStore(),
		Users:     NewUsers(),
		Enroller:  &Enroller{Remote: map[string]bool{}},
		Publisher: &Publisher{},
		Registry:  registry,
		Metrics:   metrics.New(registry),
	}

	m, err := subscription.NewManager(subscription.ManagerOptions{
		Gateway:   gw,
		Store:     env.Store,
		Users:     env.Users,
		Catalog:   plans,
		Enroller:  env.Enroller,
		Publisher: env.Publisher,
		Metrics:   env.Metrics,
		Logger:    zap.NewNop(),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	env.Manager = m

	return env
}
