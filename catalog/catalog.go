package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/miragespace/coursesub/apperr"

	extErrors "github.com/pkg/errors"
)

// UnknownPlanID is reported when a price cannot be mapped back to a plan
const UnknownPlanID = "Unknown"

// ErrUnknownPlan is wrapped by the NotFoundError returned from Resolve
var ErrUnknownPlan = errors.New("unknown plan")

// Plan is a purchasable offering backed by a processor price
type Plan struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	PriceID      string `json:"priceId"`
	CourseScoped bool   `json:"courseScoped"`
	// Retired plans remain resolvable for reconciliation but cannot be purchased
	Retired bool `json:"retired"`
}

// Catalog is the read-only plan list. Iteration order is file order.
type Catalog struct {
	planArray      []Plan
	planIDIndexMap map[string]int
}

// loadPlansFromFile reads the plan JSON file. The file is an array so the
// order of entries is preserved for reverse lookups.
func loadPlansFromFile(filename string) ([]Plan, error) {
	jsonBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	plans := make([]Plan, 0, 1)
	if err := json.Unmarshal(jsonBytes, &plans); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan JSON file")
	}
	return plans, nil
}

// Load returns a Catalog from the plan JSON file at path
func Load(path string) (*Catalog, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty PathToPlanJSON is invalid")
	}
	plans, err := loadPlansFromFile(path)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot populate defined Plans")
	}
	return New(plans)
}

// New returns a Catalog over plans
func New(plans []Plan) (*Catalog, error) {
	planMap := make(map[string]int)
	for index, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan at index %d has no id", index)
		}
		if p.ID == UnknownPlanID {
			return nil, fmt.Errorf("plan id %q is reserved", UnknownPlanID)
		}
		if p.PriceID == "" {
			return nil, fmt.Errorf("plan %s has no priceId", p.ID)
		}
		if planMap[p.ID] != 0 {
			return nil, fmt.Errorf("plan %s is defined twice", p.ID)
		}
		planMap[p.ID] = index + 1
	}
	return &Catalog{
		planArray:      append([]Plan(nil), plans...),
		planIDIndexMap: planMap,
	}, nil
}

// Plans lists every defined plan in file order
func (c *Catalog) Plans() []Plan {
	return append([]Plan(nil), c.planArray...)
}

// Get returns the plan by id, including retired plans
func (c *Catalog) Get(planID string) (Plan, bool) {
	index := c.planIDIndexMap[planID]
	if index == 0 {
		return Plan{}, false
	}
	return c.planArray[index-1], true
}

// Resolve returns the plan for a new purchase. Unknown plans fail with a
// NotFoundError wrapping ErrUnknownPlan; retired plans fail validation.
func (c *Catalog) Resolve(planID string) (Plan, error) {
	plan, ok := c.Get(planID)
	if !ok {
		return Plan{}, &apperr.NotFoundError{Entity: "plan", ID: planID, Err: ErrUnknownPlan}
	}
	if plan.Retired {
		return Plan{}, apperr.NewValidationError("planId", fmt.Sprintf("plan %s is retired", planID))
	}
	return plan, nil
}

// ReversePriceLookup maps a processor price back to a plan id. When several
// plans share a price the first one in file order wins.
func (c *Catalog) ReversePriceLookup(priceID string) string {
	for _, p := range c.planArray {
		if p.PriceID == priceID {
			return p.ID
		}
	}
	return UnknownPlanID
}
