package subscription

import "github.com/tiffinbox/tiffinbox/store"

// Plan holds the pricing for one meal-plan variant. All prices are in
// minor currency units (pence).
type Plan struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	PlanType           store.PlanType `json:"planType"`
	PriceDaily         int64          `json:"priceDaily"`
	PriceMonthly       int64          `json:"priceMonthly"`
	StudentDiscountPct int64          `json:"studentDiscountPct"`
}

// Predefined meal plans.
var (
	PlanVeg = Plan{
		ID:                 "veg",
		Name:               "Vegetarian",
		PlanType:           store.PlanVeg,
		PriceDaily:         799,   // £7.99
		PriceMonthly:       19900, // £199
		StudentDiscountPct: 15,
	}

	PlanNonVeg = Plan{
		ID:                 "non-veg",
		Name:               "Non-Vegetarian",
		PlanType:           store.PlanNonVeg,
		PriceDaily:         999,   // £9.99
		PriceMonthly:       24900, // £249
		StudentDiscountPct: 15,
	}

	// AllPlans is the ordered list of available plans.
	AllPlans = []Plan{PlanVeg, PlanNonVeg}
)

// PlanByType looks up a plan by its plan type. Returns nil if not found.
func PlanByType(t store.PlanType) *Plan {
	for i := range AllPlans {
		if AllPlans[i].PlanType == t {
			p := AllPlans[i]
			return &p
		}
	}
	return nil
}

// Price returns the charge amount in minor units for the plan at the given
// frequency, applying the student discount when eligible.
func (p Plan) Price(freq store.Frequency, student bool) int64 {
	amount := p.PriceMonthly
	if freq == store.FrequencyDaily {
		amount = p.PriceDaily
	}
	if student {
		amount -= amount * p.StudentDiscountPct / 100
	}
	return amount
}
