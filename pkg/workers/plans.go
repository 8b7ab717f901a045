package workers

import "fmt"

// Plan is a company overview document the plan generator can work from.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	Description string `json:"description"`
}

var plans = []Plan{
	{
		ID:          "asteria",
		Name:        "Asteria Overview",
		Filename:    "Asteria_Overview.pdf",
		Description: "Asteria company profile and project overview",
	},
	{
		ID:          "greengrid",
		Name:        "GreenGrid Overview",
		Filename:    "GreenGrid_Overview.pdf",
		Description: "GreenGrid company profile and project overview",
	},
	{
		ID:          "buildright",
		Name:        "BuildRight Overview",
		Filename:    "BuildRight_Overview.pdf",
		Description: "BuildRight company profile and project overview",
	},
}

// AvailablePlans returns the plan catalog.
func AvailablePlans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// LookupPlan finds a catalog entry by ID.
func LookupPlan(id string) (Plan, error) {
	for _, p := range plans {
		if p.ID == id {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
}

// PlanIDs lists the valid plan IDs in catalog order.
func PlanIDs() []string {
	ids := make([]string, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	return ids
}
