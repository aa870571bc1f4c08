package domain

import "time"

// UserPlan enumerates billing plans.
type UserPlan string

const (
	UserPlanFree  UserPlan = "free"
	UserPlanBasic UserPlan = "basic"
	UserPlanPro   UserPlan = "pro"
)

// Paying reports whether the plan entitles the user to unwatermarked assets.
func (p UserPlan) Paying() bool {
	return p == UserPlanBasic || p == UserPlanPro
}

// User represents an authenticated account within the platform. Accounts are
// created and managed by the identity provider; this service only reads them.
type User struct {
	ID                  string
	Email               string
	Name                string
	Plan                UserPlan
	RegistrationCountry string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
