// Package policy derives MFA enrollment and step-up requirements from a
// user's role and enrolled factors. It is a pure function of its inputs.
package policy

import "github.com/calant/stepup/pkg/domain"

// Input is everything the policy engine looks at.
type Input struct {
	Role               domain.Role
	HasTOTP            bool
	HasWebAuthn        bool
	FirstLoginComplete bool
}

// Result is the derived requirement set.
type Result struct {
	// RequiresMFA means the session must reach aal2 via a second factor.
	RequiresMFA bool
	// NeedsEnrollment means the role mandates a factor and none is enrolled.
	NeedsEnrollment bool
	// RequiresFirstLoginSetup means first-login setup is still outstanding.
	RequiresFirstLoginSetup bool
}

// Evaluate computes the requirement set. Administrators always require MFA
// and must enroll a factor before they can reach full assurance; any user
// with an enrolled factor is required to use it.
func Evaluate(in Input) Result {
	hasFactor := in.HasTOTP || in.HasWebAuthn
	return Result{
		RequiresMFA:             in.Role == domain.RoleAdmin || hasFactor,
		NeedsEnrollment:         in.Role == domain.RoleAdmin && !hasFactor,
		RequiresFirstLoginSetup: !in.FirstLoginComplete && !hasFactor,
	}
}

// MustKeepFactor reports whether removing the user's last enrolled factor is
// forbidden. An administrator can never drop back to zero factors.
func MustKeepFactor(role domain.Role) bool {
	return role == domain.RoleAdmin
}
