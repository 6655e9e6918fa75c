package authctx

import (
	"fmt"
	"slices"
)

// adminRoles grant every capability.
var adminRoles = []string{"admin", "superadmin"}

// PermissionDeniedError reports a missing capability.
type PermissionDeniedError struct {
	// Capability is the "<resource>:<action>" string that was required.
	Capability string
}

// Error implements error.
func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Capability)
}

// ValidateAccess checks that the context may perform action on resource. A
// request passes with the explicit "<resource>:<action>" permission or any
// admin-equivalent role; anything else fails with PermissionDeniedError.
//
// Requests with no auth metadata at all are treated as internal and pass;
// deployments that expose the daemon directly gate at ingress instead.
func ValidateAccess(ctx Context, resource, action string) error {
	if ctx.Auth == nil {
		return nil
	}

	capability := resource + ":" + action
	if slices.Contains(ctx.Auth.Permissions, capability) {
		return nil
	}

	for _, role := range ctx.Auth.Roles {
		if slices.Contains(adminRoles, role) {
			return nil
		}
	}

	return &PermissionDeniedError{Capability: capability}
}
