package records

import (
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
)

// ScopeFilter returns the conditions restricting a non-system caller to
// its own records of the object. System callers get an empty filter.
// Objects declaring neither a tenant nor an owner field are shared.
func ScopeFilter(schema *ObjectSchema, sc security.Context) (Filter, error) {
	if sc.IsSystem {
		return nil, nil
	}
	if sc.Anonymous() {
		return nil, errdefs.Validation("context", "anonymous", "a user or tenant identity is required")
	}

	var filter Filter
	if schema.TenantField != "" && sc.TenantID != "" {
		filter = append(filter, Eq(schema.TenantField, sc.TenantID))
	}
	if schema.OwnerField != "" && sc.UserID != "" {
		filter = append(filter, Eq(schema.OwnerField, sc.UserID))
	}
	if len(filter) == 0 && (schema.TenantField != "" || schema.OwnerField != "") {
		return nil, errdefs.Validation("context", "unscoped", "caller identity cannot be applied to object %q", schema.Name)
	}
	return filter, nil
}
