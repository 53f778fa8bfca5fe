package rbac

import "strings"

// Permission strings are "resource:action". The wildcard "*" stands in for
// either side; "*:*" grants everything.

// Resource identifiers known to the platform.
const (
	ResourcePatients     = "patients"
	ResourceAppointments = "appointments"
	ResourceObservations = "observations"
	ResourceEncounters   = "encounters"
	ResourceBilling      = "billing"
	ResourceClaims       = "claims"
	ResourceReports      = "reports"
	ResourceStaff        = "staff"
	ResourceRoles        = "roles"
	ResourceSettings     = "settings"
	ResourceAudit        = "audit"
	ResourcePlatform     = "platform"
)

// Action identifiers known to the platform.
const (
	ActionRead    = "read"
	ActionCreate  = "create"
	ActionEdit    = "edit"
	ActionDelete  = "delete"
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionExport  = "export"
	ActionManage  = "manage"
)

var resourceLabels = []struct {
	ID    string
	Label string
}{
	{ResourcePatients, "Patients"},
	{ResourceAppointments, "Appointments"},
	{ResourceObservations, "Observations"},
	{ResourceEncounters, "Encounters"},
	{ResourceBilling, "Billing"},
	{ResourceClaims, "Claims"},
	{ResourceReports, "Reports"},
	{ResourceStaff, "Staff"},
	{ResourceRoles, "Roles"},
	{ResourceSettings, "Settings"},
	{ResourceAudit, "Audit Trail"},
	{ResourcePlatform, "Platform Administration"},
}

var actionLabels = []struct {
	ID    string
	Label string
}{
	{ActionRead, "View"},
	{ActionCreate, "Create"},
	{ActionEdit, "Edit"},
	{ActionDelete, "Delete"},
	{ActionSubmit, "Submit"},
	{ActionApprove, "Approve"},
	{ActionExport, "Export"},
	{ActionManage, "Manage"},
}

// Matches reports whether a granted permission satisfies a required one.
// Both sides split on the first ":"; a missing ":" leaves the action empty,
// so a bare token never satisfies anything except the full wildcard "*:*".
func Matches(granted, required string) bool {
	if granted == "*:*" {
		return true
	}
	gRes, gAct := splitPermission(granted)
	rRes, rAct := splitPermission(required)
	if gRes != "*" && gRes != rRes {
		return false
	}
	return gAct == "*" || gAct == rAct
}

func splitPermission(p string) (resource, action string) {
	parts := strings.SplitN(p, ":", 2)
	if len(parts) < 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// HasAny reports whether any granted permission satisfies any required one.
func HasAny(granted []string, required ...string) bool {
	for _, g := range granted {
		for _, r := range required {
			if Matches(g, r) {
				return true
			}
		}
	}
	return false
}

// HasAll reports whether every required permission is satisfied by at least
// one granted permission.
func HasAll(granted []string, required ...string) bool {
	for _, r := range required {
		ok := false
		for _, g := range granted {
			if Matches(g, r) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// MatrixAction is one cell of the permission matrix.
type MatrixAction struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Permission string `json:"permission"`
}

// MatrixResource is one row of the permission matrix.
type MatrixResource struct {
	ID      string         `json:"id"`
	Label   string         `json:"label"`
	Actions []MatrixAction `json:"actions"`
}

// Matrix returns the resources-by-actions display structure used by role
// editors. Ordering is fixed. The platform resource is reserved for platform
// operators and is left out.
func Matrix() []MatrixResource {
	out := make([]MatrixResource, 0, len(resourceLabels)-1)
	for _, res := range resourceLabels {
		if res.ID == ResourcePlatform {
			continue
		}
		actions := make([]MatrixAction, 0, len(actionLabels))
		for _, act := range actionLabels {
			actions = append(actions, MatrixAction{
				ID:         act.ID,
				Label:      act.Label,
				Permission: res.ID + ":" + act.ID,
			})
		}
		out = append(out, MatrixResource{ID: res.ID, Label: res.Label, Actions: actions})
	}
	return out
}

// RoleTemplate is the seed definition for a system role.
type RoleTemplate struct {
	Key         string
	Name        string
	Description string
	ScopeLevel  ScopeLevel
	Permissions []string
}

// SystemRoleTemplates returns the built-in role definitions the seeder
// installs. The returned slice is a fresh copy on every call.
func SystemRoleTemplates() []RoleTemplate {
	templates := []RoleTemplate{
		{
			Key:         "PLATFORM_ADMIN",
			Name:        "Platform Administrator",
			Description: "Full access across the platform, including tenant provisioning.",
			ScopeLevel:  ScopePlatform,
			Permissions: []string{"*:*"},
		},
		{
			Key:         "ORG_ADMIN",
			Name:        "Organization Administrator",
			Description: "Administers a single organization: staff, roles, settings and all clinical modules.",
			ScopeLevel:  ScopeOrg,
			Permissions: []string{
				"patients:*", "appointments:*", "encounters:*", "observations:*",
				"billing:*", "claims:*", "reports:*", "staff:*", "roles:*",
				"settings:*", "audit:read",
			},
		},
		{
			Key:         "CLINICIAN",
			Name:        "Clinician",
			Description: "Treats patients: full charting, read and update of patient records.",
			ScopeLevel:  ScopeOrg,
			Permissions: []string{
				"patients:read", "patients:edit", "appointments:*",
				"encounters:*", "observations:*", "reports:read",
			},
		},
		{
			Key:         "NURSE",
			Name:        "Nurse",
			Description: "Department nursing staff: records observations, reads charts.",
			ScopeLevel:  ScopeDepartment,
			Permissions: []string{
				"patients:read", "appointments:read", "encounters:read",
				"observations:*",
			},
		},
		{
			Key:         "FRONT_DESK",
			Name:        "Front Desk",
			Description: "Reception at a location: registration and scheduling.",
			ScopeLevel:  ScopeLocation,
			Permissions: []string{
				"patients:read", "patients:create", "appointments:*",
			},
		},
		{
			Key:         "BILLING_CLERK",
			Name:        "Billing Clerk",
			Description: "Manages billing and claims for the organization.",
			ScopeLevel:  ScopeOrg,
			Permissions: []string{
				"patients:read", "billing:*", "claims:*",
				"reports:read", "reports:export",
			},
		},
		{
			Key:         "AUDITOR",
			Name:        "Auditor",
			Description: "Read-only access to the audit trail and reporting.",
			ScopeLevel:  ScopeOrg,
			Permissions: []string{"audit:read", "reports:read", "reports:export"},
		},
	}
	out := make([]RoleTemplate, len(templates))
	for i, t := range templates {
		t.Permissions = append([]string(nil), t.Permissions...)
		out[i] = t
	}
	return out
}
