package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Permissions checked by the admin routes.
const (
	PermissionManageRoles = "manage_roles"
	PermissionManageSSO   = "manage_sso"
)

// Wildcard matches any resource or action in a ResourcePermission.
const Wildcard = "*"

// PermissionName builds the synthesized "<action>_<resource>" permission.
func PermissionName(action, resource string) string {
	return action + "_" + resource
}

// PermissionSet is a set of permission names. It encodes as a sorted JSON array.
type PermissionSet map[string]struct{}

// NewPermissionSet creates a set holding perms.
func NewPermissionSet(perms ...string) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

// Add inserts perms, ignoring empty names.
func (s PermissionSet) Add(perms ...string) {
	for _, p := range perms {
		if p != "" {
			s[p] = struct{}{}
		}
	}
}

// Has reports whether perm is in the set.
func (s PermissionSet) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Union adds every member of other.
func (s PermissionSet) Union(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	*s = NewPermissionSet(perms...)
	return nil
}

// DailyWindow is a wall-clock window in UTC, "HH:MM" to "HH:MM". A window whose
// end is before its start spans midnight.
type DailyWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks both bounds parse.
func (w DailyWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return err
	}
	_, err := parseClock(w.End)
	return err
}

// Contains reports whether t falls inside the window. Start is inclusive,
// end exclusive.
func (w DailyWindow) Contains(t time.Time) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	t = t.UTC()
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// Conditions restrict a ResourcePermission. Every set field must hold.
type Conditions struct {
	OwnerOnly   bool         `json:"owner_only,omitempty"`
	Departments []string     `json:"departments,omitempty"`
	NotBefore   *time.Time   `json:"not_before,omitempty"`
	NotAfter    *time.Time   `json:"not_after,omitempty"`
	DailyWindow *DailyWindow `json:"daily_window,omitempty"`
}

// ResourcePermission grants actions on one resource, or on any with "*".
type ResourcePermission struct {
	Resource   string      `json:"resource"`
	Actions    []string    `json:"actions"`
	Conditions *Conditions `json:"conditions,omitempty"`
}

func (rp ResourcePermission) matches(resource, action string) bool {
	if rp.Resource != Wildcard && rp.Resource != resource {
		return false
	}
	for _, a := range rp.Actions {
		if a == Wildcard || a == action {
			return true
		}
	}
	return false
}

// Role is a tenant-created dynamic role.
type Role struct {
	ID                  string               `json:"id"`
	OrgID               string               `json:"org_id"`
	Name                string               `json:"name"`
	Permissions         PermissionSet        `json:"permissions"`
	ResourcePermissions []ResourcePermission `json:"resource_permissions"`
	InheritsFrom        []string             `json:"inherits_from"`
	IsActive            bool                 `json:"is_active"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Role) Clone() *Role {
	out := *r
	out.Permissions = NewPermissionSet(r.Permissions.Sorted()...)
	out.ResourcePermissions = append([]ResourcePermission(nil), r.ResourcePermissions...)
	out.InheritsFrom = append([]string(nil), r.InheritsFrom...)
	return &out
}

// RolePatch is a partial role update. Nil fields are left unchanged.
type RolePatch struct {
	Name                *string               `json:"name,omitempty"`
	Permissions         *PermissionSet        `json:"permissions,omitempty"`
	ResourcePermissions *[]ResourcePermission `json:"resource_permissions,omitempty"`
	InheritsFrom        *[]string             `json:"inherits_from,omitempty"`
	IsActive            *bool                 `json:"is_active,omitempty"`
}

// Apply returns a copy of role with the patch applied.
func (p RolePatch) Apply(role *Role) *Role {
	out := role.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Permissions != nil {
		out.Permissions = NewPermissionSet((*p.Permissions).Sorted()...)
	}
	if p.ResourcePermissions != nil {
		out.ResourcePermissions = append([]ResourcePermission(nil), (*p.ResourcePermissions)...)
	}
	if p.InheritsFrom != nil {
		out.InheritsFrom = append([]string(nil), (*p.InheritsFrom)...)
	}
	if p.IsActive != nil {
		out.IsActive = *p.IsActive
	}
	return out
}

// UserRoleAssignment links a user to a dynamic role.
type UserRoleAssignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// AccessAttributes describe the target of a CanAccessResource check.
type AccessAttributes struct {
	// OwnerID owns the resource instance. Empty fails owner conditions.
	OwnerID string `json:"owner_id,omitempty"`
	// Department owns the resource. It never stands in for the user's.
	Department string `json:"department,omitempty"`
	// Time of the access. Zero means now.
	Time time.Time `json:"time,omitempty"`
}

// ErrStaleCacheWrite rejects a cache fill computed before an invalidation.
var ErrStaleCacheWrite = errors.New("rbac: stale permission cache write")

// ErrRoleNotFound is returned by stores for unknown role ids.
var ErrRoleNotFound = errors.New("rbac: role not found")

func normalizeRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}
