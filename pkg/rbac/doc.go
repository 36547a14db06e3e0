// Package rbac resolves what a principal may do.
//
// # Overview
//
// Permissions are flat strings such as "read_project" or "manage_roles". A
// user holds the permissions of its base role, of every dynamic role assigned
// to it, and of every role either of those inherits from. Roles form a
// directed graph through InheritsFrom; the graph must stay acyclic.
//
// Two kinds of role exist:
//
//	BaseRole     - the well-known table (viewer, user, manager, admin), loaded
//	               from defaults or a YAML file and hot-reloaded
//	Role         - tenant-created dynamic roles stored in a Store
//
// A role reference in InheritsFrom names either a base role or a dynamic role
// id.
//
// # Checking access
//
//	ok, err := engine.HasPermission(ctx, user, "read_project", "")
//
//	ok, err := engine.CanAccessResource(ctx, user, "project", "update", rbac.AccessAttributes{
//		OwnerID:    project.OwnerID,
//		Department: user.Department,
//	})
//
// CanAccessResource grants when "<action>_<resource>" or "manage_<resource>"
// is held, or when a reachable role carries a ResourcePermission matching the
// resource and action whose Conditions hold. Conditions fail closed: a grant
// restricted to owners does not apply when the owner is unknown.
//
// # Cycles
//
// CreateRole and UpdateRole reject an InheritsFrom edge that would close a
// cycle with autherr.KindRoleCycle. Traversal at read time detects cycles as
// well, so a graph corrupted outside this package fails fast instead of
// looping.
//
// # Caching
//
// Effective permission sets are cached per user. Every role mutation
// publishes an InvalidationEvent on the engine's EventBus; the
// CacheInvalidator bumps the generation of every affected user. A cache fill
// records the generation it observed before computing and is rejected with
// ErrStaleCacheWrite when an invalidation landed in between.
package rbac
