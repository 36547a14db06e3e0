// Package identity reconciles verified external identities with local user
// accounts.
//
// ResolveUser is find-or-create keyed by normalised email. Creation relies on
// the unique email constraint (INSERT ... ON CONFLICT DO NOTHING) and re-reads
// on conflict, so concurrent first logins for the same address converge on a
// single row.
package identity
