// Package domain defines the core value types shared by the email verifier.
//
// Types in this package are pure value objects with no behavior beyond
// small pure helpers. They are the shared language between the worker pool,
// the prober, and the store backends.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain
