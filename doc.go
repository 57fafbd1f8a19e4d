// Package stripealloc implements the object-striping allocator of a parallel
// distributed filesystem. Given a striping hint for a new logical file, it
// chooses the backend storage targets (OSTs) that will hold the file's
// stripes, balancing free space and fault-domain diversity across the storage
// servers (OSSs) that own those targets.
//
// The allocator combines four policies: round-robin over a server-interleaved
// target table, weighted random selection proportional to free space,
// placement on an explicit user-supplied target list, and placement anchored
// at a specific starting target. Policy selection, cached target health,
// per-allocation mirror avoidance, and reservation rollback are driven by
// Device.PrepareCreate.
//
// The backend storage protocol (statfs queries, object precreation
// declarations) is abstracted behind the Backend interface; this package
// never talks to storage directly.
package stripealloc
