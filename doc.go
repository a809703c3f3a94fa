// Package framesched provides the per-frame work distribution and state
// synchronization core of an interactive parallel renderer.
//
// # Overview
//
// A fixed pool of workers renders a sequence of frames. Each frame passes
// through a barrier-synchronized setup protocol and then every worker pulls
// assignments (half-open ranges over a channel's work items) from a load
// balancer until the frame is exhausted. Mutations of shared renderer state
// are queued as transactions and applied by a single worker between frames.
//
// # Architecture
//
// The module is organized into:
//   - balance: the LoadBalancer contract and the static, cyclic and
//     work-queue strategies, plus a named strategy registry
//   - balance/distributed: the two-tier master/node strategy
//   - task: TaskList/TaskQueue for irregular, recursive decomposition
//   - update: the UpdateGraph with fan-in completion counters
//   - txn: deferred transactions and their queue
//   - traverse: the tiled image traverser that turns assignments into tiles
//   - pipeline: the frame Coordinator tying everything together
//   - metrics: the Prometheus collectors a Coordinator reports to
//
// cmd/framedemo drives a Coordinator over a synthetic scene.
//
// # Logging
//
// framesched is silent by default. See [SetLogger].
package framesched

// Version information
const (
	// Version is the current version of the module
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
