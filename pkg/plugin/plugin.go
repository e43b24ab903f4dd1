// Package plugin specifies the shape of a plugin instance: the boundary
// object an overseer owns and drives. The loader that turns a Target into
// an Instance is itself out of scope (spec §1); this package only fixes
// the contract schedulers and overseers program against.
package plugin

import (
	"context"
	"time"

	"github.com/latticerun/forge/pkg/types"
)

// Instance is a user-supplied data source. Fetch may be called concurrently
// by at most the overseer that owns it — in practice the overseer never
// issues overlapping calls (single-threaded event loop), but implementations
// must not assume otherwise from the interface alone.
type Instance interface {
	// Hash is a stable content hash derived from the plugin's code/config,
	// used to build scheduler keys.
	Hash() string

	// Capabilities reports which optional behaviors this instance supports.
	Capabilities() types.Capability

	// Fetch produces one result chunk set, or an error.
	Fetch(ctx context.Context) (map[string][]byte, error)

	// Reschedule is only called on instances advertising CapManual. It
	// reports the next timestamp the plugin wants to be invoked at.
	Reschedule(now time.Time) time.Time
}

// Registry instantiates an Instance for a Target. Instantiation may fail
// (e.g. unknown target, malformed plugin config); the engine must not retain
// a partial slave when it does.
type Registry interface {
	Instantiate(target types.Target) (Instance, error)
}
