package plugin

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/latticerun/forge/pkg/types"
)

// Demo is a minimal in-memory Instance used by the CLI harness and tests.
// It fetches a single key whose value is the current tick count, and, when
// manual is true, advertises CapManual and paces itself by pace.
type Demo struct {
	name   string
	pace   time.Duration
	manual bool
	tick   int

	FetchErr error
}

// NewDemo builds a Demo plugin. pace is only meaningful when manual is true.
func NewDemo(name string, manual bool, pace time.Duration) *Demo {
	return &Demo{name: name, pace: pace, manual: manual}
}

func (d *Demo) Hash() string {
	sum := sha1.Sum([]byte(d.name))
	return hex.EncodeToString(sum[:])[:12]
}

func (d *Demo) Capabilities() types.Capability {
	if d.manual {
		return types.CapManual
	}
	return 0
}

func (d *Demo) Fetch(ctx context.Context) (map[string][]byte, error) {
	if d.FetchErr != nil {
		return nil, d.FetchErr
	}
	d.tick++
	return map[string][]byte{
		"tick": []byte(fmt.Sprintf("%d", d.tick)),
	}, nil
}

func (d *Demo) Reschedule(now time.Time) time.Time {
	return now.Add(d.pace)
}

// StaticRegistry is a Registry backed by a fixed set of named instances,
// standing in for the out-of-scope dynamic module loader.
type StaticRegistry struct {
	instances map[types.Target]Instance
}

// NewRegistry builds a Registry over the given target -> instance mapping.
func NewRegistry(instances map[types.Target]Instance) *StaticRegistry {
	return &StaticRegistry{instances: instances}
}

func (r *StaticRegistry) Instantiate(target types.Target) (Instance, error) {
	inst, ok := r.instances[target]
	if !ok {
		return nil, types.NewError(types.KindNotFound, fmt.Sprintf("unknown target %q", target))
	}
	return inst, nil
}
