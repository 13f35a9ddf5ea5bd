package reconciliation

import (
	"hash/fnv"
	"sync"
)

// plateLockCount is the number of lock stripes. Power of two for cheap
// modulo.
const plateLockCount = 64

// plateLocks serializes reconciliation per license plate with striped
// mutexes. Two events for the same plate always hash to the same stripe, so
// their "most recent entry" lookups and request matching cannot interleave.
type plateLocks struct {
	stripes [plateLockCount]sync.Mutex
}

func newPlateLocks() *plateLocks {
	return &plateLocks{}
}

func (p *plateLocks) lock(plate string) func() {
	h := fnv.New32a()
	h.Write([]byte(plate))
	stripe := &p.stripes[h.Sum32()%plateLockCount]
	stripe.Lock()
	return stripe.Unlock
}
