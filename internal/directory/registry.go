package directory

import (
	"fmt"
	"net"
	"os"
	"sync"
)

// Child is a running group daemon under directory supervision.
type Child interface {
	// Signal asks the child to shut down.
	Signal(sig os.Signal) error
	// Wait blocks until the child has exited.
	Wait() error
}

// Record is one live group in the registry.
type Record struct {
	Name  string
	Port  int
	Token string // empty for legacy creations
	Admin *net.UDPAddr
	Child Child

	used bool
}

// Registry is the directory's slot table of live groups. Slot i owns
// port basePort+i; a slot is reused only after its child has been
// reaped. All access is serialized by one mutex.
type Registry struct {
	mu       sync.Mutex
	basePort int
	slots    []Record
}

func NewRegistry(basePort, maxGroups int) *Registry {
	return &Registry{
		basePort: basePort,
		slots:    make([]Record, maxGroups),
	}
}

// ErrNoSlot is returned when every slot is taken.
var ErrNoSlot = fmt.Errorf("registry full")

// Allocate reserves the lowest free slot for name and returns its index
// and port. When the name is already live it returns the existing
// record with exists=true and does not allocate.
func (r *Registry) Allocate(name, token string) (slot int, rec Record, exists bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].used && r.slots[i].Name == name {
			return i, r.slots[i], true, nil
		}
	}
	for i := range r.slots {
		if r.slots[i].used {
			continue
		}
		port := r.basePort + i
		r.slots[i] = Record{
			Name:  name,
			Port:  port,
			Token: token,
			Admin: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
			used:  true,
		}
		return i, r.slots[i], false, nil
	}
	return 0, Record{}, false, ErrNoSlot
}

// Bind attaches the spawned child handle to an allocated slot.
func (r *Registry) Bind(slot int, child Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[slot].used {
		r.slots[slot].Child = child
	}
}

// Free releases a slot after its child exited (or never started).
func (r *Registry) Free(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[slot] = Record{}
}

// Lookup returns the live record for name.
func (r *Registry) Lookup(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].used && r.slots[i].Name == name {
			return r.slots[i], true
		}
	}
	return Record{}, false
}

// List snapshots the live records in slot order.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].used {
			out = append(out, r.slots[i])
		}
	}
	return out
}
