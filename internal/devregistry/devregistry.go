// Package devregistry implements the kernel-wide device registry: every
// driver that successfully probes or enumerates a device registers it here
// under a generated name, and userspace opens devices by that name through
// the syscall dispatcher's OpenDevice call (spec.md section 4.9). Grounded
// on original_source/kernel/src/peripherals/device.cpp's DeviceRegistry.
package devregistry

import (
	"fmt"
	"sync"

	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
)

// Protocol tags a registered device for the device-enumeration record
// layout (spec.md section 6): symmetric with the file/directory kind tag
// used by internal/fs's directory records.
type Protocol uint32

const (
	ProtocolUnknown Protocol = iota
	ProtocolKeyboard
	ProtocolMouse
	ProtocolFramebuffer
)

// Handle is whatever a driver registers: the syscall layer talks to it only
// through Message, so a registered device need not be a concrete Go type
// the registry knows about.
type Handle interface {
	// Message dispatches a device-specific, protocol-tagged request. id is
	// interpreted per the device's own protocol (fb.MessageID, hid's
	// GetReport, ...); buf is read and/or written in place.
	Message(id uint32, buf []byte) (int, error)
}

// Entry is one registered device: its generated name, its protocol tag for
// enumeration, and the handle the syscall layer forwards messages to.
type Entry struct {
	Name     string
	Protocol Protocol
	Handle   Handle
}

// Registry is the process-wide device registry singleton (spec.md section
//5's "global ... device registry ... singletons" shared-resource policy).
// Its internal state is protected by a mutex rather than the original's
// interrupt-disabling critical section, since no part of this driver-level
// registration path runs from interrupt context — only enumeration
// completion callbacks (themselves already running from a deferred call)
// register devices.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	log     *klog.Logger
}

var global *Registry
var once sync.Once

// The returns the process-wide registry, lazily constructed, mirroring the
// original's DeviceRegistry::the() lazily-allocated singleton.
func The() *Registry {
	once.Do(func() {
		global = New()
	})
	return global
}

// New constructs an empty registry. Exposed for tests that want an isolated
// instance rather than the process-wide singleton.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry), log: klog.Default.WithComponent("devregistry")}
}

// Register assigns device the first free name of the form "<namePrefix><n>"
// for n = 0, 1, 2, ..., records it, and returns the generated name.
// Hot-unplug is out of scope (spec.md section 1), so there is no matching
// Unregister: a device, once registered, lives for the kernel's lifetime.
func (r *Registry) Register(namePrefix string, protocol Protocol, handle Handle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	name := fmt.Sprintf("%s%d", namePrefix, i)
	for {
		if _, exists := r.entries[name]; !exists {
			break
		}
		i++
		name = fmt.Sprintf("%s%d", namePrefix, i)
	}
	r.entries[name] = &Entry{Name: name, Protocol: protocol, Handle: handle}
	r.log.Infof("registered device: %s", name)
	return name
}

// Get returns the named device, or ENODEV if no device of that name is
// registered.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, errno.ENODEV
	}
	return entry, nil
}

// List returns every registered device, sorted is not guaranteed: callers
// serialising the device-enumeration record layout (spec.md section 6) may
// present them in any stable order within one List call.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
