package engine

import (
	"fmt"
	"sync"
)

// Stable object path prefixes per spec §6. The engine never exposes a
// real D-Bus/RMI tree (that surface is out of scope); ObjectRegistry is
// an in-process stand-in callers can resolve against.
const (
	ManagerPath   = "/org/freedesktop/printerd/Manager"
	printerPrefix = "/org/freedesktop/printerd/printer/"
	devicePrefix  = "/org/freedesktop/printerd/device/"
	jobPrefix     = "/org/freedesktop/printerd/job/"
)

// PrinterPath returns the stable object path for a printer id.
func PrinterPath(id string) string { return printerPrefix + id }

// DevicePath returns the stable object path for a device id.
func DevicePath(id string) string { return devicePrefix + id }

// JobPath returns the stable object path for a job id.
func JobPath(id uint32) string { return fmt.Sprintf("%s%d", jobPrefix, id) }

// ObjectRegistry is a mutex-guarded path -> object map standing in for
// the out-of-scope RMI object tree (spec §6's object paths section).
type ObjectRegistry struct {
	mu      sync.RWMutex
	objects map[string]any
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{objects: make(map[string]any)}
}

// Add registers obj under path, replacing any prior registrant.
func (r *ObjectRegistry) Add(path string, obj any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[path] = obj
}

// Remove drops path from the registry. A no-op if absent.
func (r *ObjectRegistry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, path)
}

// Find resolves path to its registered object.
func (r *ObjectRegistry) Find(path string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[path]
	return obj, ok
}
