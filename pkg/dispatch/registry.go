package dispatch

import (
	"sort"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
)

// Registry maps (service, operation) to handlers. It is filled once at startup and read
// concurrently afterwards.
type Registry struct {
	handlers map[string]map[string]api.HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]map[string]api.HandlerFunc{}}
}

// Handle registers h for service and operation, replacing any earlier registration.
func (r *Registry) Handle(service, operation string, h api.HandlerFunc) {
	ops, ok := r.handlers[service]
	if !ok {
		ops = map[string]api.HandlerFunc{}
		r.handlers[service] = ops
	}
	ops[operation] = h
}

// HandleAll registers every operation in ops for service.
func (r *Registry) HandleAll(service string, ops map[string]api.HandlerFunc) {
	for op, h := range ops {
		r.Handle(service, op, h)
	}
}

// Lookup returns the handler for service and operation.
func (r *Registry) Lookup(service, operation string) (api.HandlerFunc, error) {
	if h, ok := r.handlers[service][operation]; ok {
		return h, nil
	}
	return nil, awserr.NotImplemented(service + "." + operation)
}

// Has reports whether service implements operation.
func (r *Registry) Has(service, operation string) bool {
	_, ok := r.handlers[service][operation]
	return ok
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operations returns the number of registered operations across all services.
func (r *Registry) Operations() int {
	n := 0
	for _, ops := range r.handlers {
		n += len(ops)
	}
	return n
}
