package remote

import (
	"fmt"

	"github.com/marz-dev/poolforge/internal/batch"
)

// Registry holds the configured RemoteClient backends by name.
type Registry struct {
	backends map[string]batch.RemoteClient
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]batch.RemoteClient{}}
}

func (r *Registry) Register(name string, c batch.RemoteClient) {
	r.backends[name] = c
}

func (r *Registry) Get(name string) (batch.RemoteClient, error) {
	c, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend not registered: %s", name)
	}
	return c, nil
}
