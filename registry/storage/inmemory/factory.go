package inmemory

import (
	"github.com/driftlabs/drift/registry/storage"
	"github.com/driftlabs/drift/registry/storage/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, inmemoryFactory{})
}

type inmemoryFactory struct{}

func (inmemoryFactory) Create(parameters map[string]interface{}) (storage.Backend, error) {
	return New(), nil
}
