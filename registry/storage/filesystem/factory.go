package filesystem

import (
	"fmt"

	"github.com/driftlabs/drift/registry/storage"
	"github.com/driftlabs/drift/registry/storage/factory"
)

const driverName = "filesystem"

func init() {
	factory.Register(driverName, filesystemFactory{})
}

type filesystemFactory struct{}

func (filesystemFactory) Create(parameters map[string]interface{}) (storage.Backend, error) {
	root, ok := parameters["path"].(string)
	if !ok || root == "" {
		return nil, fmt.Errorf("%s: the path parameter is required", driverName)
	}
	return New(root)
}
