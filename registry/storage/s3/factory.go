package s3

import (
	"fmt"

	"github.com/driftlabs/drift/registry/storage"
	"github.com/driftlabs/drift/registry/storage/factory"
)

const driverName = "s3"

func init() {
	factory.Register(driverName, s3Factory{})
}

type s3Factory struct{}

func (s3Factory) Create(parameters map[string]interface{}) (storage.Backend, error) {
	params := DriverParameters{
		Endpoint:  stringParam(parameters, "endpoint"),
		Region:    stringParam(parameters, "region"),
		Bucket:    stringParam(parameters, "bucket"),
		AccessKey: stringParam(parameters, "access_key"),
		SecretKey: stringParam(parameters, "secret_key"),
		Prefix:    stringParam(parameters, "prefix"),
	}
	if pathStyle, ok := parameters["path_style"].(bool); ok {
		params.PathStyle = pathStyle
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("%s: the bucket parameter is required", driverName)
	}
	return New(params)
}

func stringParam(parameters map[string]interface{}, name string) string {
	v, _ := parameters[name].(string)
	return v
}
