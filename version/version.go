// Package version holds the build-time version identity of the registry.
package version

// Package is the canonical project import path under which the binary was
// built.
const Package = "github.com/driftlabs/drift"

// Version is the module version the running binary was built from, set
// through a linker flag by the release build. The default marks unreleased
// development builds.
var Version = "v0.0.0+unknown"

// Revision is the VCS revision used at build time, set through a linker
// flag.
var Revision = ""
