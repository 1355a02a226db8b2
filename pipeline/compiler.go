package pipeline

import (
	"runtime/debug"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/naga"
	"github.com/vkngwrapper/rava/driver"
)

// Compiler turns shader source into SPIR-V. Identity and Version are written into cache blobs,
// and a blob from a different compiler or version is discarded.
type Compiler interface {
	Compile(stage driver.ShaderStage, source string) ([]byte, error)
	Identity() string
	Version() string
}

const nagaModule = "github.com/gogpu/naga"

// NagaCompiler compiles WGSL with naga
type NagaCompiler struct {
	version string
}

var _ Compiler = &NagaCompiler{}

// NewNagaCompiler creates a NagaCompiler. Its version is the naga module version the binary
// was built with.
func NewNagaCompiler() *NagaCompiler {
	return &NagaCompiler{version: moduleVersion(nagaModule)}
}

func (c *NagaCompiler) Compile(stage driver.ShaderStage, source string) ([]byte, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, errors.Wrapf(err, "naga failed to compile %s shader", stage)
	}
	return spirv, nil
}

func (c *NagaCompiler) Identity() string {
	return "naga"
}

func (c *NagaCompiler) Version() string {
	return c.version
}

func moduleVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}

	for _, dep := range info.Deps {
		if dep.Path != path {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return "devel"
}
