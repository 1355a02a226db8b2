package pipeline

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/driver/sim"
)

func TestNagaCompiler(t *testing.T) {
	compiler := NewNagaCompiler()
	require.Equal(t, "naga", compiler.Identity())
	require.NotEmpty(t, compiler.Version())

	spirv, err := compiler.Compile(driver.ShaderStageCompute, doubleShader)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(spirv), 20)
	require.Equal(t, sim.SPIRVMagic, binary.LittleEndian.Uint32(spirv))

	_, err = compiler.Compile(driver.ShaderStageCompute, "fn main( {")
	require.Error(t, err)
}

func TestModuleVersionOfMissingModule(t *testing.T) {
	require.Equal(t, "devel", moduleVersion("example.com/not/a/dependency"))
}
