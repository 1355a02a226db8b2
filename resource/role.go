package resource

import (
	"github.com/vkngwrapper/rava/command"
	"github.com/vkngwrapper/rava/driver"
)

// Role is the way a command is about to use a resource
type Role int32

const (
	RoleShaderRead Role = iota
	RoleShaderWrite
	RoleTransferSrc
	RoleTransferDst
	RoleRenderTarget
	RoleVertexInput
)

type roleInfo struct {
	name   string
	access driver.Access
	layout driver.ImageLayout
}

var roles = map[Role]roleInfo{
	RoleShaderRead:   {"ShaderRead", driver.AccessShaderRead, driver.LayoutShaderReadOnlyOptimal},
	RoleShaderWrite:  {"ShaderWrite", driver.AccessShaderWrite, driver.LayoutGeneral},
	RoleTransferSrc:  {"TransferSrc", driver.AccessTransferRead, driver.LayoutTransferSrcOptimal},
	RoleTransferDst:  {"TransferDst", driver.AccessTransferWrite, driver.LayoutTransferDstOptimal},
	RoleRenderTarget: {"RenderTarget", driver.AccessColorAttachmentRead | driver.AccessColorAttachmentWrite, driver.LayoutColorAttachmentOptimal},
	RoleVertexInput:  {"VertexInput", driver.AccessVertexAttributeRead, driver.LayoutUndefined},
}

func (r Role) String() string {
	return roles[r].name
}

// RoleAccess is the memory access a role performs
func RoleAccess(role Role) driver.Access {
	return roles[role].access
}

// RoleLayout is the image layout a role requires. Roles that never apply to images, such as
// RoleVertexInput, return LayoutUndefined.
func RoleLayout(role Role) driver.ImageLayout {
	return roles[role].layout
}

// State is the last known use of a resource. Stage and Access are zero for a resource that has
// never been used.
type State struct {
	Stage  driver.PipelineStage
	Access driver.Access
	Layout driver.ImageLayout
	// Signal is raised when the most recent writer finishes. It is cleared once a command
	// waits on it.
	Signal *command.Signal
}
