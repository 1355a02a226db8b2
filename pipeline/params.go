package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rava/driver"
)

// Kind selects between compute and graphics pipelines
type Kind int32

const (
	KindCompute Kind = iota
	KindGraphics
)

var kindNames = map[Kind]string{
	KindCompute:  "compute",
	KindGraphics: "graphics",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
	return name
}

// Shader is the source of one shader stage. If Source is empty, the source is read from Path
// each time the pipeline is built, which lets a Watcher pick up edits.
type Shader struct {
	Source string
	Path   string
}

// IsZero reports whether no shader was provided
func (s Shader) IsZero() bool {
	return s.Source == "" && s.Path == ""
}

// LoadShader reads a shader's source from path, and keeps the path so that the shader can be
// watched for changes
func LoadShader(path string) (Shader, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return Shader{}, errors.Wrapf(err, "failed to read shader %s", path)
	}
	return Shader{Source: string(source), Path: path}, nil
}

// identity names the shader's content for cache keys. Inline sources are named by hash, and
// file shaders by path.
func (s Shader) identity() string {
	if s.Source != "" {
		sum := sha256.Sum256([]byte(s.Source))
		return "src:" + hex.EncodeToString(sum[:])
	}
	return "file:" + s.Path
}

func (s Shader) load() (string, error) {
	if s.Source != "" {
		return s.Source, nil
	}

	source, err := os.ReadFile(s.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read shader %s", s.Path)
	}
	return string(source), nil
}

// Params describes a pipeline: its shaders, the descriptor bindings they use, and for graphics
// pipelines the fixed-function state
type Params struct {
	Kind Kind

	// Compute is used by compute pipelines. Vertex and Fragment are used by graphics pipelines.
	Compute  Shader
	Vertex   Shader
	Fragment Shader

	Bindings []driver.DescriptorBinding

	VertexStride int
	Attributes   []driver.VertexAttribute
	Topology     driver.PrimitiveTopology
	Blend        driver.BlendMode
	TargetFormat driver.Format
}

type stageShader struct {
	stage  driver.ShaderStage
	shader Shader
}

func (p Params) stages() []stageShader {
	if p.Kind == KindCompute {
		return []stageShader{{driver.ShaderStageCompute, p.Compute}}
	}
	return []stageShader{
		{driver.ShaderStageVertex, p.Vertex},
		{driver.ShaderStageFragment, p.Fragment},
	}
}

func (p Params) validate() error {
	switch p.Kind {
	case KindCompute:
		if p.Compute.IsZero() {
			return errors.AssertionFailed("compute pipeline has no compute shader")
		}
	case KindGraphics:
		if p.Vertex.IsZero() || p.Fragment.IsZero() {
			return errors.AssertionFailed("graphics pipeline needs a vertex and a fragment shader")
		}
		if p.TargetFormat.TexelSize() == 0 {
			return errors.AssertionFailedf("unsupported target format %d", p.TargetFormat)
		}
		if p.VertexStride < 0 {
			return errors.AssertionFailedf("invalid vertex stride %d", p.VertexStride)
		}
	default:
		return errors.AssertionFailedf("unknown pipeline kind %s", p.Kind)
	}

	seen := make(map[int]bool, len(p.Bindings))
	for _, binding := range p.Bindings {
		if seen[binding.Binding] {
			return errors.AssertionFailedf("binding %d is declared twice", binding.Binding)
		}
		seen[binding.Binding] = true
	}
	return nil
}

// Key identifies the pipeline the params describe. Params that differ only in the order of
// their bindings have the same key.
func (p Params) Key() string {
	var b strings.Builder
	b.WriteString(p.Kind.String())

	for _, s := range p.stages() {
		fmt.Fprintf(&b, "|%s=%s", s.stage, s.shader.identity())
	}

	bindings := slices.Clone(p.Bindings)
	slices.SortFunc(bindings, func(l, r driver.DescriptorBinding) int {
		return l.Binding - r.Binding
	})
	b.WriteString("|bindings=")
	for _, binding := range bindings {
		fmt.Fprintf(&b, "%d:%d:%d,", binding.Binding, binding.Type, binding.Stages)
	}

	if p.Kind == KindGraphics {
		fmt.Fprintf(&b, "|stride=%d|attributes=", p.VertexStride)
		for _, attribute := range p.Attributes {
			fmt.Fprintf(&b, "%d:%d:%d,", attribute.Location, attribute.Format, attribute.Offset)
		}
		fmt.Fprintf(&b, "|topology=%d|blend=%d|format=%d", p.Topology, p.Blend, p.TargetFormat)
	}

	return b.String()
}

// paths returns the absolute paths of every shader read from a file
func (p Params) paths() []string {
	var paths []string
	for _, s := range p.stages() {
		if s.shader.Path == "" {
			continue
		}
		path, err := filepath.Abs(s.shader.Path)
		if err != nil {
			path = filepath.Clean(s.shader.Path)
		}
		if !slices.Contains(paths, path) {
			paths = append(paths, path)
		}
	}
	return paths
}

func sectionKey(stage driver.ShaderStage, shader Shader) string {
	return stage.String() + "/" + shader.identity()
}
