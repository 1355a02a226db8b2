package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	blobMagic         = "RAVAPC\x00\x01"
	blobFormatVersion = 1
)

type blobShader struct {
	key  string
	hash [sha256.Size]byte
	code []byte
}

// blob is the persisted form of a Cache. Every integer is a little-endian u32, and strings and
// byte sections are prefixed with their u32 length.
type blob struct {
	identity string
	version  string
	device   uuid.UUID

	shaders       []blobShader
	pipelineCache []byte
}

func (b *blob) encode() []byte {
	var out bytes.Buffer
	out.WriteString(blobMagic)
	writeU32(&out, blobFormatVersion)
	writeBytes(&out, []byte(b.identity))
	writeBytes(&out, []byte(b.version))
	out.Write(b.device[:])

	writeU32(&out, uint32(len(b.shaders)))
	for _, shader := range b.shaders {
		writeBytes(&out, []byte(shader.key))
		out.Write(shader.hash[:])
		writeBytes(&out, shader.code)
	}

	writeBytes(&out, b.pipelineCache)
	return out.Bytes()
}

func writeU32(out *bytes.Buffer, value uint32) {
	out.Write(binary.LittleEndian.AppendUint32(nil, value))
}

func writeBytes(out *bytes.Buffer, data []byte) {
	writeU32(out, uint32(len(data)))
	out.Write(data)
}

var errTruncated = errors.New("blob is truncated")

type blobReader struct {
	data []byte
	err  error
}

func (r *blobReader) take(count int) []byte {
	if r.err != nil {
		return nil
	}
	if count < 0 || count > len(r.data) {
		r.err = errTruncated
		return nil
	}

	taken := r.data[:count]
	r.data = r.data[count:]
	return taken
}

func (r *blobReader) u32() uint32 {
	data := r.take(4)
	if data == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(data)
}

func (r *blobReader) bytes() []byte {
	length := r.u32()
	if r.err != nil {
		return nil
	}
	if uint64(length) > uint64(len(r.data)) {
		r.err = errTruncated
		return nil
	}
	return bytes.Clone(r.take(int(length)))
}

func decodeBlob(data []byte) (*blob, error) {
	r := &blobReader{data: data}

	magic := r.take(len(blobMagic))
	if r.err != nil {
		return nil, r.err
	}
	if string(magic) != blobMagic {
		return nil, errors.New("blob has the wrong magic")
	}

	formatVersion := r.u32()
	if r.err == nil && formatVersion != blobFormatVersion {
		return nil, errors.Newf("blob has format version %d, expected %d", formatVersion, blobFormatVersion)
	}

	result := &blob{
		identity: string(r.bytes()),
		version:  string(r.bytes()),
	}
	copy(result.device[:], r.take(len(result.device)))

	count := r.u32()
	for i := uint32(0); i < count && r.err == nil; i++ {
		var shader blobShader
		shader.key = string(r.bytes())
		copy(shader.hash[:], r.take(sha256.Size))
		shader.code = r.bytes()
		result.shaders = append(result.shaders, shader)
	}

	result.pipelineCache = r.bytes()
	if r.err != nil {
		return nil, r.err
	}
	if len(r.data) > 0 {
		return nil, errors.Newf("blob has %d trailing bytes", len(r.data))
	}

	return result, nil
}
