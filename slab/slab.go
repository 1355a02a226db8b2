package slab

import (
	"context"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rava/driver"
	"github.com/vkngwrapper/rava/memutils/metadata"
)

var slabPool = sync.Pool{
	New: func() any {
		return &slab{}
	},
}

// slab is one device memory allocation carved into slices
type slab struct {
	id        int
	heapIndex int
	memory    driver.Memory
	size      int
	used      int
	dedicated bool
	logger    *slog.Logger

	metadata metadata.BlockMetadata

	// buffer spans the whole slab in buffer heaps. data is the persistent mapping of the slab
	// when its memory is host visible.
	buffer driver.Buffer
	data   unsafe.Pointer
}

func (s *slab) Init(logger *slog.Logger, id int, heapIndex int, memory driver.Memory, size int, minRegionSize int, dedicated bool) {
	if s.memory != 0 {
		panic("attempting to initialize a slab that is already in use")
	}

	s.logger = logger
	s.id = id
	s.heapIndex = heapIndex
	s.memory = memory
	s.size = size
	s.used = 0
	s.dedicated = dedicated
	s.buffer = 0
	s.data = nil

	md := metadata.NewRegionBlockMetadata(minRegionSize)
	md.Init(size)
	s.metadata = md
}

// release returns the slab's device objects. Slices that are still leased are logged and
// reported as an error, but the memory is released regardless since the owner is going away.
func (s *slab) release(device driver.MemoryDevice) error {
	if s.memory == 0 {
		panic("attempting to release a slab that has no backing memory")
	}

	var err error
	if !s.metadata.IsEmpty() {
		visitErr := s.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			s.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if visitErr != nil {
			s.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", visitErr))
		}

		err = errors.Newf("%d slices in slab %d were not freed before it was released", s.metadata.AllocationCount(), s.id)
	}

	if s.buffer != 0 {
		if s.data != nil {
			device.UnmapMemory(s.memory)
		}
		device.DestroyBuffer(s.buffer)
	}
	device.FreeMemory(s.memory)

	s.memory = 0
	s.buffer = 0
	s.data = nil
	s.metadata = nil
	return err
}

func (s *slab) logUnreleasedMemory(offset, size int, userData any) {
	attrs := []slog.Attr{
		slog.Int("slab", s.id),
		slog.Int("reservedOffset", offset),
		slog.Int("reservedSize", size),
	}
	if slice, isSlice := userData.(Slice); isSlice {
		attrs = append(attrs, slog.Int("offset", slice.offset), slog.Int("size", slice.size))
	}

	s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed slice", attrs...)
}

func (s *slab) Validate() error {
	if s.memory == 0 {
		return errors.New("no valid memory for this slab")
	}
	if s.metadata.Size() != s.size {
		return errors.Newf("slab %d has size %d but its metadata has size %d", s.id, s.size, s.metadata.Size())
	}
	if s.dedicated && s.metadata.AllocationCount() > 1 {
		return errors.Newf("dedicated slab %d holds %d slices", s.id, s.metadata.AllocationCount())
	}

	used := 0
	err := s.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		if free {
			return nil
		}

		slice, isSlice := userData.(Slice)
		if !isSlice {
			return errors.Newf("an allocation at offset %d is marked as allocated but has no slice", offset)
		}
		if slice.slabID != s.id {
			return errors.Newf("slice at offset %d belongs to slab %d but was found in slab %d", slice.offset, slice.slabID, s.id)
		}
		if slice.offset < offset || slice.offset+slice.size > offset+size {
			return errors.Newf("slice [%d, %d) lies outside its reserved range [%d, %d)", slice.offset, slice.offset+slice.size, offset, offset+size)
		}
		used += slice.size
		return nil
	})
	if err != nil {
		return err
	}

	if used != s.used {
		return errors.Newf("slab %d counts %d used bytes but its slices hold %d", s.id, s.used, used)
	}

	return s.metadata.Validate()
}

func (s *slab) printJson(json jwriter.ObjectState) {
	json.Name("Dedicated").Bool(s.dedicated)
	json.Name("Mapped").Bool(s.data != nil)
	json.Name("UsedBytes").Int(s.used)
	s.metadata.BlockJsonData(json)

	regions := json.Name("Regions").Array()
	defer regions.End()

	_ = s.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		obj := regions.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		obj.Name("Free").Bool(free)
		if slice, isSlice := userData.(Slice); isSlice {
			obj.Name("SliceOffset").Int(slice.offset)
			obj.Name("SliceSize").Int(slice.size)
		}
		return nil
	})
}
