package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/udrwxa/LibRyujinx/memutils/metadata"
)

func TestFreeListAllocReuseHole(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1000)

	first, reserved, err := freeList.Allocate(100, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)
	require.Equal(t, uint64(100), reserved)

	second, _, err := freeList.Allocate(200, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(100), second)

	third, _, err := freeList.Allocate(50, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(300), third)

	require.Equal(t, 3, freeList.AllocationCount())
	require.Equal(t, uint64(650), freeList.SumFreeSize())

	require.NoError(t, freeList.Free(second, 200))
	require.Equal(t, []metadata.FreeRange{
		{Offset: 100, Size: 200},
		{Offset: 350, Size: 650},
	}, freeList.FreeRanges())

	reused, _, err := freeList.Allocate(200, 4)
	require.NoError(t, err)
	require.Equal(t, second, reused)
	require.Equal(t, []metadata.FreeRange{{Offset: 350, Size: 650}}, freeList.FreeRanges())
	require.NoError(t, freeList.Validate())
}

func TestFreeListAlignmentPadding(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(256)

	_, _, err := freeList.Allocate(3, 1)
	require.NoError(t, err)

	offset, reserved, err := freeList.Allocate(16, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(16), offset)
	require.Equal(t, uint64(29), reserved)
	require.Equal(t, uint64(256-3-29), freeList.SumFreeSize())

	require.NoError(t, freeList.Free(offset, 16))
	require.Equal(t, []metadata.FreeRange{{Offset: 3, Size: 253}}, freeList.FreeRanges())
	require.NoError(t, freeList.Validate())
}

func TestFreeListMergesNeighbors(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(400)

	a, _, err := freeList.Allocate(100, 1)
	require.NoError(t, err)
	b, _, err := freeList.Allocate(100, 1)
	require.NoError(t, err)
	c, _, err := freeList.Allocate(100, 1)
	require.NoError(t, err)

	require.NoError(t, freeList.Free(a, 100))
	require.NoError(t, freeList.Free(c, 100))
	require.Equal(t, 2, freeList.FreeRegionsCount())

	require.NoError(t, freeList.Free(b, 100))
	require.Equal(t, []metadata.FreeRange{{Offset: 0, Size: 400}}, freeList.FreeRanges())
	require.True(t, freeList.IsEmpty())
}

func TestFreeListErrors(t *testing.T) {
	testCases := map[string]struct {
		preallocate bool
		size        uint64
		alignment   uint64
		target      error
	}{
		"ZeroSize":         {size: 0, alignment: 4},
		"NotPowerOfTwo":    {size: 8, alignment: 12, target: memutils.PowerOfTwoError},
		"TooLarge":         {size: 101, alignment: 1, target: memutils.OutOfSpaceError},
		"PaddingTooLarge":  {preallocate: true, size: 96, alignment: 64, target: memutils.OutOfSpaceError},
		"AlignmentOverrun": {preallocate: true, size: 1, alignment: 1 << 63, target: memutils.OutOfSpaceError},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			freeList := metadata.NewFreeListBlockMetadata(100)
			if testCase.preallocate {
				_, _, err := freeList.Allocate(1, 1)
				require.NoError(t, err)
			}
			before := freeList.FreeRanges()

			_, _, err := freeList.Allocate(testCase.size, testCase.alignment)
			require.Error(t, err)
			if testCase.target != nil {
				require.ErrorIs(t, err, testCase.target)
			}
			require.Equal(t, before, freeList.FreeRanges())
		})
	}
}

func TestFreeListRejectsBadFree(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(100)
	offset, _, err := freeList.Allocate(10, 1)
	require.NoError(t, err)

	require.Error(t, freeList.Free(offset+1, 10))
	require.Error(t, freeList.Free(offset, 9))
	require.NoError(t, freeList.Free(offset, 10))
	require.Error(t, freeList.Free(offset, 10))
	require.NoError(t, freeList.Validate())
}

func TestFreeListRoundTrip(t *testing.T) {
	const capacity = 1 << 16

	type live struct {
		offset   uint64
		size     uint64
		reserved uint64
	}

	rng := rand.New(rand.NewSource(17))
	freeList := metadata.NewFreeListBlockMetadata(capacity)
	var allocs []live

	for i := 0; i < 5000; i++ {
		if len(allocs) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(allocs))
			alloc := allocs[index]
			allocs = append(allocs[:index], allocs[index+1:]...)

			require.NoError(t, freeList.Free(alloc.offset, alloc.size))
		} else {
			size := uint64(rng.Intn(512) + 1)
			alignment := uint64(1) << rng.Intn(6)

			offset, reserved, err := freeList.Allocate(size, alignment)
			if err != nil {
				require.ErrorIs(t, err, memutils.OutOfSpaceError)
				continue
			}
			require.Zero(t, offset%alignment)
			allocs = append(allocs, live{offset: offset, size: size, reserved: reserved})
		}

		var allocated uint64
		for _, alloc := range allocs {
			allocated += alloc.reserved
		}
		require.Equal(t, uint64(capacity), allocated+freeList.SumFreeSize())

		ranges := freeList.FreeRanges()
		for j := 1; j < len(ranges); j++ {
			require.Greater(t, ranges[j].Offset, ranges[j-1].End())
		}
		require.NoError(t, freeList.Validate())
	}
}

func TestFreeListStatistics(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	freeList.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxUint64,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	_, _, err := freeList.Allocate(100, 1)
	require.NoError(t, err)
	middle, _, err := freeList.Allocate(50, 1)
	require.NoError(t, err)
	_, _, err = freeList.Allocate(10, 1)
	require.NoError(t, err)
	require.NoError(t, freeList.Free(middle, 50))

	stats.Clear()
	freeList.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 110,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  10,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 50,
		UnusedRangeSizeMax: 840,
	}, stats)

	var simple memutils.Statistics
	freeList.AddStatistics(&simple)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 2,
		BlockBytes:      1000,
		AllocationBytes: 110,
	}, simple)
}

func TestFreeListJson(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata(64)
	_, _, err := freeList.Allocate(16, 1)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	freeList.BlockJsonData(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 64,
		"UnusedBytes": 48,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Suballocations": [
			{"Offset": 0, "Size": 16, "Type": "USED"},
			{"Offset": 16, "Size": 48, "Type": "FREE"}
		]
	}`, string(writer.Bytes()))
}
