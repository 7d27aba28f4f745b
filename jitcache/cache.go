package jitcache

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/udrwxa/LibRyujinx/hostmem"
	"github.com/udrwxa/LibRyujinx/internal/utils"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/udrwxa/LibRyujinx/memutils/metadata"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

var errNotInitialized = errors.New("the code cache has not been initialized or has been closed")

type pendingProtect struct {
	offset uint64
	size   uint64
}

// Cache holds natively compiled functions in a single reserved host region. Functions are placed
// with a first-fit range allocator, installed through the host's Platform, and indexed by offset so
// that a PC inside the region can be mapped back to the function and unwind data it belongs to.
//
// A Cache is meant to be created once per process with New, or declared as a value and prepared
// with Init, and then shared by every compiler thread.
type Cache struct {
	initLock    sync.Mutex
	initialized bool

	logger      *slog.Logger
	host        hostmem.Host
	platform    Platform
	createFlags CreateFlags

	codeAlignment         uint64
	isolatedCodeAlignment uint64
	leakOnUnmap           bool

	mutex     utils.OptionalMutex
	region    *ReservedRegion
	allocator *metadata.FreeListBlockMetadata
	entries   []CacheEntry

	deferredLock     sync.Mutex
	deferredProtects []pendingProtect
}

// Region returns the host block that holds the installed code
func (c *Cache) Region() hostmem.Block {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.region == nil {
		return nil
	}
	return c.region.Block()
}

func (c *Cache) alignment(deferProtect bool) uint64 {
	if !deferProtect && c.isolatedCodeAlignment != 0 {
		return c.isolatedCodeAlignment
	}

	return c.codeAlignment
}

// Map installs code in the cache and returns the host address of its first byte.
//
// When deferProtect is false the function is executable when Map returns. When it is true the
// final protection change and instruction cache invalidation are queued, and the function must not
// be executed until RunDeferredProtects has been called. Deferring lets a batch of functions be
// sealed together.
//
// ErrCacheExhausted is returned if there is no room left for the function.
func (c *Cache) Map(code []byte, unwindInfo UnwindInfo, deferProtect bool) (uintptr, error) {
	if len(code) == 0 {
		return 0, errors.New("attempted to map an empty function")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.region == nil {
		return 0, errNotInitialized
	}

	c.logger.Debug("Cache::Map", slog.Int("Size", len(code)), slog.Bool("DeferProtect", deferProtect))

	codeSize := uint64(len(code))
	alignment := c.alignment(deferProtect)
	allocSize := memutils.AlignUp(codeSize, alignment)
	if allocSize < codeSize {
		return 0, errors.Wrapf(ErrCacheExhausted, "function of 0x%x bytes cannot be aligned", codeSize)
	}

	offset, _, err := c.allocator.Allocate(allocSize, alignment)
	if err != nil {
		return 0, errors.WithSecondaryError(
			errors.Wrapf(ErrCacheExhausted, "failed to place 0x%x bytes of code with alignment 0x%x", allocSize, alignment),
			err)
	}

	pointer, err := c.install(offset, allocSize, code, deferProtect)
	if err != nil {
		if freeErr := c.allocator.Free(offset, allocSize); freeErr != nil {
			c.logger.Error("error attempting to free code space after install failure", slog.Any("error", freeErr))
		}
		return 0, err
	}

	c.insertEntry(CacheEntry{
		Offset:     offset,
		Size:       codeSize,
		UnwindInfo: unwindInfo,
		allocSize:  allocSize,
	})

	return pointer, nil
}

func (c *Cache) install(offset, allocSize uint64, code []byte, deferProtect bool) (uintptr, error) {
	if err := c.region.ExpandIfNeeded(offset + allocSize); err != nil {
		return 0, err
	}

	block := c.region.Block()
	codeSize := uint64(len(code))

	pointer, err := block.Pointer(offset, codeSize)
	if err != nil {
		return 0, err
	}

	if err := c.platform.CopyCode(block, offset, code); err != nil {
		return 0, errors.Wrapf(err, "failed to copy code to offset 0x%x", offset)
	}

	if deferProtect {
		c.deferredLock.Lock()
		c.deferredProtects = append(c.deferredProtects, pendingProtect{offset: offset, size: codeSize})
		c.deferredLock.Unlock()

		return pointer, nil
	}

	if err := c.seal(block, offset, codeSize); err != nil {
		return 0, err
	}

	return pointer, nil
}

func (c *Cache) seal(block hostmem.Block, offset, size uint64) error {
	if err := c.platform.Reprotect(block, offset, size, hostmem.PermissionReadAndExecute); err != nil {
		return errors.Wrapf(err, "failed to make code at offset 0x%x executable", offset)
	}

	return c.platform.InvalidateInstructionCache(block, offset, size)
}

func (c *Cache) insertEntry(entry CacheEntry) {
	index, found := slices.BinarySearchFunc(c.entries, entry.Offset, compareEntryOffset)
	if found {
		panic("code cache entry inserted twice at the same offset")
	}

	c.entries = slices.Insert(c.entries, index, entry)
}

// RunDeferredProtects seals every function that was installed with deferProtect since the last call
func (c *Cache) RunDeferredProtects() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.deferredLock.Lock()
	pending := c.deferredProtects
	c.deferredProtects = nil
	c.deferredLock.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if c.region == nil {
		return errNotInitialized
	}

	c.logger.Debug("Cache::RunDeferredProtects", slog.Int("Count", len(pending)))

	var err error
	block := c.region.Block()
	for _, protect := range pending {
		err = multierr.Append(err, c.seal(block, protect.offset, protect.size))
	}

	return err
}

// dropDeferredProtects forgets queued protects inside [offset, offset+size)
func (c *Cache) dropDeferredProtects(offset, size uint64) {
	c.deferredLock.Lock()
	defer c.deferredLock.Unlock()

	kept := c.deferredProtects[:0]
	for _, protect := range c.deferredProtects {
		if protect.offset < offset || protect.offset >= offset+size {
			kept = append(kept, protect)
		}
	}
	c.deferredProtects = kept
}

// PendingProtects returns the number of installed functions that are waiting for RunDeferredProtects
func (c *Cache) PendingProtects() int {
	c.deferredLock.Lock()
	defer c.deferredLock.Unlock()

	return len(c.deferredProtects)
}

// Unmap removes the function that starts at pointer and returns its space to the cache. It does
// nothing when the cache was created with LeakOnUnmap.
func (c *Cache) Unmap(pointer uintptr) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.region == nil {
		return errNotInitialized
	}

	c.logger.Debug("Cache::Unmap", slog.Uint64("Pointer", uint64(pointer)))

	if c.leakOnUnmap {
		return nil
	}

	offset, ok := c.offsetOf(pointer)
	if !ok {
		return errors.Newf("0x%x is not inside the code cache", pointer)
	}

	index, found := slices.BinarySearchFunc(c.entries, offset, compareEntryOffset)
	if !found {
		return errors.Newf("no function starts at 0x%x", pointer)
	}

	entry := c.entries[index]
	if err := c.allocator.Free(entry.Offset, entry.allocSize); err != nil {
		return err
	}
	c.entries = slices.Delete(c.entries, index, index+1)
	c.dropDeferredProtects(entry.Offset, entry.allocSize)

	return nil
}

func (c *Cache) offsetOf(pointer uintptr) (uint64, bool) {
	base, err := c.region.Block().Pointer(0, 0)
	if err != nil || pointer < base {
		return 0, false
	}

	offset := uint64(pointer - base)
	if offset >= c.region.Size() {
		return 0, false
	}

	return offset, true
}

// Find returns the installed function whose code contains offset, measured from the start of the
// cache region. The second return value is false when offset lies in free space or padding.
func (c *Cache) Find(offset uint64) (CacheEntry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.find(offset)
}

func (c *Cache) find(offset uint64) (CacheEntry, bool) {
	index, found := slices.BinarySearchFunc(c.entries, offset, compareEntryOffset)
	if found {
		return c.entries[index], true
	}
	if index == 0 {
		return CacheEntry{}, false
	}

	entry := c.entries[index-1]
	if !entry.Contains(offset) {
		return CacheEntry{}, false
	}

	return entry, true
}

// FindPC returns the installed function whose code contains the host address pc
func (c *Cache) FindPC(pc uintptr) (CacheEntry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.region == nil {
		return CacheEntry{}, false
	}

	offset, ok := c.offsetOf(pc)
	if !ok {
		return CacheEntry{}, false
	}

	return c.find(offset)
}

// EntryCount returns the number of installed functions
func (c *Cache) EntryCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.entries)
}

// Entries returns a copy of the installed functions, ordered by offset
func (c *Cache) Entries() []CacheEntry {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return slices.Clone(c.entries)
}

// CalculateStatistics returns the allocation statistics of the cache region
func (c *Cache) CalculateStatistics() memutils.DetailedStatistics {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	if c.allocator != nil {
		c.allocator.AddDetailedStatistics(&stats)
	}

	return stats
}

// BuildStatsString returns a json document describing the cache. When detailed is true, every
// allocation and free range in the region is listed.
func (c *Cache) BuildStatsString(detailed bool) string {
	stats := c.CalculateStatistics()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	total := obj.Name("Total").Object()
	stats.PrintJson(&total)
	total.End()

	obj.Name("Entries").Int(len(c.entries))
	obj.Name("PendingProtects").Int(c.PendingProtects())
	if c.region != nil {
		obj.Name("ReservedBytes").Int(int(c.region.Size()))
		obj.Name("CommittedBytes").Int(int(c.region.Committed()))
	}

	if detailed && c.allocator != nil {
		region := obj.Name("Region").Object()
		c.allocator.BlockJsonData(region)
		region.End()
	}

	obj.End()
	return string(writer.Bytes())
}

// Close releases the cache region. Every pointer returned by Map is invalid afterwards. Functions
// that are still installed are reported as unreleased unless the cache leaks on unmap.
func (c *Cache) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.region == nil {
		return errNotInitialized
	}

	if !c.leakOnUnmap {
		for _, entry := range c.entries {
			c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] function still installed in code cache",
				slog.Uint64("offset", entry.Offset),
				slog.Uint64("size", entry.Size),
			)
		}
	}

	err := c.region.Close()
	c.region = nil
	c.entries = nil
	c.allocator = nil

	c.deferredLock.Lock()
	c.deferredProtects = nil
	c.deferredLock.Unlock()

	return err
}
