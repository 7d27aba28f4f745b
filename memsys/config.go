package memsys

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/udrwxa/LibRyujinx/guestmem"
	"github.com/udrwxa/LibRyujinx/jitcache"
	"github.com/udrwxa/LibRyujinx/memutils"
	"github.com/udrwxa/LibRyujinx/partition"
	"gopkg.in/yaml.v3"
)

// Mode selects how guest memory is reached from the host
type Mode string

const (
	// ModeHostTracked translates guest addresses through the flat page table, with MapPrivate ranges
	// placed in a Partitioned address space
	ModeHostTracked Mode = "host_tracked"
	// ModeHostMapped mirrors the whole guest address space into one host reservation
	ModeHostMapped Mode = "host_mapped"
)

// DefaultBackingMemorySize is the amount of guest physical memory when none is configured: 4 GiB
const DefaultBackingMemorySize uint64 = 1 << 32

// Config describes the memory subsystem built by System
type Config struct {
	AddressSpaceSize       uint64 `toml:"address_space_size" yaml:"address_space_size"`
	BackingMemorySize      uint64 `toml:"backing_memory_size" yaml:"backing_memory_size"`
	Mode                   Mode   `toml:"mode" yaml:"mode"`
	UseProtectionMirrors   bool   `toml:"use_protection_mirrors" yaml:"use_protection_mirrors"`
	PartitionSize          uint64 `toml:"partition_size" yaml:"partition_size"`
	JitCacheSize           uint64 `toml:"jit_cache_size" yaml:"jit_cache_size"`
	JitCodeAlignment       uint64 `toml:"jit_code_alignment" yaml:"jit_code_alignment"`
	SimulatedPageSize      uint64 `toml:"simulated_page_size" yaml:"simulated_page_size"`
	ExternallySynchronized bool   `toml:"externally_synchronized" yaml:"externally_synchronized"`
}

// DefaultConfig returns the configuration used for any key that a config file leaves out
func DefaultConfig() Config {
	cacheOptions := jitcache.DefaultCreateOptions()

	return Config{
		AddressSpaceSize:  guestmem.DefaultAddressSpaceSize,
		BackingMemorySize: DefaultBackingMemorySize,
		Mode:              ModeHostTracked,
		PartitionSize:     partition.DefaultPartitionSize,
		JitCacheSize:      cacheOptions.CacheSize,
		JitCodeAlignment:  cacheOptions.CodeAlignment,
	}
}

// LoadConfig reads a config file. Files ending in .toml are decoded as TOML, and files ending in
// .yaml or .yml as YAML.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read memory config")
	}

	return DecodeConfig(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// DecodeConfig decodes a config document in format, which is "toml", "yaml" or "yml", on top of
// DefaultConfig, and validates the result
func DecodeConfig(data []byte, format string) (Config, error) {
	config := DefaultConfig()

	switch strings.ToLower(format) {
	case "toml":
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&config); err != nil {
			return Config{}, errors.Wrap(err, "failed to parse memory config")
		}
	case "yaml", "yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, errors.Wrap(err, "failed to parse memory config")
		}
	default:
		return Config{}, errors.Newf("unknown memory config format %q", format)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate checks that the configured values can be used to build a System
func (c Config) Validate() error {
	switch c.Mode {
	case ModeHostTracked, ModeHostMapped:
	default:
		return errors.Newf("unknown memory mode %q", c.Mode)
	}

	if c.BackingMemorySize == 0 || !memutils.IsAligned(c.BackingMemorySize, guestmem.PageSize) {
		return errors.Newf("backing memory size 0x%x must be a non-zero multiple of the guest page size", c.BackingMemorySize)
	}
	if c.AddressSpaceSize < guestmem.PageSize {
		return errors.Newf("address space size 0x%x is smaller than a guest page", c.AddressSpaceSize)
	}
	if err := memutils.CheckPow2(c.AddressSpaceSize, "address_space_size"); err != nil {
		return err
	}

	if c.JitCodeAlignment != 0 {
		if err := memutils.CheckPow2(c.JitCodeAlignment, "jit_code_alignment"); err != nil {
			return err
		}
	}
	if c.PartitionSize != 0 {
		if err := memutils.CheckPow2(c.PartitionSize, "partition_size"); err != nil {
			return err
		}
	}
	if c.SimulatedPageSize != 0 {
		if err := memutils.CheckPow2(c.SimulatedPageSize, "simulated_page_size"); err != nil {
			return err
		}
	}

	return nil
}
