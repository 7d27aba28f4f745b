package memsys_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/udrwxa/LibRyujinx/memsys"
	"github.com/udrwxa/LibRyujinx/memutils"
)

func TestDecodeConfig(t *testing.T) {
	expected := memsys.DefaultConfig()
	expected.AddressSpaceSize = 1 << 32
	expected.BackingMemorySize = 0x100000
	expected.Mode = memsys.ModeHostMapped
	expected.UseProtectionMirrors = true
	expected.SimulatedPageSize = 0x4000

	testCases := map[string]struct {
		format string
		data   string
	}{
		"TOML": {
			format: "toml",
			data: `
address_space_size = 4294967296
backing_memory_size = 0x100000
mode = "host_mapped"
use_protection_mirrors = true
simulated_page_size = 16384
`,
		},
		"YAML": {
			format: "yaml",
			data: `
address_space_size: 4294967296
backing_memory_size: 0x100000
mode: host_mapped
use_protection_mirrors: true
simulated_page_size: 16384
`,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			config, err := memsys.DecodeConfig([]byte(testCase.data), testCase.format)
			require.NoError(t, err)
			require.Equal(t, expected, config)
		})
	}
}

func TestDecodeConfigErrors(t *testing.T) {
	testCases := map[string]struct {
		format string
		data   string
		target error
	}{
		"UnknownFormat":   {format: "ini", data: ""},
		"UnknownKey":      {format: "toml", data: "page_size = 4096\n"},
		"UnknownYamlKey":  {format: "yml", data: "page_size: 4096\n"},
		"UnknownMode":     {format: "toml", data: "mode = \"host_unsafe\"\n"},
		"EmptyBacking":    {format: "toml", data: "backing_memory_size = 0\n"},
		"OddAlignment":    {format: "yaml", data: "jit_code_alignment: 12\n", target: memutils.PowerOfTwoError},
		"OddAddressSpace": {format: "yaml", data: "address_space_size: 0x30000\n", target: memutils.PowerOfTwoError},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := memsys.DecodeConfig([]byte(testCase.data), testCase.format)
			require.Error(t, err)
			if testCase.target != nil {
				require.ErrorIs(t, err, testCase.target)
			}
		})
	}
}

func TestLoadConfigByExtension(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "memory.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("jit_cache_size = 65536\n"), 0644))
	config, err := memsys.LoadConfig(tomlPath)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), config.JitCacheSize)
	require.Equal(t, memsys.ModeHostTracked, config.Mode)

	yamlPath := filepath.Join(dir, "memory.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(""), 0644))
	config, err = memsys.LoadConfig(yamlPath)
	require.NoError(t, err)
	require.Equal(t, memsys.DefaultConfig(), config)

	_, err = memsys.LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}
