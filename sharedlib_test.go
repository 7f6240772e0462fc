package rtld_test

import (
	"debug/elf"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/modimg"
)

func TestBootstrapZigSharedObject(t *testing.T) {
	requireCommand(t, "zig")

	path := buildSharedObject(t, t.TempDir(), "interpose")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	image, err := modimg.FromELF(data)
	require.NoError(t, err)

	h := newHarness(t, rtld.Config{})
	require.NoError(t, image.Map(h.space, baseA))
	require.NoError(t, image.Map(h.space, baseB))
	require.NoError(t, h.bootstrap())
	require.Equal(t, []uint64{baseA, baseB}, h.bases())
	require.Empty(t, h.debug)

	symbols := elfSymbols(t, path)
	value := symbols["shared_value"]
	for _, base := range []uint64{baseA, baseB} {
		require.Equal(t, baseA+value, h.word(base+symbols["shared_value_ptr"]))
		require.Equal(t, base+symbols["local_value"], h.word(base+symbols["local_value_ptr"]))
	}

	got, err := memmod.ReadUint32(h.space, h.linker.LookupGlobalAuto("shared_value"))
	require.NoError(t, err)
	require.Equal(t, uint32(42), got)
	require.Equal(t, baseA+symbols["read_shared_value"], h.linker.LookupExport("read_shared_value"))
}

func buildSharedObject(t *testing.T, outDir string, name string) string {
	t.Helper()

	outputPath := filepath.Join(outDir, name+".so")
	sourcePath := filepath.Join("testdata", "c", name+".c")
	args := []string{
		"cc", "-target", "aarch64-linux-gnu", "-O2", "-g0",
		"-shared", "-fPIC", "-nostdlib", "-Wl,--hash-style=sysv",
		"-o", outputPath, sourcePath,
	}

	cmd := exec.Command("zig", args...)
	cmd.Env = overrideEnv(os.Environ(), map[string]string{
		"ZIG_GLOBAL_CACHE_DIR": filepath.Join(os.TempDir(), "rtld-zig-global-cache"),
		"ZIG_LOCAL_CACHE_DIR":  filepath.Join(os.TempDir(), "rtld-zig-local-cache"),
	})
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build shared object %s: %v\n%s", name, err, output)
	}
	return outputPath
}

func elfSymbols(t *testing.T, path string) map[string]uint64 {
	t.Helper()

	f, err := elf.Open(path)
	require.NoError(t, err)
	defer f.Close()

	symbols, err := f.Symbols()
	require.NoError(t, err)
	out := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		out[symbol.Name] = symbol.Value
	}
	return out
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}

func overrideEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if _, drop := overrides[key]; drop {
			continue
		}
		out = append(out, kv)
	}
	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}
