package mmio_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pawelgaczynski/gnvme/pkg/mmio"
	. "github.com/stretchr/testify/require"
)

func TestMappedLittleEndian(t *testing.T) {
	mem := make([]byte, 64)
	window := mmio.NewMapped(mem)

	window.Write32(0x14, 0x00460001)
	Equal(t, uint32(0x00460001), binary.LittleEndian.Uint32(mem[0x14:]))
	Equal(t, uint32(0x00460001), window.Read32(0x14))

	window.Write64(0x28, 0x1122334455667788)
	Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(mem[0x28:]))
	Equal(t, uint64(0x1122334455667788), window.Read64(0x28))
	NoError(t, window.Close())
}

func TestMappedOutOfRangePanics(t *testing.T) {
	window := mmio.NewMapped(make([]byte, 8))

	Panics(t, func() {
		window.Read32(6)
	})
}

func TestMapResource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource0")
	NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	window, err := mmio.MapResource(path, 4096)
	NoError(t, err)

	window.Write64(0x28, 0xcafe0000beef)
	window.Write32(0x1008, 7)
	Equal(t, uint64(0xcafe0000beef), window.Read64(0x28))
	NoError(t, window.Close())

	mem, err := os.ReadFile(path)
	NoError(t, err)
	Equal(t, uint64(0xcafe0000beef), binary.LittleEndian.Uint64(mem[0x28:]))
	Equal(t, uint32(7), binary.LittleEndian.Uint32(mem[0x1008:]))
}

func TestMapResourceMissingFile(t *testing.T) {
	_, err := mmio.MapResource(filepath.Join(t.TempDir(), "missing"), 4096)
	ErrorIs(t, err, os.ErrNotExist)
}
