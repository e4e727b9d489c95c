package dma_test

import (
	"testing"

	"github.com/pawelgaczynski/gnvme/pkg/dma"
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	. "github.com/stretchr/testify/require"
)

func TestPoolAllocIsPageAligned(t *testing.T) {
	pool := dma.NewPool()

	buffer, err := pool.Alloc(100)
	NoError(t, err)
	defer pool.Free(buffer)

	Equal(t, dma.PageSize, buffer.Size())
	Zero(t, buffer.Addr()%uint64(dma.PageSize))
}

func TestPoolTranslate(t *testing.T) {
	pool := dma.NewPool()

	first, err := pool.Alloc(2 * dma.PageSize)
	NoError(t, err)
	second, err := pool.Alloc(dma.PageSize)
	NoError(t, err)

	first.Bytes()[dma.PageSize+8] = 0xab
	view, err := pool.Translate(first.Addr()+uint64(dma.PageSize), 16)
	NoError(t, err)
	Equal(t, byte(0xab), view[8])

	view, err = pool.Translate(second.Addr(), dma.PageSize)
	NoError(t, err)
	view[0] = 0xcd
	Equal(t, byte(0xcd), second.Bytes()[0])

	_, err = pool.Translate(first.Addr()+uint64(dma.PageSize), 2*dma.PageSize)
	ErrorIs(t, err, gnvmeErrors.ErrAddressNotMapped)

	NoError(t, pool.Free(first))
	_, err = pool.Translate(first.Addr(), 1)
	ErrorIs(t, err, gnvmeErrors.ErrAddressNotMapped)
	NoError(t, pool.Free(second))
	Zero(t, pool.Allocated())
}

func TestPoolLimit(t *testing.T) {
	pool := dma.NewPool(dma.WithLimit(2 * dma.PageSize))

	first, err := pool.Alloc(dma.PageSize)
	NoError(t, err)
	_, err = pool.Alloc(2 * dma.PageSize)
	ErrorIs(t, err, gnvmeErrors.ErrDMAAllocation)

	NoError(t, pool.Free(first))
	second, err := pool.Alloc(2 * dma.PageSize)
	NoError(t, err)
	NoError(t, pool.Free(second))
}

func TestPoolDoubleFree(t *testing.T) {
	pool := dma.NewPool()

	buffer, err := pool.Alloc(dma.PageSize)
	NoError(t, err)
	NoError(t, pool.Free(buffer))
	ErrorIs(t, pool.Free(buffer), gnvmeErrors.ErrAddressNotMapped)
}
