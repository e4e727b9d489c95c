package bitalloc_test

import (
	"math/rand"
	"testing"

	"github.com/pawelgaczynski/gnvme/pkg/bitalloc"
	. "github.com/stretchr/testify/require"
)

func TestAllocUntilExhausted(t *testing.T) {
	alloc := bitalloc.New(127)

	for i := 0; i < 127; i++ {
		idx, err := alloc.Alloc()
		NoError(t, err)
		Equal(t, i, idx)
	}
	True(t, alloc.Full())

	_, err := alloc.Alloc()
	ErrorIs(t, err, bitalloc.ErrExhausted)

	alloc.Free(64)
	False(t, alloc.Used(64))

	idx, err := alloc.Alloc()
	NoError(t, err)
	Equal(t, 64, idx)
}

func TestAllocRotates(t *testing.T) {
	alloc := bitalloc.New(4)

	first, err := alloc.Alloc()
	NoError(t, err)
	alloc.Free(first)

	second, err := alloc.Alloc()
	NoError(t, err)
	NotEqual(t, first, second)
}

func TestAllocAt(t *testing.T) {
	alloc := bitalloc.New(8)

	NoError(t, alloc.AllocAt(3))
	True(t, alloc.Used(3))
	Error(t, alloc.AllocAt(3))
	ErrorIs(t, alloc.AllocAt(8), bitalloc.ErrOutOfRange)
	Equal(t, 1, alloc.InUse())
}

func TestFreeUnusedIsNoop(t *testing.T) {
	alloc := bitalloc.New(8)
	alloc.Free(5)
	alloc.Free(-1)
	alloc.Free(100)
	Equal(t, 0, alloc.InUse())
}

func TestForEach(t *testing.T) {
	alloc := bitalloc.New(130)
	for _, idx := range []int{0, 63, 64, 129} {
		NoError(t, alloc.AllocAt(idx))
	}

	var seen []int
	alloc.ForEach(func(idx int) bool {
		seen = append(seen, idx)

		return true
	})
	Equal(t, []int{0, 63, 64, 129}, seen)
}

func TestRandomAllocFreeNeverDuplicates(t *testing.T) {
	const capacity = 127

	rnd := rand.New(rand.NewSource(42))
	alloc := bitalloc.New(capacity)
	live := make(map[int]bool)

	for step := 0; step < 10000; step++ {
		if len(live) < capacity && (len(live) == 0 || rnd.Intn(2) == 0) {
			idx, err := alloc.Alloc()
			NoError(t, err)
			False(t, live[idx], "index %d handed out twice", idx)
			live[idx] = true

			continue
		}

		victim := rnd.Intn(capacity)
		for !live[victim] {
			victim = (victim + 1) % capacity
		}
		alloc.Free(victim)
		delete(live, victim)
	}
	Equal(t, len(live), alloc.InUse())
}
