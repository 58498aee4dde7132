package interntable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skiprt/objruntime/robj"
	"github.com/skiprt/objruntime/rtype"
)

func sameValue(a, b *robj.IObj) bool { return a.Hash == b.Hash }

func TestTableInsertLookupErase(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{})
	tbl := New(sameValue)

	a := &robj.IObj{Type: ty, Hash: 42}
	bkt := tbl.LockHash(a.Hash)
	require.Nil(t, bkt.Lookup(a, a.Hash))
	bkt.InsertAndUnlock(a)

	bkt = tbl.LockHash(a.Hash)
	found := bkt.Lookup(a, a.Hash)
	bkt.Unlock()
	require.Same(t, a, found)
	require.EqualValues(t, 1, tbl.Size())

	bkt = tbl.LockHash(a.Hash)
	bkt.EraseAndUnlock(a)
	require.EqualValues(t, 0, tbl.Size())

	bkt = tbl.LockHash(a.Hash)
	require.Nil(t, bkt.Lookup(a, a.Hash))
	bkt.Unlock()
}

func TestTableGrowTriggersLazyRehash(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{})
	tbl := New(sameValue)

	n := int((uint64(1) << Log2MinBuckets) * 3 / 4)
	for i := 0; i < n; i++ {
		o := &robj.IObj{Type: ty, Hash: uint64(i) * 0x9E3779B97F4A7C15}
		bkt := tbl.LockHash(o.Hash)
		bkt.InsertAndUnlock(o)
	}

	require.EqualValues(t, n, tbl.Size())
	require.Equal(t, n, tbl.Len())
	require.Greater(t, tbl.visibleMask(), (uint64(1)<<Log2MinBuckets)-1)
}

func TestTableConcurrentInsert(t *testing.T) {
	ty := rtype.ClassFactory("T", 8, nil, 0, 0, rtype.Hooks{})
	tbl := New(sameValue)

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				h := uint64(w)<<32 | uint64(i)
				o := &robj.IObj{Type: ty, Hash: h}
				bkt := tbl.LockHash(h)
				bkt.InsertAndUnlock(o)
			}
		}(w)
	}
	wg.Wait()

	require.EqualValues(t, workers*perWorker, tbl.Size())
	require.Equal(t, workers*perWorker, tbl.Len())
}
