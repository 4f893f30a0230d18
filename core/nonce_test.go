package core

import (
	"context"
	"errors"
	"testing"
)

func TestNonceManagerGetSequential(t *testing.T) {
	nm := NewNonceManager("acct1", 5, nil, nil)
	if got := nm.Get(); got != 5 {
		t.Fatalf("Get() = %d, want 5", got)
	}
	if got := nm.Get(); got != 6 {
		t.Fatalf("Get() = %d, want 6", got)
	}
}

func TestNonceManagerRecycle(t *testing.T) {
	nm := NewNonceManager("acct1", 5, nil, nil)
	nm.Get() // 5
	nm.Get() // 6
	nm.Get() // 7
	if nm.NextNonce() != 8 {
		t.Fatalf("NextNonce() = %d, want 8", nm.NextNonce())
	}

	nm.Put(7)
	if nm.NextNonce() != 7 {
		t.Fatalf("after releasing the most recent allocation, NextNonce() = %d, want 7", nm.NextNonce())
	}
	if got := nm.Get(); got != 7 {
		t.Fatalf("Get() after recycle = %d, want 7", got)
	}
}

func TestNonceManagerContiguousRecycleChain(t *testing.T) {
	nm := NewNonceManager("acct1", 5, nil, nil)
	nm.Get() // 5
	nm.Get() // 6
	nm.Get() // 7
	nm.Put(7)
	nm.Put(6)
	nm.Put(5)
	if nm.NextNonce() != 5 {
		t.Fatalf("NextNonce() after releasing all = %d, want 5", nm.NextNonce())
	}
	if len(nm.FreeNonces()) != 0 {
		t.Fatalf("expected no fragmented free nonces, got %v", nm.FreeNonces())
	}
}

func TestNonceManagerPutNonContiguousStaysFree(t *testing.T) {
	nm := NewNonceManager("acct1", 5, nil, nil)
	nm.Get() // 5
	nm.Get() // 6
	nm.Get() // 7
	nm.Put(5)
	if nm.NextNonce() != 8 {
		t.Fatalf("NextNonce() = %d, want unchanged at 8", nm.NextNonce())
	}
	if got := nm.FreeNonces(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("FreeNonces() = %v, want [5]", got)
	}
}

type fakeNonceSource struct {
	latest, pending uint64
	err             error
}

func (f *fakeNonceSource) LatestNonce(ctx context.Context, account string) (uint64, error) {
	return f.latest, f.err
}

func (f *fakeNonceSource) PendingNonce(ctx context.Context, account string) (uint64, error) {
	return f.pending, f.err
}

func TestNonceManagerSyncAdvancesNextNonce(t *testing.T) {
	src := &fakeNonceSource{latest: 10, pending: 10}
	nm := NewNonceManager("acct1", 5, src, nil)
	nm.Sync(context.Background())
	if nm.NextNonce() != 10 {
		t.Fatalf("NextNonce() after sync = %d, want 10", nm.NextNonce())
	}
}

func TestNonceManagerSyncRetainsStateOnError(t *testing.T) {
	src := &fakeNonceSource{err: errors.New("rpc down")}
	nm := NewNonceManager("acct1", 5, src, nil)
	nm.Sync(context.Background())
	if nm.NextNonce() != 5 {
		t.Fatalf("NextNonce() after failed sync = %d, want unchanged at 5", nm.NextNonce())
	}
	if got := nm.Get(); got != 5 {
		t.Fatalf("Get() after failed sync = %d, want 5", got)
	}
}

func TestNonceManagerSyncDetectsStuckGap(t *testing.T) {
	src := &fakeNonceSource{latest: 5, pending: 7}
	nm := NewNonceManager("acct1", 5, src, nil)
	nm.Get() // 5
	nm.Get() // 6
	nm.Put(5) // non-contiguous (next_nonce=7): stays in free_nonces
	nm.Sync(context.Background()) // latest(5) found in free_nonces -> stuck, removed
	if got := nm.FreeNonces(); len(got) != 0 {
		t.Fatalf("expected stuck nonce removed from free set, got %v", got)
	}
}
