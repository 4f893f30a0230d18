package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChainNonceSource is the subset of an adapter's capability set the
// NonceManager needs to reconcile against chain-observed state (spec
// §4.4 sync()). Adapters that have no notion of nonces (pure exchange
// accounts) never construct a NonceManager at all.
type ChainNonceSource interface {
	LatestNonce(ctx context.Context, account string) (uint64, error)
	PendingNonce(ctx context.Context, account string) (uint64, error)
}

// NonceManager allocates and recycles nonces for a single signing
// account (spec §4.4). One instance exists per account; the DEX Core
// keeps a map of them.
type NonceManager struct {
	account string
	source  ChainNonceSource
	log     *logrus.Entry

	mu                  sync.Mutex
	nextNonce           uint64
	freeNonces          []uint64 // kept sorted ascending
	previousLatestNonce uint64
	haveSynced          bool
}

// NewNonceManager constructs a NonceManager for account. startNonce is
// typically RequestCache.MaxNonce()+1 on resume, or 0 on a cold start.
func NewNonceManager(account string, startNonce uint64, source ChainNonceSource, log *logrus.Logger) *NonceManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NonceManager{
		account:   account,
		source:    source,
		log:       log.WithField("component", "nonce_manager").WithField("account", account),
		nextNonce: startNonce,
	}
}

// Get pops the smallest free nonce if one exists, otherwise hands out
// next_nonce and increments it.
func (m *NonceManager) Get() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.freeNonces) > 0 {
		n := m.freeNonces[0]
		m.freeNonces = m.freeNonces[1:]
		return n
	}
	n := m.nextNonce
	m.nextNonce++
	return n
}

// Put releases n back to the pool, recycling next_nonce contiguously
// when n+1 == next_nonce (spec §4.4 put()).
func (m *NonceManager) Put(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertFree(n)
	m.recycleContiguous()
}

// insertFree inserts n into freeNonces keeping the slice sorted and
// free of duplicates. Caller holds m.mu.
func (m *NonceManager) insertFree(n uint64) {
	i := sort.Search(len(m.freeNonces), func(i int) bool { return m.freeNonces[i] >= n })
	if i < len(m.freeNonces) && m.freeNonces[i] == n {
		return
	}
	m.freeNonces = append(m.freeNonces, 0)
	copy(m.freeNonces[i+1:], m.freeNonces[i:])
	m.freeNonces[i] = n
}

// recycleContiguous drops trailing free nonces immediately below
// next_nonce, decrementing next_nonce for each. Caller holds m.mu.
func (m *NonceManager) recycleContiguous() {
	for len(m.freeNonces) > 0 {
		last := m.freeNonces[len(m.freeNonces)-1]
		if last+1 != m.nextNonce {
			return
		}
		m.freeNonces = m.freeNonces[:len(m.freeNonces)-1]
		m.nextNonce--
	}
}

// NextNonce returns the current next_nonce value without consuming it.
func (m *NonceManager) NextNonce() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextNonce
}

// FreeNonces returns a copy of the currently recycled nonces, ascending.
func (m *NonceManager) FreeNonces() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.freeNonces...)
}

// Sync queries the chain for latest/pending nonces and reconciles local
// state per spec §4.4. On adapter error the last-known state is
// retained and Get() keeps handing out next_nonce.
func (m *NonceManager) Sync(ctx context.Context) {
	if m.source == nil {
		return
	}
	latest, err := m.source.LatestNonce(ctx, m.account)
	if err != nil {
		m.log.WithError(err).Warn("nonce sync: latest nonce query failed, retaining last-known state")
		return
	}
	pending, err := m.source.PendingNonce(ctx, m.account)
	if err != nil {
		m.log.WithError(err).Warn("nonce sync: pending nonce query failed, retaining last-known state")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if latest > m.nextNonce {
		m.nextNonce = latest
	}

	if latest < pending {
		stuckOnFree := containsUint64(m.freeNonces, latest)
		stuckRepeated := m.haveSynced && latest == m.previousLatestNonce
		if stuckOnFree || stuckRepeated {
			m.log.Warnf("nonce gap detected: latest=%d pending=%d stuck at chain nonce", latest, pending)
			if stuckOnFree {
				m.removeFree(latest)
			}
		}
	}

	m.previousLatestNonce = latest
	m.haveSynced = true
}

// removeFree deletes n from freeNonces if present. Caller holds m.mu.
func (m *NonceManager) removeFree(n uint64) {
	for i, v := range m.freeNonces {
		if v == n {
			m.freeNonces = append(m.freeNonces[:i], m.freeNonces[i+1:]...)
			return
		}
	}
}

func containsUint64(s []uint64, v uint64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// RunSyncLoop starts the background 5s sync cadence described in spec
// §4.4. It runs until ctx is cancelled; callers should also call Sync
// once synchronously at startup before launching the loop.
func (m *NonceManager) RunSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sync(ctx)
		}
	}
}
