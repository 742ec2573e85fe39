package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vault-node/chunkinfo"
	"vault-node/config"
	"vault-node/crypto"
	"vault-node/db"
	"vault-node/kadops"
	"vault-node/logger"
	"vault-node/models"
	"vault-node/quorum"
	"vault-node/rpc"
)

type cluster struct {
	nodes  []*Service
	tables []*kadops.StaticTable
	online []*quorum.AtomicOnline
	byID   map[string]*Service
}

// newCluster starts n vaults that reach each other in-process, each with
// K = 4 and therefore a store threshold of 3 and a trust threshold of 1.
func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	logger.Logger = zap.NewNop()

	cfg := config.Default()
	cfg.K = 4
	cfg.RPCTimeout = 2 * time.Second
	cfg.ChunkCacheSize = 8

	keys := make([]*crypto.Keyring, n)
	contacts := make([]models.Contact, n)
	for i := range keys {
		keys[i] = newKeys(t)
		contacts[i] = models.Contact{ID: keys[i].PMID, Address: "in-process"}
	}

	network := rpc.NewLocalNetwork()
	c := &cluster{byID: make(map[string]*Service)}
	for i := range keys {
		ldb, err := db.NewMemLevelDB()
		require.NoError(t, err)
		t.Cleanup(func() { ldb.Close() })

		table := kadops.NewStaticTable(contacts[i], cfg.K, contacts)
		for _, peer := range contacts {
			table.MarkLocal(peer.ID)
		}
		online := quorum.NewAtomicOnline(true)

		svc, err := NewNode(cfg, keys[i], ldb, table, rpc.Dispatcher{Local: network}, online)
		require.NoError(t, err)
		network.Register(keys[i].PMID, svc)

		c.nodes = append(c.nodes, svc)
		c.tables = append(c.tables, table)
		c.online = append(c.online, online)
		c.byID[svc.PMID()] = svc
	}
	return c
}

// committee is the set of K vaults closest to key across the cluster.
func (c *cluster) committee(key string) []*Service {
	var contacts []models.Contact
	for id := range c.byID {
		contacts = append(contacts, models.Contact{ID: id})
	}
	table := kadops.NewStaticTable(models.Contact{}, c.tables[0].K(), contacts)
	var out []*Service
	for _, contact := range table.Closest(key) {
		out = append(out, c.byID[contact.ID])
	}
	return out
}

// watchAll has every holder of a chunk add peer as a watcher at once, the
// way the holders each receive the same request.
func (c *cluster) watchAll(t *testing.T, name, peer string, size uint64) []chunkinfo.Commit {
	t.Helper()
	commits, errs := c.tryWatchAll(name, peer, size)
	for _, err := range errs {
		require.NoError(t, err)
	}
	return commits
}

func (c *cluster) tryWatchAll(name, peer string, size uint64) ([]chunkinfo.Commit, []error) {
	holders := c.committee(name)
	commits := make([]chunkinfo.Commit, len(holders))
	errs := make([]error, len(holders))
	var wg sync.WaitGroup
	for i, h := range holders {
		wg.Add(1)
		go func(i int, h *Service) {
			defer wg.Done()
			commits[i], errs[i] = h.WatchChunk(context.Background(), name, peer, size)
		}(i, h)
	}
	wg.Wait()
	return commits, errs
}

// withSpace reports offered space for the vault at index i and waits until
// all of its account holders know about it.
func (c *cluster) withSpace(t *testing.T, i int, offered uint64) {
	t.Helper()
	owner := c.nodes[i]
	require.NoError(t, owner.ReportSpace(context.Background(), offered))
	holders := c.holders(i, crypto.AccountKey(owner.PMID()))
	require.Eventually(t, func() bool {
		for _, h := range holders {
			if !h.Accounts().HaveAccount(owner.PMID()) {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

// countAccounts counts the account holders of pmid whose record passes ok.
func (c *cluster) countAccounts(from int, pmid string, ok func(models.AccountRecord) bool) int {
	n := 0
	for _, h := range c.holders(from, crypto.AccountKey(pmid)) {
		if rec, err := h.Accounts().GetAccount(pmid); err == nil && ok(rec) {
			n++
		}
	}
	return n
}

func (c *cluster) holders(from int, key string) []*Service {
	var out []*Service
	for _, contact := range c.tables[from].Closest(key) {
		out = append(out, c.byID[contact.ID])
	}
	return out
}

func TestClusterAccountLifecycle(t *testing.T) {
	c := newCluster(t, 6)
	owner := c.nodes[0]
	ctx := context.Background()

	require.NoError(t, owner.ReportSpace(ctx, 1000))

	key := crypto.AccountKey(owner.PMID())
	require.Eventually(t, func() bool {
		n := 0
		for _, h := range c.holders(0, key) {
			if rec, err := h.Accounts().GetAccount(owner.PMID()); err == nil && rec.SpaceOffered == 1000 {
				n++
			}
		}
		return n >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, owner.CanStore(ctx, 500))
	require.ErrorIs(t, owner.CanStore(ctx, 5000), quorum.ErrResponseFailed)

	rec, err := c.nodes[1].RemoteAccount(ctx, owner.PMID())
	require.NoError(t, err)
	assert.Equal(t, owner.PMID(), rec.PMID)
	assert.Equal(t, uint64(1000), rec.SpaceOffered)
}

func TestClusterStoreChunk(t *testing.T) {
	c := newCluster(t, 6)
	c.withSpace(t, 0, 1000)
	storer := c.nodes[0]
	ctx := context.Background()

	data := []byte("This is a data chunk")
	name := crypto.HashHex(data)
	size := uint64(len(data))
	c.watchAll(t, name, storer.PMID(), size)

	require.NoError(t, storer.StoreChunk(ctx, name, data))
	got, err := storer.store.Get(name)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.Eventually(t, func() bool {
		n := 0
		for _, h := range c.committee(name) {
			refs, err := h.Chunks().GetChunkReferences(name)
			if err == nil && len(refs) == 1 && refs[0] == storer.PMID() {
				n++
			}
		}
		return n >= 3
	}, 2*time.Second, 10*time.Millisecond)

	// the holders credit the storing vault with the space it gives
	require.Eventually(t, func() bool {
		return c.countAccounts(0, storer.PMID(), func(rec models.AccountRecord) bool {
			return rec.SpaceGiven == size
		}) >= 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClusterStoringTwiceKeepsChunk(t *testing.T) {
	c := newCluster(t, 6)
	c.withSpace(t, 0, 1000)
	storer := c.nodes[0]
	ctx := context.Background()

	data := []byte("stored twice")
	name := crypto.HashHex(data)
	size := uint64(len(data))
	c.watchAll(t, name, storer.PMID(), size)

	require.NoError(t, storer.StoreChunk(ctx, name, data))
	require.NoError(t, storer.StoreChunk(ctx, name, data))
	assert.True(t, storer.store.Has(name))

	for _, h := range c.committee(name) {
		refs, err := h.Chunks().GetChunkReferences(name)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(refs), 1)
	}

	require.Eventually(t, func() bool {
		return c.countAccounts(0, storer.PMID(), func(rec models.AccountRecord) bool {
			return rec.SpaceGiven == size
		}) >= 3
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, c.countAccounts(0, storer.PMID(), func(rec models.AccountRecord) bool {
		return rec.SpaceGiven > size
	}), "a repeated store is credited once")
}

func TestClusterWatchChargesPayer(t *testing.T) {
	c := newCluster(t, 6)
	c.withSpace(t, 1, 1000)
	payer := c.nodes[1]

	data := []byte("paid for chunk")
	name := crypto.HashHex(data)
	size := uint64(len(data))

	for _, commit := range c.watchAll(t, name, payer.PMID(), size) {
		assert.Equal(t, payer.PMID(), commit.Creditor)
		assert.Zero(t, commit.Overpaid)
	}

	// the first watcher pays for the minimum number of copies
	require.Eventually(t, func() bool {
		return c.countAccounts(1, payer.PMID(), func(rec models.AccountRecord) bool {
			return rec.SpaceTaken == 4*size
		}) >= 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClusterWatchRefusedWithoutSpace(t *testing.T) {
	c := newCluster(t, 6)
	c.withSpace(t, 1, 10)
	payer := c.nodes[1]

	data := []byte("too big for the offer")
	name := crypto.HashHex(data)

	_, errs := c.tryWatchAll(name, payer.PMID(), uint64(len(data)))
	for i, holder := range c.committee(name) {
		require.Error(t, errs[i])
		_, tracked := holder.Chunks().Snapshot(name)
		assert.False(t, tracked)
	}
	assert.Zero(t, c.countAccounts(1, payer.PMID(), func(rec models.AccountRecord) bool {
		return rec.SpaceTaken > 0
	}))
}

func TestClusterRefusesUnwatchedChunk(t *testing.T) {
	c := newCluster(t, 6)
	storer := c.nodes[0]

	data := []byte("nobody asked for this")
	name := crypto.HashHex(data)
	err := storer.StoreChunk(context.Background(), name, data)
	require.ErrorIs(t, err, quorum.ErrResponseFailed)
	assert.False(t, storer.store.Has(name))
}

func TestClusterOfflineVault(t *testing.T) {
	c := newCluster(t, 6)
	c.online[0].Set(false)
	ctx := context.Background()

	data := []byte("offline chunk")
	name := crypto.HashHex(data)
	require.ErrorIs(t, c.nodes[0].StoreChunk(ctx, name, data), quorum.ErrVaultOffline)
	assert.False(t, c.nodes[0].store.Has(name))
	require.ErrorIs(t, c.nodes[0].ReportSpace(ctx, 10), quorum.ErrVaultOffline)
}

func TestClusterTooSmall(t *testing.T) {
	c := newCluster(t, 3)
	err := c.nodes[0].ReportSpace(context.Background(), 1000)
	require.ErrorIs(t, err, quorum.ErrFindNodesTooFew)
}
