package chunkinfo

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"vault-node/logger"
)

var (
	ErrInvalidName      = errors.New("invalid chunk name")
	ErrInvalidSize      = errors.New("invalid chunk size")
	ErrSizeMismatch     = errors.New("chunk size does not match recorded size")
	ErrNotFound         = errors.New("peer not found for chunk")
	ErrNoActiveWatchers = errors.New("chunk has no active watchers")
	ErrRefExists        = errors.New("peer already in reference list")
	ErrCannotDelete     = errors.New("cannot remove last reference while watchers remain")
	ErrAlreadyWatching  = errors.New("peer already in watch list")
)

type Config struct {
	MinChunkCopies int
	MaxWatchCopies int
	WaitingTimeout time.Duration
}

// WaitingEntry is a peer that asked to store a chunk and has not been
// promoted to the watch list yet.
type WaitingEntry struct {
	PeerID             string    `json:"peer_id"`
	Size               uint64    `json:"size"`
	StoringDone        bool      `json:"storing_done"`
	PaymentDone        bool      `json:"payment_done"`
	RequiredReferences int       `json:"required_references"`
	RequiredPayments   int       `json:"required_payments"`
	Created            time.Time `json:"created"`
}

// Snapshot is a copy of one chunk's lists.
type Snapshot struct {
	ChunkName  string         `json:"chunk_name"`
	Size       uint64         `json:"size"`
	Waiting    []WaitingEntry `json:"waiting"`
	Watch      []string       `json:"watch"`
	References []string       `json:"references"`
}

type chunkInfo struct {
	mu      sync.Mutex
	removed bool
	size    uint64
	waiting []*WaitingEntry
	watch   []string // oldest first
	refs    []string
	lineage map[string]struct{} // every peer ever promoted to the watch list
}

func (ci *chunkInfo) empty() bool {
	return len(ci.waiting) == 0 && len(ci.watch) == 0 && len(ci.refs) == 0
}

func (ci *chunkInfo) waitingIndex(peer string) int {
	for i, e := range ci.waiting {
		if e.PeerID == peer {
			return i
		}
	}
	return -1
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func removeAt(list []string, i int) []string {
	return append(list[:i:i], list[i+1:]...)
}

// Holder tracks the waiting, watch and reference lists of every chunk this
// vault is an account holder for. Each chunk has its own lock.
type Holder struct {
	cfg    Config
	mu     sync.RWMutex
	chunks map[string]*chunkInfo
	now    func() time.Time
}

func NewHolder(cfg Config) *Holder {
	if cfg.MinChunkCopies < 1 {
		cfg.MinChunkCopies = 1
	}
	if cfg.MaxWatchCopies < cfg.MinChunkCopies {
		cfg.MaxWatchCopies = cfg.MinChunkCopies
	}
	return &Holder{
		cfg:    cfg,
		chunks: make(map[string]*chunkInfo),
		now:    time.Now,
	}
}

// lockExisting returns the locked entry for name, or nil when absent.
func (h *Holder) lockExisting(name string) *chunkInfo {
	h.mu.RLock()
	ci := h.chunks[name]
	h.mu.RUnlock()
	if ci == nil {
		return nil
	}
	ci.mu.Lock()
	if ci.removed {
		ci.mu.Unlock()
		return nil
	}
	return ci
}

// lockOrCreate returns the locked entry for name, creating it if needed.
func (h *Holder) lockOrCreate(name string) *chunkInfo {
	for {
		h.mu.Lock()
		ci := h.chunks[name]
		if ci == nil {
			ci = &chunkInfo{lineage: make(map[string]struct{})}
			h.chunks[name] = ci
		}
		h.mu.Unlock()

		ci.mu.Lock()
		if !ci.removed {
			return ci
		}
		ci.mu.Unlock()
		h.forget(name, ci)
	}
}

// release unlocks ci and drops it from the map once every list is empty.
func (h *Holder) release(name string, ci *chunkInfo) {
	gc := ci.empty()
	if gc {
		ci.removed = true
	}
	ci.mu.Unlock()
	if gc {
		h.forget(name, ci)
		logger.Logger.Debug("Chunk info released", logger.ID("chunk", name))
	}
}

func (h *Holder) forget(name string, ci *chunkInfo) {
	h.mu.Lock()
	if h.chunks[name] == ci {
		delete(h.chunks, name)
	}
	h.mu.Unlock()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// PrepareAddToWatchList registers peer as waiting to store the chunk and
// returns the number of references and payments its commit requires. The
// first caller fixes the chunk size. Repeating the call for a waiting peer
// returns the thresholds computed the first time.
func (h *Holder) PrepareAddToWatchList(name, peer string, size uint64) (requiredReferences, requiredPayments int, err error) {
	if name == "" || peer == "" {
		return 0, 0, ErrInvalidName
	}
	if size == 0 {
		return 0, 0, ErrInvalidSize
	}

	ci := h.lockOrCreate(name)
	defer h.release(name, ci)

	if ci.size != 0 && ci.size != size {
		return 0, 0, ErrSizeMismatch
	}
	if indexOf(ci.watch, peer) >= 0 {
		return 0, 0, ErrAlreadyWatching
	}
	if i := ci.waitingIndex(peer); i >= 0 {
		e := ci.waiting[i]
		return e.RequiredReferences, e.RequiredPayments, nil
	}

	requiredPayments = 1
	if len(ci.watch) == 0 {
		requiredPayments = h.cfg.MinChunkCopies
	}
	requiredReferences = ceilDiv(h.cfg.MinChunkCopies, 4)
	if len(ci.watch) < 2 {
		requiredReferences = ceilDiv(h.cfg.MinChunkCopies, 2)
	}

	ci.size = size
	ci.waiting = append(ci.waiting, &WaitingEntry{
		PeerID:             peer,
		Size:               size,
		RequiredReferences: requiredReferences,
		RequiredPayments:   requiredPayments,
		Created:            h.now(),
	})
	return requiredReferences, requiredPayments, nil
}

func (h *Holder) markWaiting(name, peer string, mark func(*WaitingEntry)) error {
	ci := h.lockExisting(name)
	if ci == nil {
		return ErrInvalidName
	}
	defer h.release(name, ci)

	i := ci.waitingIndex(peer)
	if i < 0 {
		return ErrNotFound
	}
	mark(ci.waiting[i])
	return nil
}

// SetStoringDone records that peer has stored the chunk.
func (h *Holder) SetStoringDone(name, peer string) error {
	return h.markWaiting(name, peer, func(e *WaitingEntry) { e.StoringDone = true })
}

// SetPaymentsDone records that peer has paid for the chunk.
func (h *Holder) SetPaymentsDone(name, peer string) error {
	return h.markWaiting(name, peer, func(e *WaitingEntry) { e.PaymentDone = true })
}

// Commit is the settlement of one watch list commit. Creditor is owed
// Refunds copies. Overpaid is what the committing peer paid at prepare time
// beyond what the commit needed, which happens when another peer committed
// first.
type Commit struct {
	Creditor string `json:"creditor,omitempty"`
	Refunds  int    `json:"refunds"`
	Overpaid int    `json:"overpaid"`
}

// TryCommitToWatchList promotes a waiting peer whose storing and payment are
// both done. The first storer credits itself, a full watch list evicts and
// refunds its oldest member, and below the minimum copy count the first
// watcher is refunded the copy the new peer pays for.
func (h *Holder) TryCommitToWatchList(name, peer string) (Commit, bool) {
	ci := h.lockExisting(name)
	if ci == nil {
		return Commit{}, false
	}
	defer h.release(name, ci)

	i := ci.waitingIndex(peer)
	if i < 0 {
		return Commit{}, false
	}
	e := ci.waiting[i]
	if !e.StoringDone || !e.PaymentDone {
		return Commit{}, false
	}
	ci.waiting = append(ci.waiting[:i:i], ci.waiting[i+1:]...)

	var c Commit
	needed := 1
	switch {
	case len(ci.watch) == 0:
		c.Creditor = peer
		needed = h.cfg.MinChunkCopies
	case len(ci.watch) >= h.cfg.MaxWatchCopies:
		c.Creditor = ci.watch[0]
		c.Refunds = 1
		ci.watch = removeAt(ci.watch, 0)
		logger.Logger.Debug("Evicted oldest watcher",
			logger.ID("chunk", name), logger.ID("evicted", c.Creditor))
	case len(ci.watch) < h.cfg.MinChunkCopies:
		c.Creditor = ci.watch[0]
		c.Refunds = 1
	}
	if e.RequiredPayments > needed {
		c.Overpaid = e.RequiredPayments - needed
	}

	ci.watch = append(ci.watch, peer)
	ci.lineage[peer] = struct{}{}
	return c, true
}

// ResetAddToWatchList drops a waiting peer after its store or payment failed.
func (h *Holder) ResetAddToWatchList(name, peer, reason string) error {
	ci := h.lockExisting(name)
	if ci == nil {
		return ErrInvalidName
	}
	defer h.release(name, ci)

	i := ci.waitingIndex(peer)
	if i < 0 {
		return ErrNotFound
	}
	ci.waiting = append(ci.waiting[:i:i], ci.waiting[i+1:]...)
	logger.Logger.Info("Reset waiting peer",
		logger.ID("chunk", name), logger.ID("peer", peer), zap.String("reason", reason))
	return nil
}

// RemoveFromWatchList removes an active watcher. The removed peer is
// returned as a creditor while at least the minimum number of copies
// remains. Removing the last watcher hands back every reference so the
// copies can be deleted.
func (h *Holder) RemoveFromWatchList(name, peer string) (size uint64, creditors, references []string, err error) {
	ci := h.lockExisting(name)
	if ci == nil {
		return 0, nil, nil, ErrInvalidName
	}
	defer h.release(name, ci)

	i := indexOf(ci.watch, peer)
	if i < 0 {
		return 0, nil, nil, ErrNotFound
	}
	ci.watch = removeAt(ci.watch, i)
	size = ci.size

	if len(ci.watch) >= h.cfg.MinChunkCopies {
		creditors = []string{peer}
	}
	if len(ci.watch) == 0 {
		references = ci.refs
		ci.refs = nil
		ci.lineage = make(map[string]struct{})
	}
	return size, creditors, references, nil
}

// AddToReferenceList records that peer proved it holds the chunk. Only
// peers that have been on the watch list may be referenced.
func (h *Holder) AddToReferenceList(name, peer string, size uint64) error {
	ci := h.lockExisting(name)
	if ci == nil {
		return ErrInvalidName
	}
	defer h.release(name, ci)

	if size != ci.size {
		return ErrSizeMismatch
	}
	if _, ok := ci.lineage[peer]; !ok {
		return ErrNotFound
	}
	if indexOf(ci.refs, peer) >= 0 {
		return ErrRefExists
	}
	ci.refs = append(ci.refs, peer)
	return nil
}

// RemoveFromReferenceList drops peer's reference. The last reference cannot
// be removed while the chunk is still watched.
func (h *Holder) RemoveFromReferenceList(name, peer string) (uint64, error) {
	ci := h.lockExisting(name)
	if ci == nil {
		return 0, ErrInvalidName
	}
	defer h.release(name, ci)

	i := indexOf(ci.refs, peer)
	if i < 0 {
		return 0, ErrNotFound
	}
	if len(ci.refs) == 1 && len(ci.watch) > 0 {
		return 0, ErrCannotDelete
	}
	ci.refs = removeAt(ci.refs, i)
	return ci.size, nil
}

// GetChunkReferences returns the peers holding the chunk. A chunk nobody
// currently watches cannot vouch for its references.
func (h *Holder) GetChunkReferences(name string) ([]string, error) {
	ci := h.lockExisting(name)
	if ci == nil {
		return nil, ErrInvalidName
	}
	defer ci.mu.Unlock()

	if len(ci.watch) == 0 {
		return nil, ErrNoActiveWatchers
	}
	refs := make([]string, len(ci.refs))
	copy(refs, ci.refs)
	return refs, nil
}

func (h *Holder) HasWatchers(name string) bool {
	ci := h.lockExisting(name)
	if ci == nil {
		return false
	}
	defer ci.mu.Unlock()
	return len(ci.watch) > 0
}

// ActiveReferences is the reference count of a watched chunk, zero otherwise.
func (h *Holder) ActiveReferences(name string) int {
	ci := h.lockExisting(name)
	if ci == nil {
		return 0
	}
	defer ci.mu.Unlock()
	if len(ci.watch) == 0 {
		return 0
	}
	return len(ci.refs)
}

// PruneWaitingLists discards waiting entries older than the waiting timeout
// and returns how many were dropped.
func (h *Holder) PruneWaitingLists(now time.Time) int {
	h.mu.RLock()
	names := make([]string, 0, len(h.chunks))
	for name := range h.chunks {
		names = append(names, name)
	}
	h.mu.RUnlock()

	pruned := 0
	for _, name := range names {
		ci := h.lockExisting(name)
		if ci == nil {
			continue
		}
		kept := ci.waiting[:0]
		for _, e := range ci.waiting {
			if now.Sub(e.Created) > h.cfg.WaitingTimeout {
				pruned++
				continue
			}
			kept = append(kept, e)
		}
		ci.waiting = kept
		h.release(name, ci)
	}
	if pruned > 0 {
		logger.Logger.Info("Pruned waiting list entries", zap.Int("count", pruned))
	}
	return pruned
}

// Snapshot copies the state of one chunk.
func (h *Holder) Snapshot(name string) (Snapshot, bool) {
	ci := h.lockExisting(name)
	if ci == nil {
		return Snapshot{}, false
	}
	defer ci.mu.Unlock()

	s := Snapshot{
		ChunkName:  name,
		Size:       ci.size,
		Waiting:    make([]WaitingEntry, 0, len(ci.waiting)),
		Watch:      append([]string(nil), ci.watch...),
		References: append([]string(nil), ci.refs...),
	}
	for _, e := range ci.waiting {
		s.Waiting = append(s.Waiting, *e)
	}
	return s, true
}

// Len is the number of chunks currently tracked.
func (h *Holder) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chunks)
}
