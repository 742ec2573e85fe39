package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vault-node/expectation"
	"vault-node/logger"
	"vault-node/models"
)

var ErrAmendmentExpired = errors.New("amendment expired before reaching quorum")

type VoteState int

const (
	VotePending VoteState = iota
	VoteCommitted
	VoteRejected
)

func (s VoteState) String() string {
	switch s {
	case VoteCommitted:
		return "committed"
	case VoteRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// PendingAmendment collects matching votes from distinct peers for one
// amendment until the quorum threshold is reached.
type PendingAmendment struct {
	AccountPMID string
	Type        models.AmendmentType
	ChunkName   string
	Size        uint64

	mu        sync.Mutex
	threshold int
	expected  map[string]struct{} // empty accepts any voter
	voters    map[string]struct{}
	state     VoteState
	err       error
	done      chan struct{}
}

func (p *PendingAmendment) State() VoteState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Votes is the number of distinct voters counted so far.
func (p *PendingAmendment) Votes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.voters)
}

// Wait blocks until the amendment resolves or ctx ends. The error is the
// reason a rejected amendment was refused.
func (p *PendingAmendment) Wait(ctx context.Context) (VoteState, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return VotePending, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.err
}

func (p *PendingAmendment) resolve(state VoteState, err error) {
	p.state = state
	p.err = err
	close(p.done)
}

func (p *PendingAmendment) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != VotePending {
		return
	}
	p.resolve(VoteRejected, ErrAmendmentExpired)
	logger.Logger.Warn("Pending amendment expired",
		logger.ID("account", p.AccountPMID), zap.Stringer("type", p.Type),
		logger.ID("chunk", p.ChunkName), zap.Int("votes", len(p.voters)))
}

func pendingKey(pmid string, t models.AmendmentType, chunkName string, size uint64) string {
	return fmt.Sprintf("%s/%d/%s/%d", pmid, t, chunkName, size)
}

// RegisterAmendmentVote counts voter's request for an amendment. Repeat
// votes from the same peer are ignored. Once enough distinct peers agree
// the amendment is applied and the pending entry is committed or rejected.
// Votes arriving after resolution do not apply it again.
func (h *Holder) RegisterAmendmentVote(pmid string, t models.AmendmentType, chunkName, voter string, size uint64) (VoteState, *PendingAmendment, error) {
	if err := checkAmendment(t, size, chunkName); err != nil {
		return VotePending, nil, err
	}
	if voter == "" {
		return VotePending, nil, ErrUnexpectedVoter
	}

	p, err := h.pendingFor(pmid, t, chunkName, size)
	if err != nil {
		return VotePending, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != VotePending {
		return p.state, p, nil
	}
	if len(p.expected) > 0 {
		if _, ok := p.expected[voter]; !ok {
			logger.Logger.Warn("Unexpected amendment voter",
				logger.ID("account", pmid), logger.ID("voter", voter), zap.Stringer("type", t))
			return VotePending, p, ErrUnexpectedVoter
		}
	}
	p.voters[voter] = struct{}{}
	if len(p.voters) < p.threshold {
		return VotePending, p, nil
	}

	applyErr := h.ApplyAmendment(pmid, t, size, chunkName)
	if applyErr != nil {
		p.resolve(VoteRejected, applyErr)
		logger.Logger.Info("Amendment rejected",
			logger.ID("account", pmid), zap.Stringer("type", t), zap.Error(applyErr))
	} else {
		p.resolve(VoteCommitted, nil)
		logger.Logger.Info("Amendment committed",
			logger.ID("account", pmid), zap.Stringer("type", t), zap.Uint64("size", size))
	}
	if chunkName != "" {
		h.recordResult(pmid, models.AmendmentResult{
			AmendmentType: t,
			ChunkName:     chunkName,
			Result:        models.ResultFor(applyErr),
		})
	}
	return p.state, p, nil
}

func (h *Holder) pendingFor(pmid string, t models.AmendmentType, chunkName string, size uint64) (*PendingAmendment, error) {
	key := pendingKey(pmid, t, chunkName, size)

	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	if v, found := h.pending.Get(key); found {
		return v.(*PendingAmendment), nil
	}

	h.pending.DeleteExpired()
	if h.cfg.MaxPending > 0 && h.pending.ItemCount() >= h.cfg.MaxPending {
		return nil, ErrTooManyAmendments
	}
	if h.cfg.MaxRepeated > 0 && h.pendingCountFor(pmid) >= h.cfg.MaxRepeated {
		return nil, ErrTooManyAmendments
	}

	p := &PendingAmendment{
		AccountPMID: pmid,
		Type:        t,
		ChunkName:   chunkName,
		Size:        size,
		threshold:   h.cfg.StoreThreshold,
		expected:    make(map[string]struct{}),
		voters:      make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	if h.expect != nil {
		ids := h.expect.GetExpectedCallersIDs(expectation.Key{AmendmentType: t, ChunkName: chunkName, AccountPMID: pmid})
		for _, id := range ids {
			p.expected[id] = struct{}{}
		}
		if len(p.expected) > 0 && len(p.expected) < p.threshold {
			p.threshold = len(p.expected)
		}
	}
	h.pending.Set(key, p, cache.DefaultExpiration)
	return p, nil
}

func (h *Holder) pendingCountFor(pmid string) int {
	n := 0
	for _, item := range h.pending.Items() {
		if item.Object.(*PendingAmendment).AccountPMID == pmid {
			n++
		}
	}
	return n
}

// PendingCount is the number of amendments awaiting or recently past quorum.
func (h *Holder) PendingCount() int {
	return h.pending.ItemCount()
}

func (h *Holder) recordResult(pmid string, res models.AmendmentResult) {
	h.resultsMu.Lock()
	defer h.resultsMu.Unlock()
	var list []models.AmendmentResult
	if v, found := h.results.Get(pmid); found {
		list = v.([]models.AmendmentResult)
	}
	h.results.Set(pmid, append(list, res), cache.DefaultExpiration)
}

// TakeAmendmentResults hands out the resolved chunk amendments of an
// account once.
func (h *Holder) TakeAmendmentResults(pmid string) []models.AmendmentResult {
	h.resultsMu.Lock()
	defer h.resultsMu.Unlock()
	v, found := h.results.Get(pmid)
	if !found {
		return nil
	}
	h.results.Delete(pmid)
	return v.([]models.AmendmentResult)
}

// CleanUp drops expired pending amendments and results.
func (h *Holder) CleanUp() {
	h.pendingMu.Lock()
	h.pending.DeleteExpired()
	h.pendingMu.Unlock()
	h.results.DeleteExpired()
}
