package account

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vault-node/expectation"
	"vault-node/logger"
	"vault-node/models"
	"vault-node/repository"
)

var (
	ErrAccountExists        = errors.New("account already exists")
	ErrAccountNotFound      = errors.New("account not found")
	ErrNotEnoughSpace       = errors.New("not enough space")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidAmendmentType = errors.New("invalid amendment type")
	ErrMissingChunkName     = errors.New("amendment requires a chunk name")
	ErrEmptyAlert           = errors.New("empty alert")
	ErrUnexpectedVoter      = errors.New("voter not expected for amendment")
	ErrTooManyAmendments    = errors.New("too many pending amendments")
)

// Expectations supplies the peers expected to vote on an amendment.
type Expectations interface {
	GetExpectedCallersIDs(key expectation.Key) []string
}

type Config struct {
	StoreThreshold   int
	AmendmentTimeout time.Duration
	MaxPending       int
	MaxRepeated      int // pending amendments per account
}

type record struct {
	mu      sync.Mutex
	removed bool
	rec     models.AccountRecord
}

// Holder is the ledger of every account this vault holds. Each account
// has its own lock and every change is persisted before it becomes visible.
type Holder struct {
	cfg      Config
	store    repository.AccountRepositoryInterface
	expect   Expectations
	mu       sync.RWMutex
	accounts map[string]*record

	pendingMu sync.Mutex
	pending   *cache.Cache

	resultsMu sync.Mutex
	results   *cache.Cache
}

func NewHolder(cfg Config, store repository.AccountRepositoryInterface, expect Expectations) *Holder {
	if cfg.StoreThreshold < 1 {
		cfg.StoreThreshold = 1
	}
	if cfg.AmendmentTimeout <= 0 {
		cfg.AmendmentTimeout = 2 * time.Minute
	}
	h := &Holder{
		cfg:      cfg,
		store:    store,
		expect:   expect,
		accounts: make(map[string]*record),
		pending:  cache.New(cfg.AmendmentTimeout, cfg.AmendmentTimeout),
		results:  cache.New(cfg.AmendmentTimeout, cfg.AmendmentTimeout),
	}
	h.pending.OnEvicted(func(_ string, v interface{}) {
		v.(*PendingAmendment).expire()
	})
	return h
}

// Load restores the ledger from the store.
func (h *Holder) Load() error {
	recs, err := h.store.GetAllAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range recs {
		h.accounts[rec.PMID] = &record{rec: *rec}
	}
	logger.Logger.Info("Loaded accounts", zap.Int("count", len(recs)))
	return nil
}

func (h *Holder) lockExisting(pmid string) *record {
	h.mu.RLock()
	r := h.accounts[pmid]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return nil
	}
	return r
}

func (h *Holder) create(pmid string, offer uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.accounts[pmid]; ok {
		return ErrAccountExists
	}
	rec := models.AccountRecord{PMID: pmid, SpaceOffered: offer}
	if err := h.store.PutAccount(&rec); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	h.accounts[pmid] = &record{rec: rec}
	logger.Logger.Info("Account created", logger.ID("account", pmid), zap.Uint64("offered", offer))
	return nil
}

// AddAccount creates an account offering offer bytes.
func (h *Holder) AddAccount(pmid string, offer uint64) error {
	if pmid == "" {
		return ErrAccountNotFound
	}
	return h.create(pmid, offer)
}

func (h *Holder) HaveAccount(pmid string) bool {
	r := h.lockExisting(pmid)
	if r == nil {
		return false
	}
	r.mu.Unlock()
	return true
}

func (h *Holder) DeleteAccount(pmid string) error {
	r := h.lockExisting(pmid)
	if r == nil {
		return ErrAccountNotFound
	}
	if err := h.store.DeleteAccount(pmid); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("delete account: %w", err)
	}
	r.removed = true
	r.mu.Unlock()

	h.mu.Lock()
	if h.accounts[pmid] == r {
		delete(h.accounts, pmid)
	}
	h.mu.Unlock()
	return nil
}

func (h *Holder) GetAccountStatus(pmid string) (models.AccountStatus, error) {
	r := h.lockExisting(pmid)
	if r == nil {
		return models.AccountStatus{}, ErrAccountNotFound
	}
	defer r.mu.Unlock()
	return models.AccountStatus{
		SpaceOffered: r.rec.SpaceOffered,
		SpaceGiven:   r.rec.SpaceGiven,
		SpaceTaken:   r.rec.SpaceTaken,
	}, nil
}

// GetAccount returns a copy of the full record.
func (h *Holder) GetAccount(pmid string) (models.AccountRecord, error) {
	r := h.lockExisting(pmid)
	if r == nil {
		return models.AccountRecord{}, ErrAccountNotFound
	}
	defer r.mu.Unlock()
	rec := r.rec
	rec.Alerts = append([]string(nil), r.rec.Alerts...)
	return rec, nil
}

func (h *Holder) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts)
}

func checkAmendment(t models.AmendmentType, size uint64, chunkName string) error {
	if !t.Valid() {
		return ErrInvalidAmendmentType
	}
	if t.RequiresChunkName() {
		if size == 0 {
			return ErrInvalidAmount
		}
		if chunkName == "" {
			return ErrMissingChunkName
		}
	}
	return nil
}

// amended computes the record after applying one amendment.
func amended(rec models.AccountRecord, t models.AmendmentType, size uint64) (models.AccountRecord, error) {
	switch t {
	case models.SpaceOffered:
		if size < rec.SpaceGiven || size < rec.SpaceTaken {
			return rec, ErrNotEnoughSpace
		}
		rec.SpaceOffered = size
	case models.SpaceGivenInc, models.SpaceTakenInc:
		cur := &rec.SpaceGiven
		if t == models.SpaceTakenInc {
			cur = &rec.SpaceTaken
		}
		if size > math.MaxUint64-*cur {
			return rec, ErrInvalidAmount
		}
		if *cur+size > rec.SpaceOffered {
			return rec, ErrNotEnoughSpace
		}
		*cur += size
	case models.SpaceGivenDec, models.SpaceTakenDec:
		cur := &rec.SpaceGiven
		if t == models.SpaceTakenDec {
			cur = &rec.SpaceTaken
		}
		if size > *cur {
			return rec, ErrInvalidAmount
		}
		*cur -= size
	default:
		return rec, ErrInvalidAmendmentType
	}
	return rec, nil
}

// ApplyAmendment applies one amendment directly. SpaceOffered creates the
// account when it does not exist. A failed amendment leaves the account
// unchanged.
func (h *Holder) ApplyAmendment(pmid string, t models.AmendmentType, size uint64, chunkName string) error {
	if err := checkAmendment(t, size, chunkName); err != nil {
		return err
	}
	for {
		r := h.lockExisting(pmid)
		if r == nil {
			if t != models.SpaceOffered {
				return ErrAccountNotFound
			}
			err := h.create(pmid, size)
			if errors.Is(err, ErrAccountExists) {
				continue
			}
			return err
		}
		err := h.update(r, func(rec models.AccountRecord) (models.AccountRecord, error) {
			return amended(rec, t, size)
		})
		r.mu.Unlock()
		if err != nil {
			logger.Logger.Debug("Amendment refused",
				logger.ID("account", pmid), zap.Stringer("type", t), zap.Uint64("size", size), zap.Error(err))
		}
		return err
	}
}

// update persists the mutated record and then publishes it. r must be locked.
func (h *Holder) update(r *record, mutate func(models.AccountRecord) (models.AccountRecord, error)) error {
	next, err := mutate(r.rec)
	if err != nil {
		return err
	}
	if err := h.store.PutAccount(&next); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	r.rec = next
	return nil
}

func (h *Holder) AddAlert(pmid, alert string) error {
	if alert == "" {
		return ErrEmptyAlert
	}
	r := h.lockExisting(pmid)
	if r == nil {
		return ErrAccountNotFound
	}
	defer r.mu.Unlock()
	return h.update(r, func(rec models.AccountRecord) (models.AccountRecord, error) {
		rec.Alerts = append(append([]string(nil), rec.Alerts...), alert)
		return rec, nil
	})
}

// TakeAlerts returns and clears the alerts of an account.
func (h *Holder) TakeAlerts(pmid string) ([]string, error) {
	r := h.lockExisting(pmid)
	if r == nil {
		return nil, ErrAccountNotFound
	}
	defer r.mu.Unlock()
	alerts := r.rec.Alerts
	if len(alerts) == 0 {
		return nil, nil
	}
	err := h.update(r, func(rec models.AccountRecord) (models.AccountRecord, error) {
		rec.Alerts = nil
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}
