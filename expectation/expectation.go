package expectation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vault-node/logger"
	"vault-node/models"
)

var ErrTooManyExpectations = errors.New("too many pending expectations")

// Key identifies one expected amendment.
type Key struct {
	AmendmentType models.AmendmentType
	ChunkName     string
	AccountPMID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.AccountPMID, k.AmendmentType, k.ChunkName)
}

type Config struct {
	Timeout     time.Duration
	Max         int
	MaxRepeated int // per account
}

type entry struct {
	key     Key
	callers []string
}

// Handler remembers which peers are expected to send a given amendment.
// Entries expire after the configured timeout.
type Handler struct {
	cfg   Config
	mu    sync.Mutex
	items *cache.Cache
}

func NewHandler(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Handler{
		cfg:   cfg,
		items: cache.New(cfg.Timeout, cfg.Timeout),
	}
}

// ExpectAmendment replaces the expected callers for key. An empty list
// removes the expectation.
func (h *Handler) ExpectAmendment(key Key, callers []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := key.String()
	if len(callers) == 0 {
		h.items.Delete(id)
		return nil
	}

	if _, found := h.items.Get(id); !found {
		h.items.DeleteExpired()
		if h.cfg.Max > 0 && h.items.ItemCount() >= h.cfg.Max {
			return ErrTooManyExpectations
		}
		if h.cfg.MaxRepeated > 0 && h.countFor(key.AccountPMID) >= h.cfg.MaxRepeated {
			logger.Logger.Warn("Expectation limit reached for account",
				logger.ID("account", key.AccountPMID), zap.Int("limit", h.cfg.MaxRepeated))
			return ErrTooManyExpectations
		}
	}

	h.items.Set(id, &entry{key: key, callers: append([]string(nil), callers...)}, cache.DefaultExpiration)
	return nil
}

func (h *Handler) countFor(pmid string) int {
	n := 0
	for _, item := range h.items.Items() {
		if item.Object.(*entry).key.AccountPMID == pmid {
			n++
		}
	}
	return n
}

// GetExpectedCallersIDs returns the most recently registered callers for
// key, or nil when none are registered.
func (h *Handler) GetExpectedCallersIDs(key Key) []string {
	v, found := h.items.Get(key.String())
	if !found {
		return nil
	}
	return append([]string(nil), v.(*entry).callers...)
}

// CleanUp drops expired expectations.
func (h *Handler) CleanUp() {
	h.items.DeleteExpired()
}

func (h *Handler) Clear() {
	h.items.Flush()
}

func (h *Handler) Len() int {
	return h.items.ItemCount()
}
