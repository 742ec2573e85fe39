package kadops

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"vault-node/logger"
	"vault-node/models"
)

// StaticTable answers lookups from a fixed set of known contacts ordered by
// XOR distance. It does not route.
type StaticTable struct {
	self     models.Contact
	k        int
	mu       sync.RWMutex
	contacts map[string]models.Contact
	local    map[string]struct{}
}

func NewStaticTable(self models.Contact, k int, peers []models.Contact) *StaticTable {
	t := &StaticTable{
		self:     self,
		k:        k,
		contacts: make(map[string]models.Contact),
		local:    make(map[string]struct{}),
	}
	for _, p := range peers {
		t.Add(p)
	}
	return t
}

// Add registers a contact. The table never lists itself.
func (t *StaticTable) Add(c models.Contact) {
	if c.ID == "" || c.ID == t.self.ID {
		return
	}
	t.mu.Lock()
	t.contacts[c.ID] = c
	t.mu.Unlock()
}

func (t *StaticTable) Remove(id string) {
	t.mu.Lock()
	delete(t.contacts, id)
	t.mu.Unlock()
}

// MarkLocal flags a contact as reachable in-process.
func (t *StaticTable) MarkLocal(id string) {
	t.mu.Lock()
	t.local[id] = struct{}{}
	t.mu.Unlock()
}

func (t *StaticTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contacts)
}

func (t *StaticTable) K() int {
	return t.k
}

func (t *StaticTable) Contact() models.Contact {
	return t.self
}

func (t *StaticTable) AddressIsLocal(c models.Contact) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.local[c.ID]
	return ok
}

// Closest returns up to K known contacts ordered by distance to key.
func (t *StaticTable) Closest(key string) []models.Contact {
	t.mu.RLock()
	all := make([]models.Contact, 0, len(t.contacts))
	for _, c := range t.contacts {
		all = append(all, c)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di, dj := distance(all[i].ID, key), distance(all[j].ID, key)
		if closer(di, dj) {
			return true
		}
		if closer(dj, di) {
			return false
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > t.k {
		all = all[:t.k]
	}
	return all
}

func (t *StaticTable) FindKClosestNodes(ctx context.Context, key string, cb func([]byte)) {
	go func() {
		resp := FindNodesResponse{Result: models.Ack}
		if ctx.Err() != nil || distance(key, key) == nil {
			resp = FindNodesResponse{Result: models.Nack}
		} else {
			resp.Contacts = t.Closest(key)
		}
		data, err := resp.Marshal()
		if err != nil {
			logger.Logger.Error("Failed to encode find nodes response", zap.Error(err))
			data = nil
		}
		cb(data)
	}()
}
