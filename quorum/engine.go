package quorum

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"vault-node/crypto"
	"vault-node/kadops"
	"vault-node/logger"
	"vault-node/models"
	"vault-node/rpc"
	"vault-node/validator"
)

// OnlineStatus reports whether this vault considers itself connected.
type OnlineStatus interface {
	Online() bool
}

// AtomicOnline is an OnlineStatus that can be flipped at runtime.
type AtomicOnline struct {
	v atomic.Bool
}

func NewAtomicOnline(online bool) *AtomicOnline {
	o := &AtomicOnline{}
	o.v.Store(online)
	return o
}

func (o *AtomicOnline) Online() bool {
	return o.v.Load()
}

func (o *AtomicOnline) Set(online bool) {
	o.v.Store(online)
}

type Config struct {
	StoreThreshold int
	TrustThreshold int
	RPCTimeout     time.Duration
	MaxParallel    int
}

// Engine drives remote operations that need a quorum of the K closest
// vaults to a key.
type Engine struct {
	cfg    Config
	kad    kadops.KadOps
	rpcs   rpc.Dispatcher
	crypto crypto.Crypto
	keys   *crypto.Keyring
	online OnlineStatus
	sem    *semaphore.Weighted
}

func NewEngine(cfg Config, kad kadops.KadOps, rpcs rpc.Dispatcher, c crypto.Crypto, keys *crypto.Keyring, online OnlineStatus) *Engine {
	if cfg.StoreThreshold < 1 {
		cfg.StoreThreshold = 1
	}
	if cfg.TrustThreshold < 1 || cfg.TrustThreshold > cfg.StoreThreshold {
		cfg.TrustThreshold = cfg.StoreThreshold
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Engine{
		cfg:    cfg,
		kad:    kad,
		rpcs:   rpcs,
		crypto: c,
		keys:   keys,
		online: online,
		sem:    semaphore.NewWeighted(int64(cfg.MaxParallel)),
	}
}

func (e *Engine) threshold(p Policy) int {
	if p == TrustPolicy {
		return e.cfg.TrustThreshold
	}
	return e.cfg.StoreThreshold
}

// AddToRemoteRefList asks the holders of a chunk to add this vault's store
// contract to their reference lists. foundLocal is this vault's own outcome
// when it is one of the holders.
func (e *Engine) AddToRemoteRefList(ctx context.Context, req models.AddToReferenceListRequest, foundLocal error, cb Callback) {
	e.start(ctx, &refListStrategy{req: req}, foundLocal, cb)
}

// AmendRemoteAccount asks the holders of an account to apply an amendment.
func (e *Engine) AmendRemoteAccount(ctx context.Context, req models.AmendAccountRequest, foundLocal error, cb Callback) {
	e.start(ctx, &amendAccountStrategy{req: req}, foundLocal, cb)
}

// RemoteVaultAbleToStore asks the holders of an account whether it can
// take req.SpaceRequested more bytes.
func (e *Engine) RemoteVaultAbleToStore(ctx context.Context, req models.AccountStatusRequest, foundLocal error, cb Callback) {
	e.start(ctx, &accountStatusStrategy{req: req}, foundLocal, cb)
}

// ExpectRemoteAmendment tells the holders of an account which vaults will
// vote on an amendment of it.
func (e *Engine) ExpectRemoteAmendment(ctx context.Context, req models.ExpectAmendmentRequest, foundLocal error, cb Callback) {
	e.start(ctx, &expectAmendmentStrategy{req: req}, foundLocal, cb)
}

func wait(run func(Callback)) error {
	ch := make(chan error, 1)
	run(func(err error) { ch <- err })
	return <-ch
}

func (e *Engine) AddToRemoteRefListSync(ctx context.Context, req models.AddToReferenceListRequest, foundLocal error) error {
	return wait(func(cb Callback) { e.AddToRemoteRefList(ctx, req, foundLocal, cb) })
}

func (e *Engine) AmendRemoteAccountSync(ctx context.Context, req models.AmendAccountRequest, foundLocal error) error {
	return wait(func(cb Callback) { e.AmendRemoteAccount(ctx, req, foundLocal, cb) })
}

func (e *Engine) ExpectRemoteAmendmentSync(ctx context.Context, req models.ExpectAmendmentRequest, foundLocal error) error {
	return wait(func(cb Callback) { e.ExpectRemoteAmendment(ctx, req, foundLocal, cb) })
}

func (e *Engine) RemoteVaultAbleToStoreSync(ctx context.Context, req models.AccountStatusRequest, foundLocal error) error {
	return wait(func(cb Callback) { e.RemoteVaultAbleToStore(ctx, req, foundLocal, cb) })
}

// start checks the online precondition synchronously and then runs the
// operation in the background.
func (e *Engine) start(ctx context.Context, s strategy, foundLocal error, cb Callback) {
	if !e.online.Online() {
		logger.Logger.Warn("Remote operation refused while offline", zap.String("op", s.name()))
		cb(ErrVaultOffline)
		return
	}

	p := s.policy()
	op := newRemoteOp(uuid.NewString(), s.kadKey(), p, e.threshold(p), cb)
	op.state = stateLookupPending
	logger.Logger.Debug("Remote operation started",
		zap.String("op", s.name()), zap.String("op_id", op.id), logger.ID("key", op.kadKey))

	var once sync.Once
	e.kad.FindKClosestNodes(ctx, op.kadKey, func(resp []byte) {
		once.Do(func() { e.stageTwo(ctx, s, op, foundLocal, resp) })
	})
}

func (e *Engine) fire(s strategy, op *remoteOp, result error) {
	success, failure, total := op.tallies()
	fields := []zap.Field{
		zap.String("op", s.name()), zap.String("op_id", op.id), logger.ID("key", op.kadKey),
		zap.Int("success", success), zap.Int("failure", failure), zap.Int("total", total),
	}
	if result != nil {
		logger.Logger.Info("Remote operation failed", append(fields, zap.Error(result))...)
	} else {
		logger.Logger.Info("Remote operation succeeded", fields...)
	}
	op.callback(result)
}

// abort resolves the operation before any vote has been counted.
func (e *Engine) abort(s strategy, op *remoteOp, result error) {
	if op.finish() {
		e.fire(s, op, result)
	}
}

func lookupError(err error) error {
	if errors.Is(err, kadops.ErrLookupFailed) {
		return ErrFindNodesFailure
	}
	return ErrFindNodesError
}

// stageTwo turns the lookup result into the voting committee and fans out.
func (e *Engine) stageTwo(ctx context.Context, s strategy, op *remoteOp, foundLocal error, resp []byte) {
	contacts, err := kadops.ParseFindNodesResponse(resp)
	if err != nil {
		logger.Logger.Warn("Kademlia lookup failed",
			zap.String("op", s.name()), zap.String("op_id", op.id), zap.Error(err))
		e.abort(s, op, lookupError(err))
		return
	}

	less := 0
	if subject := s.subject(); subject != "" {
		var removed bool
		if contacts, removed = kadops.RemoveContact(contacts, subject); removed {
			less++
		}
	}

	self := e.kad.Contact()
	contacts, _ = kadops.RemoveContact(contacts, self.ID)

	k := e.kad.K()
	selfVote := false
	if self.ID != s.subject() && kadops.ContactWithinClosest(op.kadKey, self.ID, contacts) {
		selfVote = true
		for len(contacts) > 0 && len(contacts)+less+1 > k {
			contacts = contacts[:len(contacts)-1]
		}
	}

	available := len(contacts) + less
	if selfVote && foundLocal == nil {
		available++
	}
	if available < e.cfg.StoreThreshold {
		logger.Logger.Warn("Too few contacts for quorum",
			zap.String("op", s.name()), zap.String("op_id", op.id),
			zap.Int("contacts", len(contacts)), zap.Int("removed", less),
			zap.Int("threshold", e.cfg.StoreThreshold))
		e.abort(s, op, ErrFindNodesTooFew)
		return
	}

	op.mu.Lock()
	op.total = len(contacts)
	if selfVote {
		op.total++
		if foundLocal == nil {
			op.countLocked(nil)
		} else {
			op.countLocked(ErrResponseFailed)
		}
	}
	op.state = stateFanoutPending
	fire, result := op.resolveLocked()
	op.mu.Unlock()
	if fire {
		e.fire(s, op, result)
		return
	}

	for _, c := range contacts {
		go e.stageThree(ctx, s, op, c)
	}
}

// stageThree sends the RPC to one contact and counts its response.
func (e *Engine) stageThree(ctx context.Context, s strategy, op *remoteOp, c models.Contact) {
	var result error
	if err := e.sem.Acquire(ctx, 1); err != nil {
		result = ErrResponseUninitialised
	} else {
		if op.resolved() {
			e.sem.Release(1)
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
		auth := validator.RequestAuth(e.crypto, e.keys, op.kadKey, c.ID)
		reply, err := s.call(callCtx, e.rpcs.For(e.kad.AddressIsLocal(c)), c, auth)
		cancel()
		e.sem.Release(1)
		result = classify(reply, err, c.ID)
	}

	if result != nil {
		logger.Logger.Debug("Remote response not counted as success",
			zap.String("op", s.name()), zap.String("op_id", op.id),
			logger.ID("contact", c.ID), zap.Error(result))
	}
	if fire, final := op.record(result); fire {
		e.fire(s, op, final)
	}
}

// lookup runs a blocking Kademlia lookup for key.
func (e *Engine) lookup(ctx context.Context, key string) ([]models.Contact, error) {
	if !e.online.Online() {
		return nil, ErrVaultOffline
	}
	var once sync.Once
	ch := make(chan []byte, 1)
	e.kad.FindKClosestNodes(ctx, key, func(resp []byte) {
		once.Do(func() { ch <- resp })
	})

	var resp []byte
	select {
	case resp = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	contacts, err := kadops.ParseFindNodesResponse(resp)
	if err != nil {
		return nil, lookupError(err)
	}
	return contacts, nil
}

// Committee returns the ids of the K vaults closest to key, this vault
// included when it is one of them.
func (e *Engine) Committee(ctx context.Context, key string) ([]string, error) {
	contacts, err := e.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	self := e.kad.Contact()
	contacts, _ = kadops.RemoveContact(contacts, self.ID)
	within := kadops.ContactWithinClosest(key, self.ID, contacts)

	k := e.kad.K()
	if within {
		k--
	}
	if len(contacts) > k {
		contacts = contacts[:k]
	}
	ids := make([]string, 0, len(contacts)+1)
	if within {
		ids = append(ids, self.ID)
	}
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// FetchAccount asks the holders of pmid's account for the full record, one
// at a time, and returns the first valid answer.
func (e *Engine) FetchAccount(ctx context.Context, pmid string) (*models.AccountRecord, error) {
	key := crypto.AccountKey(pmid)
	contacts, err := e.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	contacts, _ = kadops.RemoveContact(contacts, pmid)
	contacts, _ = kadops.RemoveContact(contacts, e.kad.Contact().ID)

	for _, c := range contacts {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
		req := models.GetAccountRequest{
			AccountPMID: pmid,
			Auth:        validator.RequestAuth(e.crypto, e.keys, key, c.ID),
		}
		reply, err := e.rpcs.For(e.kad.AddressIsLocal(c)).GetAccount(callCtx, c, &req)
		cancel()

		var r models.Reply
		if reply != nil {
			r = reply
		}
		if res := classify(r, err, c.ID); res != nil {
			logger.Logger.Debug("Account holder did not answer",
				logger.ID("account", pmid), logger.ID("contact", c.ID), zap.Error(res))
			continue
		}
		if reply.Account == nil || reply.Account.PMID != pmid {
			continue
		}
		return reply.Account, nil
	}
	return nil, ErrResponseFailed
}
