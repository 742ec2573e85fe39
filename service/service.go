package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-node/account"
	"vault-node/chunkinfo"
	"vault-node/crypto"
	"vault-node/expectation"
	"vault-node/logger"
	"vault-node/models"
	"vault-node/quorum"
	"vault-node/repository"
	"vault-node/validator"
)

var (
	ErrCapacityExceeded = errors.New("vault capacity exceeded")
	ErrNotCommitted     = errors.New("watch list entry not ready to commit")
)

type Options struct {
	Keys     *crypto.Keyring
	Crypto   crypto.Crypto
	Chunks   *chunkinfo.Holder
	Accounts *account.Holder
	Expect   *expectation.Handler
	Store    repository.ChunkStore
	Engine   *quorum.Engine
	Capacity uint64 // bytes of chunk storage, 0 for unlimited

	// SettleTimeout bounds the amendments run after a reference is added.
	SettleTimeout time.Duration
}

// Service answers the vault RPCs and runs the vault's own outbound flows.
type Service struct {
	keys      *crypto.Keyring
	crypto    crypto.Crypto
	validator *validator.Validator
	chunks    *chunkinfo.Holder
	accounts  *account.Holder
	expect    *expectation.Handler
	store     repository.ChunkStore
	engine    *quorum.Engine
	capacity  uint64

	settleTimeout time.Duration
}

func New(opts Options) *Service {
	c := opts.Crypto
	if c == nil {
		c = crypto.New()
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = time.Minute
	}
	return &Service{
		keys:      opts.Keys,
		crypto:    c,
		validator: validator.New(c),
		chunks:    opts.Chunks,
		accounts:  opts.Accounts,
		expect:    opts.Expect,
		store:     opts.Store,
		engine:    opts.Engine,
		capacity:  opts.Capacity,

		settleTimeout: opts.SettleTimeout,
	}
}

func (s *Service) PMID() string {
	return s.keys.PMID
}

func (s *Service) Chunks() *chunkinfo.Holder {
	return s.chunks
}

func (s *Service) Accounts() *account.Holder {
	return s.accounts
}

func (s *Service) authorised(auth models.RequestAuth, key, op string) bool {
	if s.validator.ValidateAuth(auth, key, s.keys.PMID) {
		return true
	}
	logger.Logger.Warn("Rejected unauthorised request",
		zap.String("op", op), logger.ID("sender", auth.PMID), logger.ID("key", key))
	return false
}

// AddToReferenceList records a storing vault's contract for a chunk this
// vault tracks.
func (s *Service) AddToReferenceList(_ context.Context, req *models.AddToReferenceListRequest) *models.AddToReferenceListResponse {
	resp := &models.AddToReferenceListResponse{Result: models.Nack, PMID: s.keys.PMID}
	if !s.authorised(req.Auth, req.ChunkName, "add_to_reference_list") {
		return resp
	}
	sc := req.StoreContract
	if sc.ChunkName != req.ChunkName || sc.SignedSize.PMID != req.Auth.PMID || !s.validator.ValidateStoreContract(sc) {
		logger.Logger.Warn("Rejected store contract",
			logger.ID("chunk", req.ChunkName), logger.ID("sender", req.Auth.PMID))
		return resp
	}
	err := s.chunks.AddToReferenceList(req.ChunkName, req.Auth.PMID, sc.SignedSize.DataSize)
	switch {
	case err == nil:
		go s.creditStorer(req.ChunkName, req.Auth.PMID, sc.SignedSize.DataSize)
	case errors.Is(err, chunkinfo.ErrRefExists):
		// a repeated contract is already credited
		err = nil
	default:
		logger.Logger.Info("Reference not added",
			logger.ID("chunk", req.ChunkName), logger.ID("peer", req.Auth.PMID), zap.Error(err))
	}
	resp.Result = models.ResultFor(err)
	return resp
}

// creditStorer records the space a newly referenced vault gives to the
// network.
func (s *Service) creditStorer(name, storer string, size uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.settleTimeout)
	defer cancel()
	if err := s.amend(ctx, models.SpaceGivenInc, storer, name, size); err != nil {
		logger.Logger.Warn("Failed to credit storing vault",
			logger.ID("chunk", name), logger.ID("storer", storer), zap.Error(err))
	}
}

// AmendAccount applies or votes on an amendment of an account this vault
// holds. A vote is answered once the amendment resolves or ctx ends.
func (s *Service) AmendAccount(ctx context.Context, req *models.AmendAccountRequest) *models.AmendAccountResponse {
	resp := &models.AmendAccountResponse{Result: models.Nack, PMID: s.keys.PMID}
	pmid := req.AccountPMID
	if !s.authorised(req.Auth, crypto.AccountKey(pmid), "amend_account") {
		return resp
	}
	if !s.validator.ValidateSignedSize(req.SignedSize) {
		logger.Logger.Warn("Rejected amendment with invalid signed size",
			logger.ID("account", pmid), logger.ID("sender", req.Auth.PMID))
		return resp
	}
	size := req.SignedSize.DataSize

	if req.AmendmentType == models.SpaceOffered {
		// only the owner may set its own offer
		if req.Auth.PMID != pmid || req.SignedSize.PMID != pmid {
			logger.Logger.Warn("Rejected space offer from non-owner",
				logger.ID("account", pmid), logger.ID("sender", req.Auth.PMID))
			return resp
		}
		resp.Result = models.ResultFor(s.accounts.ApplyAmendment(pmid, models.SpaceOffered, size, ""))
		return resp
	}

	state, pending, err := s.accounts.RegisterAmendmentVote(pmid, req.AmendmentType, req.ChunkName, req.Auth.PMID, size)
	if err != nil {
		logger.Logger.Info("Amendment vote refused",
			logger.ID("account", pmid), zap.Stringer("type", req.AmendmentType), zap.Error(err))
		return resp
	}
	if state == account.VotePending {
		state, err = pending.Wait(ctx)
		if err != nil && state == account.VotePending {
			logger.Logger.Debug("Amendment still pending at deadline",
				logger.ID("account", pmid), zap.Stringer("type", req.AmendmentType), zap.Int("votes", pending.Votes()))
		}
	}
	if state == account.VoteCommitted {
		resp.Result = models.Ack
	}
	return resp
}

// AccountStatus reports the counters of an account and whether it can take
// the requested space. Resolved amendment results go to the owner only.
func (s *Service) AccountStatus(_ context.Context, req *models.AccountStatusRequest) *models.AccountStatusResponse {
	resp := &models.AccountStatusResponse{Result: models.Nack, PMID: s.keys.PMID}
	pmid := req.AccountPMID
	if !s.authorised(req.Auth, crypto.AccountKey(pmid), "account_status") {
		return resp
	}
	status, err := s.accounts.GetAccountStatus(pmid)
	if err != nil {
		return resp
	}
	resp.SpaceOffered = status.SpaceOffered
	resp.SpaceGiven = status.SpaceGiven
	resp.SpaceTaken = status.SpaceTaken
	if req.SpaceRequested <= status.Available() {
		resp.Result = models.Ack
	}
	if req.Auth.PMID == pmid {
		resp.AmendmentResults = s.accounts.TakeAmendmentResults(pmid)
	}
	return resp
}

func (s *Service) ExpectAmendment(_ context.Context, req *models.ExpectAmendmentRequest) *models.ExpectAmendmentResponse {
	resp := &models.ExpectAmendmentResponse{Result: models.Nack, PMID: s.keys.PMID}
	if !s.authorised(req.Auth, crypto.AccountKey(req.AccountPMID), "expect_amendment") {
		return resp
	}
	key := expectation.Key{AmendmentType: req.AmendmentType, ChunkName: req.ChunkName, AccountPMID: req.AccountPMID}
	err := s.expect.ExpectAmendment(key, req.AmenderPMIDs)
	if err != nil {
		logger.Logger.Info("Expectation refused", zap.Stringer("key", key), zap.Error(err))
	}
	resp.Result = models.ResultFor(err)
	return resp
}

func (s *Service) GetAccount(_ context.Context, req *models.GetAccountRequest) *models.GetAccountResponse {
	resp := &models.GetAccountResponse{Result: models.Nack, PMID: s.keys.PMID}
	if !s.authorised(req.Auth, crypto.AccountKey(req.AccountPMID), "get_account") {
		return resp
	}
	rec, err := s.accounts.GetAccount(req.AccountPMID)
	if err != nil {
		return resp
	}
	resp.Result = models.Ack
	resp.Account = &rec
	return resp
}

// amend votes, as one of the holders of chunk name, for an amendment of
// pmid's account. The account holders are first told which vaults hold the
// chunk so only those votes count.
func (s *Service) amend(ctx context.Context, t models.AmendmentType, pmid, name string, size uint64) error {
	amenders, err := s.engine.Committee(ctx, name)
	if err != nil {
		return err
	}

	holder := s.accounts.HaveAccount(pmid)
	var local error = account.ErrAccountNotFound
	if holder {
		key := expectation.Key{AmendmentType: t, ChunkName: name, AccountPMID: pmid}
		local = s.expect.ExpectAmendment(key, amenders)
	}
	expect := models.ExpectAmendmentRequest{AmendmentType: t, AccountPMID: pmid, ChunkName: name, AmenderPMIDs: amenders}
	if err := s.engine.ExpectRemoteAmendmentSync(ctx, expect, local); err != nil {
		// holders without the expectation accept any voter
		logger.Logger.Info("Amendment expectation not confirmed",
			logger.ID("account", pmid), zap.Stringer("type", t), zap.Error(err))
	}

	local = account.ErrAccountNotFound
	if holder {
		_, _, local = s.accounts.RegisterAmendmentVote(pmid, t, name, s.keys.PMID, size)
	}
	req := models.AmendAccountRequest{
		AmendmentType: t,
		AccountPMID:   pmid,
		ChunkName:     name,
		SignedSize:    s.keys.SignSize(size),
	}
	return s.engine.AmendRemoteAccountSync(ctx, req, local)
}

// refund gives copies of a chunk back to pmid's account. Failures are
// logged, the watch list change they settle has already happened.
func (s *Service) refund(ctx context.Context, t models.AmendmentType, pmid, name string, size uint64, copies int) {
	if pmid == "" || copies <= 0 {
		return
	}
	if err := s.amend(ctx, t, pmid, name, size*uint64(copies)); err != nil {
		logger.Logger.Warn("Failed to settle refund",
			logger.ID("account", pmid), logger.ID("chunk", name),
			zap.Stringer("type", t), zap.Int("copies", copies), zap.Error(err))
	}
}

// WatchChunk adds peer to the watch list of a chunk this vault holds. The
// copies the commit requires are charged to peer's account before the
// commit, and the commit's refunds are settled after it.
func (s *Service) WatchChunk(ctx context.Context, name, peer string, size uint64) (chunkinfo.Commit, error) {
	_, payments, err := s.chunks.PrepareAddToWatchList(name, peer, size)
	if err != nil {
		return chunkinfo.Commit{}, err
	}
	if err := s.chunks.SetStoringDone(name, peer); err != nil {
		return chunkinfo.Commit{}, err
	}
	if err := s.amend(ctx, models.SpaceTakenInc, peer, name, size*uint64(payments)); err != nil {
		s.chunks.ResetAddToWatchList(name, peer, "payment failed")
		return chunkinfo.Commit{}, fmt.Errorf("charge watcher: %w", err)
	}
	if err := s.chunks.SetPaymentsDone(name, peer); err != nil {
		s.refund(ctx, models.SpaceTakenDec, peer, name, size, payments)
		return chunkinfo.Commit{}, err
	}

	commit, ok := s.chunks.TryCommitToWatchList(name, peer)
	if !ok {
		s.chunks.ResetAddToWatchList(name, peer, "commit failed")
		s.refund(ctx, models.SpaceTakenDec, peer, name, size, payments)
		return chunkinfo.Commit{}, ErrNotCommitted
	}
	if commit.Creditor != peer {
		s.refund(ctx, models.SpaceTakenDec, commit.Creditor, name, size, commit.Refunds)
	}
	s.refund(ctx, models.SpaceTakenDec, peer, name, size, commit.Overpaid)
	return commit, nil
}

// UnwatchChunk removes peer from the watch list of a chunk. Creditors get
// their copy back, and when the last watcher leaves every storing vault
// stops being credited for the chunk.
func (s *Service) UnwatchChunk(ctx context.Context, name, peer string) (size uint64, creditors, references []string, err error) {
	size, creditors, references, err = s.chunks.RemoveFromWatchList(name, peer)
	if err != nil {
		return 0, nil, nil, err
	}
	for _, c := range creditors {
		s.refund(ctx, models.SpaceTakenDec, c, name, size, 1)
	}
	for _, r := range references {
		s.refund(ctx, models.SpaceGivenDec, r, name, size, 1)
	}
	return size, creditors, references, nil
}

// StoreChunk keeps a chunk on this vault and asks the chunk's holders to
// reference it. The chunk is dropped again when the holders refuse.
func (s *Service) StoreChunk(ctx context.Context, name string, data []byte) error {
	size := uint64(len(data))
	if size == 0 {
		return chunkinfo.ErrInvalidSize
	}
	if s.capacity > 0 && !s.store.Has(name) {
		used, err := s.store.Used()
		if err != nil {
			return err
		}
		if used+size > s.capacity {
			return ErrCapacityExceeded
		}
	}
	existed := s.store.Has(name)
	if err := s.store.Put(name, data); err != nil {
		return err
	}

	foundLocal := s.chunks.AddToReferenceList(name, s.keys.PMID, size)
	added := foundLocal == nil
	if errors.Is(foundLocal, chunkinfo.ErrRefExists) {
		foundLocal = nil
	}
	req := models.AddToReferenceListRequest{
		ChunkName:     name,
		StoreContract: models.StoreContract{ChunkName: name, SignedSize: s.keys.SignSize(size)},
	}
	if err := s.engine.AddToRemoteRefListSync(ctx, req, foundLocal); err != nil {
		if added {
			s.chunks.RemoveFromReferenceList(name, s.keys.PMID)
		}
		if !existed {
			if delErr := s.store.Delete(name); delErr != nil {
				logger.Logger.Error("Failed to drop unreferenced chunk", logger.ID("chunk", name), zap.Error(delErr))
			}
		}
		return fmt.Errorf("reference chunk: %w", err)
	}
	logger.Logger.Info("Chunk stored", logger.ID("chunk", name), zap.Uint64("size", size))
	return nil
}

// ReportSpace sets the space this vault offers on its account holders.
func (s *Service) ReportSpace(ctx context.Context, offered uint64) error {
	req := models.AmendAccountRequest{
		AmendmentType: models.SpaceOffered,
		AccountPMID:   s.keys.PMID,
		SignedSize:    s.keys.SignSize(offered),
	}
	if err := s.engine.AmendRemoteAccountSync(ctx, req, nil); err != nil {
		return fmt.Errorf("report space: %w", err)
	}
	return nil
}

// CanStore asks this vault's account holders whether it may take size more
// bytes.
func (s *Service) CanStore(ctx context.Context, size uint64) error {
	req := models.AccountStatusRequest{AccountPMID: s.keys.PMID, SpaceRequested: size}
	return s.engine.RemoteVaultAbleToStoreSync(ctx, req, nil)
}

// RemoteAccount fetches an account record from its holders.
func (s *Service) RemoteAccount(ctx context.Context, pmid string) (*models.AccountRecord, error) {
	return s.engine.FetchAccount(ctx, pmid)
}

// CleanUp sweeps expired amendments and expectations and stale waiting
// list entries.
func (s *Service) CleanUp(now time.Time) {
	s.accounts.CleanUp()
	s.expect.CleanUp()
	s.chunks.PruneWaitingLists(now)
}

func (s *Service) GetChunk(name string) ([]byte, error) {
	return s.store.Get(name)
}

// Status summarises the local state of the vault.
type Status struct {
	PMID              string `json:"pmid"`
	Accounts          int    `json:"accounts"`
	TrackedChunks     int    `json:"tracked_chunks"`
	PendingAmendments int    `json:"pending_amendments"`
	Expectations      int    `json:"expectations"`
	UsedBytes         uint64 `json:"used_bytes"`
	CapacityBytes     uint64 `json:"capacity_bytes"`
}

func (s *Service) Status() (Status, error) {
	used, err := s.store.Used()
	if err != nil {
		return Status{}, err
	}
	return Status{
		PMID:              s.keys.PMID,
		Accounts:          s.accounts.Len(),
		TrackedChunks:     s.chunks.Len(),
		PendingAmendments: s.accounts.PendingCount(),
		Expectations:      s.expect.Len(),
		UsedBytes:         used,
		CapacityBytes:     s.capacity,
	}, nil
}
