package service

import (
	"fmt"

	"vault-node/account"
	"vault-node/chunkinfo"
	"vault-node/config"
	"vault-node/crypto"
	"vault-node/db"
	"vault-node/expectation"
	"vault-node/kadops"
	"vault-node/quorum"
	"vault-node/repository"
	"vault-node/rpc"
)

// NewNode wires the holders, stores and quorum engine of one vault from its
// configuration and restores its account ledger.
func NewNode(cfg *config.Config, keys *crypto.Keyring, ldb *db.LevelDB, kad kadops.KadOps, rpcs rpc.Dispatcher, online quorum.OnlineStatus) (*Service, error) {
	c := crypto.New()

	store, err := repository.NewChunkStore(ldb, cfg.ChunkCacheSize)
	if err != nil {
		return nil, fmt.Errorf("chunk store: %w", err)
	}

	expect := expectation.NewHandler(expectation.Config{
		Timeout:     cfg.ExpectationTimeout,
		Max:         cfg.MaxExpectations,
		MaxRepeated: cfg.MaxRepeatedExpects,
	})

	accounts := account.NewHolder(account.Config{
		StoreThreshold:   cfg.StoreThreshold(),
		AmendmentTimeout: cfg.AmendmentTimeout,
		MaxPending:       cfg.MaxPendingAmendments,
		MaxRepeated:      cfg.MaxRepeatedAmendments,
	}, repository.NewAccountRepository(ldb), expect)
	if err := accounts.Load(); err != nil {
		return nil, err
	}

	chunks := chunkinfo.NewHolder(chunkinfo.Config{
		MinChunkCopies: cfg.MinChunkCopies,
		MaxWatchCopies: cfg.MaxWatchCopies,
		WaitingTimeout: cfg.WaitingTimeout,
	})

	engine := quorum.NewEngine(quorum.Config{
		StoreThreshold: cfg.StoreThreshold(),
		TrustThreshold: cfg.TrustThreshold(),
		RPCTimeout:     cfg.RPCTimeout,
		MaxParallel:    cfg.MaxParallelRPCs,
	}, kad, rpcs, c, keys, online)

	return New(Options{
		Keys:     keys,
		Crypto:   c,
		Chunks:   chunks,
		Accounts: accounts,
		Expect:   expect,
		Store:    store,
		Engine:   engine,
		Capacity: cfg.Capacity.Bytes(),

		SettleTimeout: cfg.AmendmentTimeout,
	}), nil
}
