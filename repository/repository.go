package repository

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"vault-node/db"
	"vault-node/models"
)

const accountPrefix = "account:"

var ErrAccountNotFound = errors.New("account record not found")

// It abstracts the account ledger storage from the holder logic
type AccountRepositoryInterface interface {
	PutAccount(rec *models.AccountRecord) error
	GetAccount(pmid string) (*models.AccountRecord, error)
	DeleteAccount(pmid string) error
	GetAllAccounts() ([]*models.AccountRecord, error)
}

// AccountRepository implements the AccountRepositoryInterface using LevelDB as the storage backend
type AccountRepository struct {
	db *db.LevelDB
}

// NewAccountRepository creates and returns a new AccountRepository instance
func NewAccountRepository(db *db.LevelDB) *AccountRepository {
	return &AccountRepository{db: db}
}

func accountKey(pmid string) []byte {
	return []byte(accountPrefix + pmid)
}

// PutAccount stores an account record in LevelDB
func (r *AccountRepository) PutAccount(rec *models.AccountRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Put(accountKey(rec.PMID), data)
}

// GetAccount retrieves an account record by pmid
func (r *AccountRepository) GetAccount(pmid string) (*models.AccountRecord, error) {
	data, err := r.db.Get(accountKey(pmid))
	if db.IsNotFound(err) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec models.AccountRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteAccount removes an account record
func (r *AccountRepository) DeleteAccount(pmid string) error {
	return r.db.Delete(accountKey(pmid))
}

// GetAllAccounts retrieves every stored account record
func (r *AccountRepository) GetAllAccounts() ([]*models.AccountRecord, error) {
	iter := r.db.NewIterator([]byte(accountPrefix))
	defer iter.Release()

	var recs []*models.AccountRecord
	for iter.Next() {
		var rec models.AccountRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, iter.Error()
}
