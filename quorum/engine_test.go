package quorum

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vault-node/crypto"
	"vault-node/kadops"
	"vault-node/logger"
	"vault-node/models"
	"vault-node/rpc"
	"vault-node/validator"
)

type behavior int

const (
	ack behavior = iota
	nack
	forged
	unset
	broken
	slow
	jitter
)

type mockClient struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	calls     map[string]int
	badSig    int
	v         *validator.Validator
	account   *models.AccountRecord
}

func newMockClient() *mockClient {
	return &mockClient{
		behaviors: make(map[string]behavior),
		calls:     make(map[string]int),
		v:         validator.New(crypto.New()),
	}
}

func (m *mockClient) set(contacts []models.Contact, b behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range contacts {
		m.behaviors[c.ID] = b
	}
}

func (m *mockClient) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

func (m *mockClient) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.calls {
		n += v
	}
	return n
}

// outcome returns the result, pmid and error a contact answers with.
func (m *mockClient) outcome(ctx context.Context, c models.Contact, auth models.RequestAuth, key string) (models.Result, string, error) {
	m.mu.Lock()
	m.calls[c.ID]++
	b := m.behaviors[c.ID]
	if !m.v.ValidateAuth(auth, key, c.ID) {
		m.badSig++
	}
	m.mu.Unlock()

	switch b {
	case nack:
		return models.Nack, c.ID, nil
	case forged:
		return models.Ack, crypto.HashHex([]byte("impostor")), nil
	case unset:
		return models.ResultUnset, "", nil
	case broken:
		return 0, "", errors.New("connection reset")
	case slow:
		<-ctx.Done()
		return 0, "", ctx.Err()
	case jitter:
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	return models.Ack, c.ID, nil
}

func (m *mockClient) AddToReferenceList(ctx context.Context, c models.Contact, req *models.AddToReferenceListRequest) (*models.AddToReferenceListResponse, error) {
	res, pmid, err := m.outcome(ctx, c, req.Auth, req.ChunkName)
	if err != nil {
		return nil, err
	}
	if res == models.ResultUnset {
		return nil, nil
	}
	return &models.AddToReferenceListResponse{Result: res, PMID: pmid}, nil
}

func (m *mockClient) AmendAccount(ctx context.Context, c models.Contact, req *models.AmendAccountRequest) (*models.AmendAccountResponse, error) {
	res, pmid, err := m.outcome(ctx, c, req.Auth, crypto.AccountKey(req.AccountPMID))
	if err != nil {
		return nil, err
	}
	return &models.AmendAccountResponse{Result: res, PMID: pmid}, nil
}

func (m *mockClient) AccountStatus(ctx context.Context, c models.Contact, req *models.AccountStatusRequest) (*models.AccountStatusResponse, error) {
	res, pmid, err := m.outcome(ctx, c, req.Auth, crypto.AccountKey(req.AccountPMID))
	if err != nil {
		return nil, err
	}
	return &models.AccountStatusResponse{Result: res, PMID: pmid}, nil
}

func (m *mockClient) GetAccount(ctx context.Context, c models.Contact, req *models.GetAccountRequest) (*models.GetAccountResponse, error) {
	res, pmid, err := m.outcome(ctx, c, req.Auth, crypto.AccountKey(req.AccountPMID))
	if err != nil {
		return nil, err
	}
	return &models.GetAccountResponse{Result: res, PMID: pmid, Account: m.account}, nil
}

func (m *mockClient) ExpectAmendment(ctx context.Context, c models.Contact, req *models.ExpectAmendmentRequest) (*models.ExpectAmendmentResponse, error) {
	res, pmid, err := m.outcome(ctx, c, req.Auth, crypto.AccountKey(req.AccountPMID))
	if err != nil {
		return nil, err
	}
	return &models.ExpectAmendmentResponse{Result: res, PMID: pmid}, nil
}

type mockKad struct {
	self  models.Contact
	k     int
	resp  []byte
	async bool
}

func (m *mockKad) FindKClosestNodes(_ context.Context, _ string, cb func([]byte)) {
	if m.async {
		go cb(m.resp)
		return
	}
	cb(m.resp)
}

func (m *mockKad) AddressIsLocal(models.Contact) bool { return false }
func (m *mockKad) K() int                             { return m.k }
func (m *mockKad) Contact() models.Contact            { return m.self }

var farSelf = models.Contact{ID: strings.Repeat("ff", 64), Address: "self"}

func makeContacts(n int) []models.Contact {
	out := make([]models.Contact, n)
	for i := range out {
		out[i] = models.Contact{ID: crypto.HashHex([]byte(fmt.Sprintf("contact-%d", i))), Address: fmt.Sprintf("10.0.0.%d:80", i)}
	}
	return out
}

func findResp(t *testing.T, result models.Result, contacts []models.Contact) []byte {
	t.Helper()
	data, err := (&kadops.FindNodesResponse{Result: result, Contacts: contacts}).Marshal()
	require.NoError(t, err)
	return data
}

type fixture struct {
	engine *Engine
	kad    *mockKad
	client *mockClient
	online *AtomicOnline
	keys   *crypto.Keyring
}

func newFixture(t *testing.T, contacts []models.Contact) *fixture {
	t.Helper()
	logger.Logger = zap.NewNop()
	keys, err := crypto.NewKeyring()
	require.NoError(t, err)
	kad := &mockKad{self: farSelf, k: 16, resp: findResp(t, models.Ack, contacts), async: true}
	client := newMockClient()
	online := NewAtomicOnline(true)
	engine := NewEngine(Config{StoreThreshold: 12, TrustThreshold: 4, RPCTimeout: 100 * time.Millisecond, MaxParallel: 8},
		kad, rpc.Dispatcher{Remote: client}, crypto.New(), keys, online)
	return &fixture{engine: engine, kad: kad, client: client, online: online, keys: keys}
}

func await(t *testing.T, run func(Callback)) error {
	t.Helper()
	ch := make(chan error, 4)
	run(func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
		return nil
	}
}

func refListReq() models.AddToReferenceListRequest {
	return models.AddToReferenceListRequest{ChunkName: crypto.HashHex([]byte("This is a data chunk"))}
}

func amendReq(subject string) models.AmendAccountRequest {
	return models.AmendAccountRequest{AmendmentType: models.SpaceGivenInc, AccountPMID: subject, ChunkName: "c"}
}

// settle gives legs still running after resolution time to finish or skip.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

func TestOfflineFailsBeforeLookup(t *testing.T) {
	f := newFixture(t, makeContacts(16))
	f.online.Set(false)

	var got error
	called := 0
	f.engine.AddToRemoteRefList(context.Background(), refListReq(), nil, func(err error) {
		called++
		got = err
	})
	assert.Equal(t, 1, called)
	require.ErrorIs(t, got, ErrVaultOffline)
	assert.Equal(t, 0, f.client.totalCalls())

	_, err := f.engine.FetchAccount(context.Background(), "x")
	require.ErrorIs(t, err, ErrVaultOffline)
}

func TestFindNodesTaxonomy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.kad.resp = []byte{0xff, 0x00, 0x13}
	err := await(t, func(cb Callback) { f.engine.AddToRemoteRefList(ctx, refListReq(), nil, cb) })
	require.ErrorIs(t, err, ErrFindNodesError)

	f.kad.resp = findResp(t, models.Nack, nil)
	err = await(t, func(cb Callback) { f.engine.AddToRemoteRefList(ctx, refListReq(), nil, cb) })
	require.ErrorIs(t, err, ErrFindNodesFailure)

	f.kad.resp = findResp(t, models.Ack, makeContacts(11))
	err = await(t, func(cb Callback) { f.engine.AddToRemoteRefList(ctx, refListReq(), nil, cb) })
	require.ErrorIs(t, err, ErrFindNodesTooFew)
	assert.Equal(t, 0, f.client.totalCalls())

	f.kad.resp = findResp(t, models.Ack, makeContacts(12))
	err = await(t, func(cb Callback) { f.engine.AddToRemoteRefList(ctx, refListReq(), nil, cb) })
	require.NoError(t, err)
}

func TestFiveBadResponsesOfSixteen(t *testing.T) {
	cases := []struct {
		name string
		bad  behavior
		want error
	}{
		{"forged pmid", forged, ErrResponseError},
		{"negative", nack, ErrResponseFailed},
		{"uninitialised", unset, ErrResponseUninitialised},
		{"transport error", broken, ErrResponseUninitialised},
		{"timeout", slow, ErrResponseUninitialised},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			contacts := makeContacts(16)
			f := newFixture(t, contacts)
			f.client.set(contacts[:5], tc.bad)

			err := await(t, func(cb Callback) { f.engine.AddToRemoteRefList(context.Background(), refListReq(), nil, cb) })
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFourBadResponsesStillSucceed(t *testing.T) {
	contacts := makeContacts(16)
	f := newFixture(t, contacts)
	f.client.set(contacts[:4], forged)

	err := await(t, func(cb Callback) { f.engine.AddToRemoteRefList(context.Background(), refListReq(), nil, cb) })
	require.NoError(t, err)
}

func TestEveryContactGetsItsOwnSignature(t *testing.T) {
	contacts := makeContacts(16)
	f := newFixture(t, contacts)

	err := await(t, func(cb Callback) { f.engine.AddToRemoteRefList(context.Background(), refListReq(), nil, cb) })
	require.NoError(t, err)
	settle()

	assert.GreaterOrEqual(t, f.client.totalCalls(), 12)
	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	assert.Equal(t, 0, f.client.badSig)
}

func TestAccountOpsExcludeSubject(t *testing.T) {
	contacts := makeContacts(16)
	subject := contacts[3].ID
	f := newFixture(t, contacts)

	err := await(t, func(cb Callback) { f.engine.AmendRemoteAccount(context.Background(), amendReq(subject), nil, cb) })
	require.NoError(t, err)
	settle()
	assert.Equal(t, 0, f.client.callCount(subject))
}

func TestReferenceListOpsDoNotExcludeAnyone(t *testing.T) {
	contacts := makeContacts(12)
	f := newFixture(t, contacts)

	err := await(t, func(cb Callback) { f.engine.AddToRemoteRefList(context.Background(), refListReq(), nil, cb) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.client.totalCalls() == len(contacts) }, time.Second, 5*time.Millisecond)
	for _, c := range contacts {
		assert.Equal(t, 1, f.client.callCount(c.ID))
	}
}

func TestSubjectRemovalCountsTowardsQuorumSize(t *testing.T) {
	contacts := makeContacts(12)
	f := newFixture(t, contacts)

	// 11 remote holders plus the removed subject reach the lookup threshold
	// but cannot reach 12 acknowledgements.
	err := await(t, func(cb Callback) { f.engine.AmendRemoteAccount(context.Background(), amendReq(contacts[0].ID), nil, cb) })
	require.ErrorIs(t, err, ErrResponseFailed)
}

func TestSelfVoteWhenWithinClosest(t *testing.T) {
	contacts := makeContacts(16)
	f := newFixture(t, contacts)
	f.kad.self = models.Contact{ID: strings.Repeat("00", 64), Address: "self"}
	req := models.AddToReferenceListRequest{ChunkName: strings.Repeat("00", 63) + "01"}

	err := await(t, func(cb Callback) { f.engine.AddToRemoteRefList(context.Background(), req, nil, cb) })
	require.NoError(t, err)
	settle()
	assert.LessOrEqual(t, f.client.totalCalls(), 15)
}

func TestFailedSelfVoteCountsAgainst(t *testing.T) {
	contacts := makeContacts(16)
	f := newFixture(t, contacts)
	f.kad.self = models.Contact{ID: strings.Repeat("00", 64), Address: "self"}
	f.client.set(contacts, nack)
	req := models.AddToReferenceListRequest{ChunkName: strings.Repeat("00", 63) + "01"}

	err := await(t, func(cb Callback) { f.engine.AddToRemoteRefList(context.Background(), req, errors.New("not stored"), cb) })
	require.ErrorIs(t, err, ErrResponseFailed)
}

func TestLoneVaultHasTooFewContacts(t *testing.T) {
	f := newFixture(t, nil)
	f.kad.self = models.Contact{ID: strings.Repeat("00", 64)}
	f.kad.resp = findResp(t, models.Ack, []models.Contact{f.kad.self})

	err := await(t, func(cb Callback) {
		f.engine.AddToRemoteRefList(context.Background(), models.AddToReferenceListRequest{ChunkName: strings.Repeat("00", 63) + "02"}, nil, cb)
	})
	require.ErrorIs(t, err, ErrFindNodesTooFew)
}

func TestSelfVoteAloneCanResolve(t *testing.T) {
	logger.Logger = zap.NewNop()
	keys, err := crypto.NewKeyring()
	require.NoError(t, err)
	self := models.Contact{ID: strings.Repeat("00", 64)}
	other := models.Contact{ID: strings.Repeat("ff", 64), Address: "far"}
	kad := &mockKad{self: self, k: 1, resp: findResp(t, models.Ack, []models.Contact{other, self})}
	client := newMockClient()
	engine := NewEngine(Config{StoreThreshold: 1, TrustThreshold: 1}, kad, rpc.Dispatcher{Remote: client}, crypto.New(), keys, NewAtomicOnline(true))

	got := await(t, func(cb Callback) {
		engine.AddToRemoteRefList(context.Background(), models.AddToReferenceListRequest{ChunkName: strings.Repeat("00", 63) + "02"}, nil, cb)
	})
	require.NoError(t, got)
	assert.Equal(t, 0, client.totalCalls())
}

func TestTrustPolicyOverEngine(t *testing.T) {
	contacts := makeContacts(16)

	f := newFixture(t, contacts)
	err := await(t, func(cb Callback) {
		f.engine.RemoteVaultAbleToStore(context.Background(), models.AccountStatusRequest{AccountPMID: "x", SpaceRequested: 10}, nil, cb)
	})
	require.NoError(t, err)

	f = newFixture(t, contacts)
	f.client.set(contacts[:13], nack)
	err = await(t, func(cb Callback) {
		f.engine.RemoteVaultAbleToStore(context.Background(), models.AccountStatusRequest{AccountPMID: "x"}, nil, cb)
	})
	require.ErrorIs(t, err, ErrResponseFailed)
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	contacts := makeContacts(16)
	for round := 0; round < 20; round++ {
		f := newFixture(t, contacts)
		f.client.set(contacts, jitter)
		f.client.set(contacts[:round%6], nack)

		var calls int32
		done := make(chan struct{})
		f.engine.AddToRemoteRefList(context.Background(), refListReq(), nil, func(error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(done)
			}
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("callback not invoked")
		}
		settle()
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	}
}

func TestSyncWrappers(t *testing.T) {
	contacts := makeContacts(16)
	f := newFixture(t, contacts)
	ctx := context.Background()

	require.NoError(t, f.engine.AddToRemoteRefListSync(ctx, refListReq(), nil))
	require.NoError(t, f.engine.AmendRemoteAccountSync(ctx, amendReq("x"), nil))
	require.NoError(t, f.engine.RemoteVaultAbleToStoreSync(ctx, models.AccountStatusRequest{AccountPMID: "x"}, nil))
	expect := models.ExpectAmendmentRequest{AmendmentType: models.SpaceTakenInc, AccountPMID: "x", ChunkName: "c", AmenderPMIDs: []string{"a"}}
	require.NoError(t, f.engine.ExpectRemoteAmendmentSync(ctx, expect, nil))

	f.online.Set(false)
	require.ErrorIs(t, f.engine.AmendRemoteAccountSync(ctx, amendReq("x"), nil), ErrVaultOffline)
}

func TestFetchAccount(t *testing.T) {
	contacts := makeContacts(4)
	f := newFixture(t, contacts)
	ctx := context.Background()

	f.client.account = &models.AccountRecord{PMID: "x", SpaceOffered: 150}
	f.client.set(contacts[:2], nack)
	rec, err := f.engine.FetchAccount(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rec.SpaceOffered)
	assert.Equal(t, 3, f.client.totalCalls())

	f.client.set(contacts, forged)
	_, err = f.engine.FetchAccount(ctx, "x")
	require.ErrorIs(t, err, ErrResponseFailed)

	f.client.set(contacts, ack)
	f.client.account = &models.AccountRecord{PMID: "someone else"}
	_, err = f.engine.FetchAccount(ctx, "x")
	require.ErrorIs(t, err, ErrResponseFailed)

	f.kad.resp = findResp(t, models.Nack, nil)
	_, err = f.engine.FetchAccount(ctx, "x")
	require.ErrorIs(t, err, ErrFindNodesFailure)
}

func TestCommittee(t *testing.T) {
	contacts := makeContacts(16)
	f := newFixture(t, contacts)
	ctx := context.Background()
	key := strings.Repeat("00", 63) + "01"

	ids, err := f.engine.Committee(ctx, key)
	require.NoError(t, err)
	require.Len(t, ids, 16)
	assert.NotContains(t, ids, farSelf.ID)

	f.kad.self = models.Contact{ID: strings.Repeat("00", 64), Address: "self"}
	ids, err = f.engine.Committee(ctx, key)
	require.NoError(t, err)
	require.Len(t, ids, 16)
	assert.Equal(t, f.kad.self.ID, ids[0])
	assert.NotContains(t, ids, contacts[15].ID)

	f.online.Set(false)
	_, err = f.engine.Committee(ctx, key)
	require.ErrorIs(t, err, ErrVaultOffline)
}

func TestAtomicOnline(t *testing.T) {
	o := NewAtomicOnline(false)
	assert.False(t, o.Online())
	o.Set(true)
	assert.True(t, o.Online())
}
