package quorum

import (
	"errors"
	"sync"

	"vault-node/models"
)

var (
	ErrVaultOffline          = errors.New("vault offline")
	ErrFindNodesError        = errors.New("find nodes response unparseable")
	ErrFindNodesFailure      = errors.New("find nodes failed")
	ErrFindNodesTooFew       = errors.New("find nodes returned too few contacts")
	ErrResponseError         = errors.New("remote response from wrong node")
	ErrResponseFailed        = errors.New("remote response negative")
	ErrResponseUninitialised = errors.New("remote response uninitialised")
)

// Policy selects the quorum rule of an operation.
type Policy int

const (
	// StorePolicy succeeds once enough holders agree.
	StorePolicy Policy = iota
	// TrustPolicy succeeds once agreeing holders outnumber dissenting
	// ones by the trust margin.
	TrustPolicy
)

func (p Policy) String() string {
	if p == TrustPolicy {
		return "trust"
	}
	return "store"
}

type opState int

const (
	stateIdle opState = iota
	stateLookupPending
	stateFanoutPending
	stateResolved
)

func (s opState) String() string {
	switch s {
	case stateLookupPending:
		return "lookup_pending"
	case stateFanoutPending:
		return "fanout_pending"
	case stateResolved:
		return "resolved"
	default:
		return "idle"
	}
}

// Callback receives the outcome of a remote operation: nil on success,
// otherwise one of the package errors.
type Callback func(err error)

var failureOrder = []error{ErrResponseError, ErrResponseFailed, ErrResponseUninitialised}

// remoteOp tallies the votes of one quorum operation. All fields are
// guarded by mu.
type remoteOp struct {
	id        string
	kadKey    string
	policy    Policy
	threshold int

	mu       sync.Mutex
	state    opState
	total    int
	success  int
	failure  int
	failures map[error]int
	lastSeen map[error]int
	seq      int
	done     bool
	callback Callback
}

func newRemoteOp(id, kadKey string, policy Policy, threshold int, cb Callback) *remoteOp {
	return &remoteOp{
		id:        id,
		kadKey:    kadKey,
		policy:    policy,
		threshold: threshold,
		failures:  make(map[error]int),
		lastSeen:  make(map[error]int),
		callback:  cb,
	}
}

// countLocked adds one vote. result nil is a success.
func (op *remoteOp) countLocked(result error) {
	op.seq++
	if result == nil {
		op.success++
		return
	}
	op.failure++
	op.failures[result]++
	op.lastSeen[result] = op.seq
}

// dominantFailureLocked is the most frequent failure category, the most
// recent one winning ties.
func (op *remoteOp) dominantFailureLocked() error {
	var best error
	for _, e := range failureOrder {
		n := op.failures[e]
		if n == 0 {
			continue
		}
		if best == nil || n > op.failures[best] || (n == op.failures[best] && op.lastSeen[e] > op.lastSeen[best]) {
			best = e
		}
	}
	if best == nil {
		return ErrResponseFailed
	}
	return best
}

// assessLocked reports whether the tallies decide the operation, and how.
func (op *remoteOp) assessLocked() (bool, error) {
	s, f, n, t := op.success, op.failure, op.total, op.threshold
	switch op.policy {
	case TrustPolicy:
		if s-f >= t {
			return true, nil
		}
		if f > n-t || s+f >= n {
			return true, op.dominantFailureLocked()
		}
	default:
		if s >= t {
			return true, nil
		}
		if f > n-t {
			return true, op.dominantFailureLocked()
		}
	}
	return false, nil
}

// resolveLocked marks the operation done when the tallies decide it. It
// returns true exactly once; the caller then invokes the callback after
// releasing the lock.
func (op *remoteOp) resolveLocked() (bool, error) {
	if op.done {
		return false, nil
	}
	decided, result := op.assessLocked()
	if !decided {
		return false, nil
	}
	op.done = true
	op.state = stateResolved
	return true, result
}

// record counts one response and returns whether this response resolved
// the operation.
func (op *remoteOp) record(result error) (bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.done {
		return false, nil
	}
	op.countLocked(result)
	return op.resolveLocked()
}

// finish resolves the operation unless it is already resolved.
func (op *remoteOp) finish() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.done {
		return false
	}
	op.done = true
	op.state = stateResolved
	return true
}

func (op *remoteOp) resolved() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.done
}

func (op *remoteOp) tallies() (success, failure, total int) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.success, op.failure, op.total
}

// classify maps one RPC outcome onto a vote.
func classify(reply models.Reply, err error, contactID string) error {
	if err != nil || reply == nil {
		return ErrResponseUninitialised
	}
	result, pmid := reply.Outcome()
	switch {
	case result == models.ResultUnset:
		return ErrResponseUninitialised
	case result != models.Ack:
		return ErrResponseFailed
	case pmid != contactID:
		return ErrResponseError
	}
	return nil
}
