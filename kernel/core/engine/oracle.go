package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// Method tags a state transition an oracle accepts through the call path.
type Method string

// MethodFunc applies one call to the local state. Returned errors are
// ValidationErrors: the state must be left untouched when one is returned.
type MethodFunc[S any] func(state *S, args json.RawMessage) error

// MethodTable is an oracle's dispatch table.
type MethodTable[S any] map[Method]MethodFunc[S]

// Bind adapts a typed method to the raw dispatch signature, decoding the
// call arguments into A.
func Bind[S, A any](fn func(state *S, args A) error) MethodFunc[S] {
	return func(state *S, raw json.RawMessage) error {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return common.Validationf("invalid arguments: %v", err)
		}
		return fn(state, args)
	}
}

// Oracle defines one replicated state machine run by an Engine.
type Oracle[S any] interface {
	Name() string
	EpochTime() time.Duration
	Genesis() S

	// StartupState reconciles the states received from peers at join time.
	// It returns false when no decision can be made yet.
	StartupState(peerStates []S) (S, bool)

	// ReputationChange settles a peer's reputation for the past epoch.
	ReputationChange(state *S, peer common.Address, reputation int)

	Methods() MethodTable[S]
	TransactionID(method Method, args json.RawMessage) string
}

// Connector is implemented by oracles that run work once startup completes.
type Connector interface {
	OnConnect(ctx context.Context)
}

// Base supplies the default oracle behaviour: majority-vote startup,
// argument-derived transaction ids and no reputation economics.
type Base[S any] struct{}

func (Base[S]) StartupState(peerStates []S) (S, bool) {
	return MajorityState(peerStates)
}

func (Base[S]) ReputationChange(*S, common.Address, int) {}

func (Base[S]) TransactionID(method Method, args json.RawMessage) string {
	return DefaultTransactionID(method, args)
}

// MajorityState returns the most frequent state; ties go to the state seen
// first.
func MajorityState[S any](states []S) (S, bool) {
	var zero S
	if len(states) == 0 {
		return zero, false
	}

	keys := make([]string, len(states))
	counts := make(map[string]int, len(states))
	for i, s := range states {
		key, err := Canonical(s)
		if err != nil {
			continue
		}
		keys[i] = string(key)
		counts[keys[i]]++
	}

	best, bestCount := -1, 0
	for i, key := range keys {
		if key != "" && counts[key] > bestCount {
			best, bestCount = i, counts[key]
		}
	}
	if best < 0 {
		return zero, false
	}
	return states[best], true
}

// DefaultTransactionID identifies a call by its method and canonical
// arguments, so identical calls collapse in the mempool.
func DefaultTransactionID(method Method, args json.RawMessage) string {
	canon, err := CanonicalJSON(args)
	if err != nil {
		return string(method) + "-" + string(args)
	}
	return string(method) + "-" + string(canon)
}
