package safe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

var (
	ErrUnknownNetwork = errors.New("no safe service for network")
	ErrNoSignatures   = errors.New("transaction has no signatures")
	ErrNoExecutor     = errors.New("no executor configured")
)

// Info is the on-chain configuration of a Safe.
type Info struct {
	Address   common.Address   `json:"address"`
	Version   string           `json:"version"`
	Owners    []common.Address `json:"owners"`
	Threshold uint64           `json:"threshold"`
	Nonce     uint64           `json:"nonce"`
}

// Service coordinates Safe transactions for one network: it reads the Safe
// configuration, shares proposals and confirmations with the other owners
// and executes fully signed transactions.
type Service interface {
	GetSafeVersion(ctx context.Context, safe common.Address) (string, error)
	GetOwners(ctx context.Context, safe common.Address) ([]common.Address, error)
	GetThreshold(ctx context.Context, safe common.Address) (uint64, error)
	GetNonce(ctx context.Context, safe common.Address) (uint64, error)
	GetTransactionHash(ctx context.Context, tx *Transaction) (common.Hash, error)
	PostTransaction(ctx context.Context, tx *Transaction) error
	ConfirmTransaction(ctx context.Context, hash common.Hash, sig sign.Signature) error
	ExecuteTransaction(ctx context.Context, tx *Transaction) (common.Hash, error)
	GetTransaction(ctx context.Context, hash common.Hash) (*ServiceTransaction, error)
}

// Registry holds one Service per chain id.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

func NewRegistry() *Registry {
	return &Registry{services: map[string]Service{}}
}

func (r *Registry) Register(chainID *big.Int, svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[chainID.String()] = svc
}

// Service returns the service for chainID or ErrUnknownNetwork.
func (r *Registry) Service(chainID *big.Int) (Service, error) {
	if chainID == nil {
		return nil, fmt.Errorf("%w: missing chain id", ErrUnknownNetwork)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[chainID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, chainID)
	}
	return svc, nil
}

// ChainIDs lists the registered networks in ascending order.
func (r *Registry) ChainIDs() []*big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*big.Int, 0, len(r.services))
	for id := range r.services {
		v, _ := new(big.Int).SetString(id, 10)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

const defaultServiceMessage = "safe transaction service request failed"

// ServiceError is a failure reported by the transaction service. Validation
// payloads such as {"nonce": ["Nonce=3 too low"]} are reduced to their first
// message.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("safe service: %s (status %d)", e.Message, e.StatusCode)
}

// Temporary reports whether the request may succeed when retried later.
func (e *ServiceError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func newServiceError(status int, body []byte) *ServiceError {
	return &ServiceError{StatusCode: status, Message: serviceMessage(body)}
}

// serviceMessage takes the first field of a JSON object body, in document
// order. An array yields its first string, a string is used as is. Any
// other shape gives the generic message.
func serviceMessage(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return defaultServiceMessage
	}
	if _, err := dec.Token(); err != nil {
		return defaultServiceMessage
	}

	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		return defaultServiceMessage
	}
	var list []any
	if err := json.Unmarshal(value, &list); err == nil {
		if len(list) > 0 {
			if s, ok := list[0].(string); ok && s != "" {
				return s
			}
		}
		return defaultServiceMessage
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil && s != "" {
		return s
	}
	return defaultServiceMessage
}
