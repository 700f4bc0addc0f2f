package safe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/erc7824/nitrolite/keyring/pkg/log"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultOrigin         = "keyringd"

	breakerMinRequests  = 10
	breakerFailingRatio = 0.6
)

// TxServiceClient talks to a Safe transaction service over HTTP. Calls go
// through a circuit breaker that only counts transport failures and
// temporary service errors; rejected requests do not trip it.
type TxServiceClient struct {
	baseURL  string
	apiKey   string
	origin   string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	validate *validator.Validate
	lg       log.Logger
}

type TxServiceOption func(*TxServiceClient)

func WithHTTPClient(c *http.Client) TxServiceOption {
	return func(s *TxServiceClient) { s.client = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) TxServiceOption {
	return func(s *TxServiceClient) { s.apiKey = key }
}

func WithOrigin(origin string) TxServiceOption {
	return func(s *TxServiceClient) { s.origin = origin }
}

func WithServiceLogger(lg log.Logger) TxServiceOption {
	return func(s *TxServiceClient) { s.lg = lg.Named("txservice") }
}

func NewTxServiceClient(baseURL string, opts ...TxServiceOption) *TxServiceClient {
	s := &TxServiceClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		origin:   defaultOrigin,
		client:   &http.Client{Timeout: defaultRequestTimeout},
		validate: validator.New(),
		lg:       log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cb = newCircuitBreaker(s.baseURL)
	return s
}

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > breakerMinRequests && ratio >= breakerFailingRatio
		},
	})
}

// APIKeyExpiry returns the expiry encoded in a transaction service API key.
// The key is a JWT; its signature is checked by the service, not here.
func APIKeyExpiry(key string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse api key: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

type safeInfoResponse struct {
	Address   string          `json:"address" validate:"required,eth_addr"`
	Nonce     decimal.Decimal `json:"nonce"`
	Threshold decimal.Decimal `json:"threshold"`
	Owners    []string        `json:"owners" validate:"required,min=1,dive,eth_addr"`
	Version   string          `json:"version" validate:"required"`
}

// SafeInfo fetches the configuration of safe.
func (s *TxServiceClient) SafeInfo(ctx context.Context, safe common.Address) (*Info, error) {
	var res safeInfoResponse
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/safes/%s/", safe.Hex()), nil, &res); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(res); err != nil {
		return nil, fmt.Errorf("invalid safe info for %s: %w", safe.Hex(), err)
	}
	if res.Threshold.Sign() <= 0 || res.Nonce.Sign() < 0 {
		return nil, fmt.Errorf("invalid safe info for %s: threshold %s nonce %s", safe.Hex(), res.Threshold, res.Nonce)
	}

	info := &Info{
		Address:   common.HexToAddress(res.Address),
		Version:   res.Version,
		Threshold: uint64(res.Threshold.IntPart()),
		Nonce:     uint64(res.Nonce.IntPart()),
	}
	for _, o := range res.Owners {
		info.Owners = append(info.Owners, common.HexToAddress(o))
	}
	return info, nil
}

type proposal struct {
	To                      string          `json:"to"`
	Value                   decimal.Decimal `json:"value"`
	Data                    *string         `json:"data"`
	Operation               uint8           `json:"operation"`
	GasToken                string          `json:"gasToken"`
	SafeTxGas               decimal.Decimal `json:"safeTxGas"`
	BaseGas                 decimal.Decimal `json:"baseGas"`
	GasPrice                decimal.Decimal `json:"gasPrice"`
	RefundReceiver          string          `json:"refundReceiver"`
	Nonce                   decimal.Decimal `json:"nonce"`
	ContractTransactionHash string          `json:"contractTransactionHash"`
	Sender                  string          `json:"sender"`
	Signature               string          `json:"signature"`
	Origin                  string          `json:"origin,omitempty"`
}

// ProposeTransaction shares tx with the other owners, signed by sender.
func (s *TxServiceClient) ProposeTransaction(ctx context.Context, tx *Transaction, sender common.Address, sig sign.Signature) error {
	d := tx.Data()
	p := proposal{
		To:                      d.To.Hex(),
		Value:                   decimal.NewFromBigInt(d.Value, 0),
		Operation:               uint8(d.Operation),
		GasToken:                d.GasToken.Hex(),
		SafeTxGas:               decimal.NewFromBigInt(d.SafeTxGas, 0),
		BaseGas:                 decimal.NewFromBigInt(d.BaseGas, 0),
		GasPrice:                decimal.NewFromBigInt(d.GasPrice, 0),
		RefundReceiver:          d.RefundReceiver.Hex(),
		Nonce:                   decimal.NewFromBigInt(new(big.Int).SetUint64(d.Nonce), 0),
		ContractTransactionHash: tx.Hash().Hex(),
		Sender:                  sender.Hex(),
		Signature:               sig.String(),
		Origin:                  s.origin,
	}
	if len(d.Data) > 0 {
		data := hexutil.Encode(d.Data)
		p.Data = &data
	}
	path := fmt.Sprintf("/api/v1/safes/%s/multisig-transactions/", tx.Safe().Hex())
	return s.do(ctx, http.MethodPost, path, p, nil)
}

// ConfirmTransaction adds an owner signature to a proposed transaction.
func (s *TxServiceClient) ConfirmTransaction(ctx context.Context, hash common.Hash, sig sign.Signature) error {
	path := fmt.Sprintf("/api/v1/multisig-transactions/%s/confirmations/", hash.Hex())
	return s.do(ctx, http.MethodPost, path, map[string]string{"signature": sig.String()}, nil)
}

// ServiceTransaction is a proposed transaction as the service reports it.
type ServiceTransaction struct {
	Safe           string          `json:"safe" validate:"required,eth_addr"`
	To             string          `json:"to" validate:"required,eth_addr"`
	Value          decimal.Decimal `json:"value"`
	Data           *string         `json:"data"`
	Operation      uint8           `json:"operation" validate:"lte=1"`
	GasToken       string          `json:"gasToken"`
	SafeTxGas      decimal.Decimal `json:"safeTxGas"`
	BaseGas        decimal.Decimal `json:"baseGas"`
	GasPrice       decimal.Decimal `json:"gasPrice"`
	RefundReceiver string          `json:"refundReceiver"`
	Nonce          decimal.Decimal `json:"nonce"`
	SafeTxHash     string          `json:"safeTxHash" validate:"required"`
	IsExecuted     bool            `json:"isExecuted"`
	Confirmations  []struct {
		Owner     string `json:"owner" validate:"required,eth_addr"`
		Signature string `json:"signature" validate:"required"`
	} `json:"confirmations" validate:"dive"`
}

// GetTransaction fetches a proposed transaction with its confirmations.
func (s *TxServiceClient) GetTransaction(ctx context.Context, hash common.Hash) (*ServiceTransaction, error) {
	var res ServiceTransaction
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/multisig-transactions/%s/", hash.Hex()), nil, &res); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(res); err != nil {
		return nil, fmt.Errorf("invalid transaction %s: %w", hash.Hex(), err)
	}
	return &res, nil
}

// Transaction rebuilds the proposal for version and chainID with its
// confirmations attached. The recomputed hash must match the reported one.
func (st *ServiceTransaction) Transaction(version string, chainID *big.Int) (*Transaction, error) {
	d := TransactionData{
		To:             common.HexToAddress(st.To),
		Value:          st.Value.BigInt(),
		Operation:      Operation(st.Operation),
		SafeTxGas:      st.SafeTxGas.BigInt(),
		BaseGas:        st.BaseGas.BigInt(),
		GasPrice:       st.GasPrice.BigInt(),
		GasToken:       common.HexToAddress(st.GasToken),
		RefundReceiver: common.HexToAddress(st.RefundReceiver),
		Nonce:          uint64(st.Nonce.IntPart()),
	}
	if st.Data != nil {
		data, err := hexutil.Decode(*st.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrInvalidTransaction, err)
		}
		d.Data = data
	}

	tx, err := NewTransaction(common.HexToAddress(st.Safe), version, chainID, d)
	if err != nil {
		return nil, err
	}
	if want := common.HexToHash(st.SafeTxHash); tx.Hash() != want {
		return nil, fmt.Errorf("%w: service hash %s, computed %s", ErrInvalidTransaction, want.Hex(), tx.Hash().Hex())
	}
	for _, c := range st.Confirmations {
		sig, err := sign.Parse(c.Signature)
		if err != nil {
			return nil, err
		}
		if err := tx.AddSignature(common.HexToAddress(c.Owner), sig); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

func (s *TxServiceClient) do(ctx context.Context, method, path string, in, out any) error {
	res, err := s.cb.Execute(func() (any, error) {
		var body io.Reader
		if in != nil {
			b, err := json.Marshal(in)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := newServiceError(resp.StatusCode, raw)
			s.lg.Warn("safe service request failed", "method", method, "path", path, "status", resp.StatusCode, "message", se.Message)
			if se.Temporary() {
				return nil, se
			}
			return se, nil
		}
		s.lg.Debug("safe service request", "method", method, "path", path, "status", resp.StatusCode)

		if out == nil || len(raw) == 0 {
			return nil, nil
		}
		return nil, json.Unmarshal(raw, out)
	})
	if err != nil {
		return err
	}
	if se, ok := res.(*ServiceError); ok {
		return se
	}
	return nil
}
