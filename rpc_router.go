package main

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-playground/validator/v10"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/keyring/multisig"
	"github.com/erc7824/nitrolite/keyring/pkg/safe"
	"github.com/erc7824/nitrolite/keyring/pkg/sign"
)

// RPCRouter binds the wallet to the RPC methods of keyringd.
type RPCRouter struct {
	wallet   *Wallet
	validate *validator.Validate
}

func NewRPCRouter(server *RPCServer, wallet *Wallet) *RPCRouter {
	r := &RPCRouter{wallet: wallet, validate: validator.New()}

	server.Handle("eth_accounts", r.HandleAccounts)
	server.Handle("personal_sign", r.HandlePersonalSign)
	server.Handle("eth_signTypedData_v4", r.HandleSignTypedData)
	server.Handle("eth_signTransaction", r.HandleSignTransaction)
	server.Handle("keyring_addAccounts", r.HandleAddAccounts)
	server.Handle("keyring_removeAccount", r.HandleRemoveAccount)
	server.Handle("keyring_reject", r.HandleReject)
	server.Handle("safe_importAccount", r.HandleImportSafe)
	server.Handle("safe_buildTransaction", r.HandleBuildSafeTransaction)
	server.Handle("safe_validateTransaction", r.HandleValidateSafeTransaction)
	server.Handle("safe_signTransaction", r.HandleSignSafeTransaction)
	server.Handle("safe_execTransaction", r.HandleExecSafeTransaction)
	return r
}

// decode reads and validates the params of req.
func (r *RPCRouter) decode(req *RPCData, v any) error {
	if err := req.DecodeParams(v); err != nil {
		return err
	}
	if err := r.validate.Struct(v); err != nil {
		return RPCErrorf("invalid params: %v", err)
	}
	return nil
}

type AccountsResponse struct {
	Accounts []common.Address `json:"accounts"`
}

func (r *RPCRouter) HandleAccounts(context.Context, *RPCData) (any, error) {
	return AccountsResponse{Accounts: r.wallet.Accounts()}, nil
}

type PersonalSignParams struct {
	Address common.Address `json:"address" validate:"required"`
	Message hexutil.Bytes  `json:"message" validate:"required"`
}

type SignatureResponse struct {
	Signature sign.Signature `json:"signature"`
}

func (r *RPCRouter) HandlePersonalSign(ctx context.Context, req *RPCData) (any, error) {
	var p PersonalSignParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	sig, err := r.wallet.SignPersonalMessage(ctx, p.Address, p.Message)
	if err != nil {
		return nil, err
	}
	return SignatureResponse{Signature: sig}, nil
}

type SignTypedDataParams struct {
	Address   common.Address     `json:"address" validate:"required"`
	TypedData apitypes.TypedData `json:"typedData"`
}

func (r *RPCRouter) HandleSignTypedData(ctx context.Context, req *RPCData) (any, error) {
	var p SignTypedDataParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	if p.TypedData.PrimaryType == "" {
		return nil, RPCErrorf("invalid params: typed data has no primary type")
	}
	sig, err := r.wallet.SignTypedData(ctx, p.Address, p.TypedData, keyring.TypedDataOptions{Version: keyring.TypedDataV4})
	if err != nil {
		return nil, err
	}
	return SignatureResponse{Signature: sig}, nil
}

type SignTransactionParams struct {
	Address     common.Address     `json:"address" validate:"required"`
	ChainID     *hexutil.Big       `json:"chainId"`
	Transaction *types.Transaction `json:"transaction" validate:"required"`
}

type SignTransactionResponse struct {
	Raw     hexutil.Bytes     `json:"raw"`
	Hash    common.Hash       `json:"hash"`
	Session *multisig.Session `json:"session,omitempty"`
}

func (r *RPCRouter) HandleSignTransaction(ctx context.Context, req *RPCData) (any, error) {
	var p SignTransactionParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	signed, err := r.wallet.SignTransaction(ctx, p.Address, p.Transaction, (*big.Int)(p.ChainID))
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	res := SignTransactionResponse{Raw: raw, Hash: signed.Hash()}
	if keyring.Contains(r.wallet.Safes(), p.Address) {
		res.Session = r.wallet.Safes().Current()
	}
	return res, nil
}

type AddAccountsParams struct {
	Keyring keyring.Type `json:"keyring" validate:"required"`
	Count   int          `json:"count" validate:"gte=1,lte=100"`
}

func (r *RPCRouter) HandleAddAccounts(ctx context.Context, req *RPCData) (any, error) {
	p := AddAccountsParams{Count: 1}
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	if p.Keyring == keyring.TypeMultisig {
		return nil, RPCErrorf("safes are added with safe_importAccount")
	}
	accounts, err := r.wallet.AddAccounts(ctx, p.Keyring, p.Count)
	if err != nil {
		return nil, err
	}
	return AccountsResponse{Accounts: accounts}, nil
}

type AddressParams struct {
	Address common.Address `json:"address" validate:"required"`
}

func (r *RPCRouter) HandleRemoveAccount(_ context.Context, req *RPCData) (any, error) {
	var p AddressParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	if err := r.wallet.RemoveAccount(p.Address); err != nil {
		return nil, err
	}
	return AccountsResponse{Accounts: r.wallet.Accounts()}, nil
}

type RejectParams struct {
	Reason string `json:"reason"`
}

type RejectResponse struct {
	Rejected bool `json:"rejected"`
}

func (r *RPCRouter) HandleReject(_ context.Context, req *RPCData) (any, error) {
	var p RejectParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	if p.Reason == "" {
		p.Reason = "rejected by user"
	}
	return RejectResponse{Rejected: r.wallet.Reject(p.Reason)}, nil
}

type ImportSafeParams struct {
	Safe       common.Address `json:"safe" validate:"required"`
	NetworkIDs []string       `json:"networkIds" validate:"required,min=1,dive,numeric"`
}

func (r *RPCRouter) HandleImportSafe(ctx context.Context, req *RPCData) (any, error) {
	var p ImportSafeParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	if err := r.wallet.ImportSafe(ctx, p.Safe, p.NetworkIDs...); err != nil {
		return nil, err
	}
	return AccountsResponse{Accounts: r.wallet.Safes().GetAccounts()}, nil
}

type BuildSafeTransactionParams struct {
	Safe        common.Address          `json:"safe" validate:"required"`
	ChainID     *hexutil.Big            `json:"chainId" validate:"required"`
	Version     string                  `json:"version"`
	Transaction safe.PartialTransaction `json:"transaction"`
}

// SafeSessionResponse describes a Safe session to owners.
type SafeSessionResponse struct {
	SessionID   string             `json:"sessionId"`
	SafeTxHash  common.Hash        `json:"safeTxHash"`
	Transaction *safe.Transaction  `json:"transaction"`
	TypedData   apitypes.TypedData `json:"typedData"`
}

func sessionResponse(s *multisig.Session) SafeSessionResponse {
	return SafeSessionResponse{
		SessionID:   s.ID.String(),
		SafeTxHash:  s.Tx.Hash(),
		Transaction: s.Tx,
		TypedData:   s.Tx.TypedData(),
	}
}

func (r *RPCRouter) HandleBuildSafeTransaction(ctx context.Context, req *RPCData) (any, error) {
	var p BuildSafeTransactionParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	if err := r.validate.Struct(p.Transaction); err != nil {
		return nil, RPCErrorf("invalid transaction: %v", err)
	}
	s, err := r.wallet.BuildSafeTransaction(ctx, p.Safe, p.Transaction, p.Version, (*big.Int)(p.ChainID))
	if err != nil {
		return nil, err
	}
	return sessionResponse(s), nil
}

type ValidateSafeTransactionParams struct {
	Safe        common.Address          `json:"safe" validate:"required"`
	ChainID     *hexutil.Big            `json:"chainId" validate:"required"`
	Version     string                  `json:"version" validate:"required"`
	Transaction safe.PartialTransaction `json:"transaction"`
	SafeTxHash  common.Hash             `json:"safeTxHash" validate:"required"`
}

type ValidateResponse struct {
	Valid bool `json:"valid"`
}

func (r *RPCRouter) HandleValidateSafeTransaction(ctx context.Context, req *RPCData) (any, error) {
	var p ValidateSafeTransactionParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	ok, err := r.wallet.Safes().ValidateTransaction(ctx, multisig.ValidateParams{
		Safe:        p.Safe,
		Version:     p.Version,
		ChainID:     (*big.Int)(p.ChainID),
		Transaction: p.Transaction,
	}, p.SafeTxHash)
	if err != nil {
		return nil, err
	}
	return ValidateResponse{Valid: ok}, nil
}

// SafeTxRef points at a Safe transaction.
type SafeTxRef struct {
	Safe       common.Address `json:"safe" validate:"required"`
	ChainID    *hexutil.Big   `json:"chainId" validate:"required"`
	SafeTxHash common.Hash    `json:"safeTxHash" validate:"required"`
}

type SignSafeTransactionParams struct {
	SafeTxRef
	Owner common.Address `json:"owner" validate:"required"`
}

func (r *RPCRouter) HandleSignSafeTransaction(ctx context.Context, req *RPCData) (any, error) {
	var p SignSafeTransactionParams
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	s, err := r.wallet.SafeSession(ctx, p.Safe, (*big.Int)(p.ChainID), p.SafeTxHash)
	if err != nil {
		return nil, err
	}
	return r.wallet.SignSafeTransaction(ctx, p.Owner, s)
}

type ExecResponse struct {
	TxHash common.Hash `json:"txHash"`
}

func (r *RPCRouter) HandleExecSafeTransaction(ctx context.Context, req *RPCData) (any, error) {
	var p SafeTxRef
	if err := r.decode(req, &p); err != nil {
		return nil, err
	}
	s, err := r.wallet.SafeSession(ctx, p.Safe, (*big.Int)(p.ChainID), p.SafeTxHash)
	if err != nil {
		return nil, err
	}
	txHash, err := r.wallet.ExecSafeTransaction(ctx, s)
	if err != nil {
		return nil, err
	}
	return ExecResponse{TxHash: txHash}, nil
}
