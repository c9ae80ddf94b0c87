// Package sponsor owns the sponsor key and submits transactions paid for by
// the sponsor account.
//
// All submissions go through a single goroutine (Run) that owns the account
// nonce. Confirmation waits happen on the caller's goroutine so a slow block
// never stalls the queue.
package sponsor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/ledger"
)

// Backend is the chain access the executor needs.
type Backend interface {
	bind.DeployBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call is one sponsored transaction. ContractType and Method are for logs.
// A nil GasPrice takes the node's suggestion at submission time.
type Call struct {
	ContractType string
	Method       string
	To           common.Address
	Data         []byte
	Value        *big.Int
	GasLimit     uint64
	GasPrice     *big.Int
}

// Receipt is the confirmed outcome of a sponsored call.
type Receipt struct {
	TxHash            common.Hash
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Cost is the gas the sponsor paid for this receipt.
func (r *Receipt) Cost() *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

type submitResult struct {
	tx  *types.Transaction
	err error
}

type job struct {
	ctx  context.Context
	call Call
	resp chan submitResult
}

type Executor struct {
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	signer         types.Signer
	confirmTimeout time.Duration
	log            *zap.Logger

	jobs    chan job
	stopped chan struct{}

	// Owned by Run.
	nonce      uint64
	nonceValid bool
}

func NewExecutor(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, confirmTimeout time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		backend:        backend,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		signer:         types.LatestSignerForChainID(chainID),
		confirmTimeout: confirmTimeout,
		log:            log,
		jobs:           make(chan job),
		stopped:        make(chan struct{}),
	}
}

// Address is the sponsor account.
func (e *Executor) Address() common.Address { return e.from }

// Balance reads the sponsor's live balance.
func (e *Executor) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := e.backend.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, errs.Unavailable("sponsor balance lookup failed", err)
	}
	return bal, nil
}

// GasPrice is the node's current suggested gas price.
func (e *Executor) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.Unavailable("gas price lookup failed", err)
	}
	return price, nil
}

// Run is the submission loop. It returns when ctx is cancelled; Execute calls
// made afterwards fail with UnavailableError.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.stopped)
	e.log.Info("sponsor executor started", zap.String("sponsor", e.from.Hex()))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sponsor executor stopped")
			return
		case j := <-e.jobs:
			if j.ctx.Err() != nil {
				j.resp <- submitResult{err: errs.Unavailable("request cancelled", j.ctx.Err())}
				continue
			}
			tx, err := e.submit(j.ctx, j.call)
			j.resp <- submitResult{tx: tx, err: err}
		}
	}
}

// Execute submits call from the sponsor account and waits for confirmation.
func (e *Executor) Execute(ctx context.Context, call Call) (*Receipt, error) {
	if call.GasLimit == 0 {
		return nil, errs.Validation("gas limit is required")
	}
	resp := make(chan submitResult, 1)
	select {
	case e.jobs <- job{ctx: ctx, call: call, resp: resp}:
	case <-e.stopped:
		return nil, errs.Unavailable("sponsor executor stopped", nil)
	case <-ctx.Done():
		return nil, errs.Unavailable("request cancelled", ctx.Err())
	}
	res := <-resp
	if res.err != nil {
		return nil, res.err
	}
	return e.confirm(ctx, call, res.tx)
}

// submit runs on the Run goroutine only.
func (e *Executor) submit(ctx context.Context, call Call) (*types.Transaction, error) {
	if !e.nonceValid {
		n, err := e.backend.PendingNonceAt(ctx, e.from)
		if err != nil {
			return nil, errs.Unavailable("sponsor nonce lookup failed", err)
		}
		e.nonce, e.nonceValid = n, true
	}

	gasPrice := call.GasPrice
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		var err error
		if gasPrice, err = e.GasPrice(ctx); err != nil {
			return nil, err
		}
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	balance, err := e.backend.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, errs.Unavailable("sponsor balance lookup failed", err)
	}
	need := new(big.Int).Mul(new(big.Int).SetUint64(call.GasLimit), gasPrice)
	need.Add(need, value)
	if balance.Cmp(need) < 0 {
		e.log.Warn("sponsor balance too low",
			zap.String("balance", balance.String()),
			zap.String("need", need.String()))
		return nil, errs.InsufficientFunds(fmt.Sprintf("sponsor balance %s wei below required %s wei", balance, need))
	}

	to := call.To
	msg := ethereum.CallMsg{From: e.from, To: &to, Gas: call.GasLimit, GasPrice: gasPrice, Value: value, Data: call.Data}
	if _, err := e.backend.CallContract(ctx, msg, nil); err != nil {
		reason := ledger.RevertReason(err)
		e.log.Info("preflight reverted", zap.String("method", call.Method), zap.String("reason", reason))
		return nil, errs.Execution(reason, err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    e.nonce,
		To:       &to,
		Value:    value,
		Gas:      call.GasLimit,
		GasPrice: gasPrice,
		Data:     call.Data,
	}), e.signer, e.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, tx); err != nil {
		// The node may have seen transactions we did not send through this loop.
		e.nonceValid = false
		return nil, errs.Unavailable("submit transaction failed", err)
	}
	e.nonce++

	e.log.Info("sponsored tx submitted",
		zap.String("tx", tx.Hash().Hex()),
		zap.String("contract", call.ContractType),
		zap.String("method", call.Method),
		zap.Uint64("nonce", tx.Nonce()))
	return tx, nil
}

func (e *Executor) confirm(ctx context.Context, call Call, tx *types.Transaction) (*Receipt, error) {
	if e.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.confirmTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(ctx, e.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.log.Warn("sponsored tx not confirmed in time", zap.String("tx", tx.Hash().Hex()))
		}
		return nil, errs.Unavailable("transaction "+tx.Hash().Hex()+" not confirmed", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		reason := e.replayRevert(ctx, call, tx, receipt)
		e.log.Warn("sponsored tx reverted", zap.String("tx", tx.Hash().Hex()), zap.String("reason", reason))
		return nil, errs.Execution(reason, fmt.Errorf("tx reverted: %s", tx.Hash().Hex()))
	}

	out := &Receipt{
		TxHash:            tx.Hash(),
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if out.EffectiveGasPrice == nil {
		out.EffectiveGasPrice = tx.GasPrice()
	}
	e.log.Info("sponsored tx confirmed",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("block", out.BlockNumber),
		zap.Uint64("gas_used", out.GasUsed))
	return out, nil
}

// replayRevert re-executes a failed transaction against its parent block to
// recover the revert reason.
func (e *Executor) replayRevert(ctx context.Context, call Call, tx *types.Transaction, receipt *types.Receipt) string {
	var parent *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		parent = new(big.Int).Sub(receipt.BlockNumber, common.Big1)
	}
	msg := ethereum.CallMsg{From: e.from, To: tx.To(), Gas: tx.Gas(), GasPrice: tx.GasPrice(), Value: tx.Value(), Data: call.Data}
	if _, err := e.backend.CallContract(ctx, msg, parent); err != nil {
		return ledger.RevertReason(err)
	}
	return "transaction reverted"
}
