package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
)

// UserTransactor submits transactions paid for by the user's own key. It is
// the direct path the fallback orchestrator takes when sponsorship fails.
type UserTransactor struct {
	// GasLimit caps every transaction. Zero lets the node estimate.
	GasLimit uint64

	client         *Client
	key            *ecdsa.PrivateKey
	from           common.Address
	confirmTimeout time.Duration
}

func NewUserTransactor(client *Client, key *ecdsa.PrivateKey, confirmTimeout time.Duration) *UserTransactor {
	return &UserTransactor{
		client:         client,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		confirmTimeout: confirmTimeout,
	}
}

func (u *UserTransactor) Address() common.Address { return u.from }

// transactOpts builds a *bind.TransactOpts signed by the user key.
func (u *UserTransactor) transactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(u.key, u.client.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	auth.GasLimit = u.GasLimit
	if value != nil {
		auth.Value = value
	}
	return auth, nil
}

// RegisterRole calls registerAsFan/registerAsMusician from the user's account.
func (u *UserTransactor) RegisterRole(ctx context.Context, role intent.Role) (*types.Receipt, error) {
	action := role.Action()
	if action == "" {
		return nil, errs.Validation("invalid role")
	}
	opts, err := u.transactOpts(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := u.client.EventManager().bound.Transact(opts, action)
	if err != nil {
		return nil, errs.Execution(RevertReason(err), fmt.Errorf("%s tx: %w", action, err))
	}
	return u.wait(ctx, tx)
}

// Invoke sends contractType.functionName(args) with value from the user's account.
func (u *UserTransactor) Invoke(ctx context.Context, contractType, functionName string, args []json.RawMessage, value *big.Int) (*types.Receipt, error) {
	_, data, err := u.client.PackCall(contractType, functionName, args)
	if err != nil {
		return nil, err
	}
	ct := u.client.contracts[contractType]
	opts, err := u.transactOpts(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := ct.bound.RawTransact(opts, data)
	if err != nil {
		return nil, errs.Execution(RevertReason(err), fmt.Errorf("%s tx: %w", functionName, err))
	}
	return u.wait(ctx, tx)
}

func (u *UserTransactor) wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if u.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.confirmTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(ctx, u.client.backend, tx)
	if err != nil {
		return nil, errs.Unavailable("wait mined "+tx.Hash().Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, errs.Execution("transaction reverted", fmt.Errorf("tx reverted: %s", tx.Hash().Hex()))
	}
	return receipt, nil
}
