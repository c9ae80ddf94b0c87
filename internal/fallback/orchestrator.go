// Package fallback tries the sponsored path first and falls back to a single
// user-paid transaction when the relay is unhealthy or rejects the intent.
package fallback

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
	"github.com/mosh-tickets/sponsor-relay/internal/relayclient"
)

// Relay is satisfied by *relayclient.Client.
type Relay interface {
	Health(ctx context.Context) (*relayclient.Health, error)
	RegisterRole(ctx context.Context, req relayclient.RoleRequest) (*relayclient.Result, error)
	RelayTransaction(ctx context.Context, req relayclient.CallRequest) (*relayclient.Result, error)
}

// Direct is satisfied by *ledger.UserTransactor.
type Direct interface {
	RegisterRole(ctx context.Context, role intent.Role) (*types.Receipt, error)
	Invoke(ctx context.Context, contractType, functionName string, args []json.RawMessage, value *big.Int) (*types.Receipt, error)
}

// Packer is satisfied by *ledger.Client.
type Packer interface {
	PackCall(contractType, functionName string, args []json.RawMessage) (common.Address, []byte, error)
	ChainID() *big.Int
	RoleOf(ctx context.Context, user common.Address) (intent.Role, error)
}

// Call is a generic contract invocation.
type Call struct {
	ContractType string
	FunctionName string
	Args         []json.RawMessage
	Value        *big.Int
}

// Result describes which path landed the transaction.
type Result struct {
	Sponsored      bool
	TxHash         common.Hash
	BlockNumber    uint64
	GasUsed        uint64
	SponsoredBy    common.Address
	FallbackReason string
}

// Error is returned when both paths failed. Sponsored is nil only when the
// sponsored path was never attempted.
type Error struct {
	Sponsored error
	Direct    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sponsored path: %v; direct path: %v", e.Sponsored, e.Direct)
}

func (e *Error) Unwrap() []error {
	var out []error
	for _, err := range []error{e.Sponsored, e.Direct} {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Options tunes the orchestrator. Zero values take defaults.
type Options struct {
	HealthTimeout time.Duration // default 5s
	IntentTTL     time.Duration // default 2m, must stay under the relay's 5m cap
}

type Orchestrator struct {
	relay   Relay
	direct  Direct
	packer  Packer
	key     *ecdsa.PrivateKey
	subject common.Address
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

func New(relay Relay, direct Direct, packer Packer, key *ecdsa.PrivateKey, opts Options, log *zap.Logger) *Orchestrator {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = 2 * time.Minute
	}
	return &Orchestrator{
		relay:   relay,
		direct:  direct,
		packer:  packer,
		key:     key,
		subject: crypto.PubkeyToAddress(key.PublicKey),
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
}

// Subject is the user address this orchestrator signs for.
func (o *Orchestrator) Subject() common.Address { return o.subject }

// Register registers the user's role, sponsored when possible.
func (o *Orchestrator) Register(ctx context.Context, role intent.Role) (*Result, error) {
	if role.Action() == "" {
		return nil, errs.Validation("role %s is not registrable", role)
	}

	sponsoredErr := o.checkHealth(ctx)
	if sponsoredErr == nil {
		res, err := o.registerSponsored(ctx, role)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errs.ErrAlreadyRegistered) {
			return nil, err
		}
		if errs.KindOf(err) == errs.KindExecution {
			// A revert usually means another registration won the race.
			if held := o.heldRole(ctx); held != intent.RoleNone {
				return nil, errs.Authorization(errs.CodeAlreadyRegistered, "user already has role "+held.String())
			}
		}
		sponsoredErr = err
	}

	o.log.Info("falling back to direct registration",
		zap.String("subject", o.subject.Hex()),
		zap.Error(sponsoredErr))
	receipt, err := o.direct.RegisterRole(ctx, role)
	if err != nil {
		return nil, &Error{Sponsored: sponsoredErr, Direct: err}
	}
	return directResult(receipt, sponsoredErr), nil
}

// Invoke submits a generic call, sponsored when possible.
func (o *Orchestrator) Invoke(ctx context.Context, call Call) (*Result, error) {
	if call.Value == nil {
		call.Value = new(big.Int)
	}

	sponsoredErr := o.checkHealth(ctx)
	if sponsoredErr == nil {
		res, err := o.invokeSponsored(ctx, call)
		if err == nil {
			return res, nil
		}
		if errs.KindOf(err) == errs.KindValidation {
			// The direct path would build the same calldata and fail the same way.
			return nil, err
		}
		sponsoredErr = err
	}

	o.log.Info("falling back to direct call",
		zap.String("subject", o.subject.Hex()),
		zap.String("function", call.FunctionName),
		zap.Error(sponsoredErr))
	receipt, err := o.direct.Invoke(ctx, call.ContractType, call.FunctionName, call.Args, call.Value)
	if err != nil {
		return nil, &Error{Sponsored: sponsoredErr, Direct: err}
	}
	return directResult(receipt, sponsoredErr), nil
}

// heldRole reads the subject's role from the ledger. A failed read reports
// RoleNone so the caller still gets its direct attempt.
func (o *Orchestrator) heldRole(ctx context.Context) intent.Role {
	role, err := o.packer.RoleOf(ctx, o.subject)
	if err != nil {
		o.log.Warn("role lookup failed", zap.String("subject", o.subject.Hex()), zap.Error(err))
		return intent.RoleNone
	}
	return role
}

func (o *Orchestrator) checkHealth(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, o.opts.HealthTimeout)
	defer cancel()
	h, err := o.relay.Health(hctx)
	if err != nil {
		return err
	}
	if !h.OK() {
		return errs.Unavailable("relay unhealthy: "+h.Status, nil)
	}
	return nil
}

func (o *Orchestrator) registerSponsored(ctx context.Context, role intent.Role) (*Result, error) {
	sig, err := intent.Sign(intent.RoleDigest(role.Action(), o.subject), o.key)
	if err != nil {
		return nil, fmt.Errorf("sign role intent: %w", err)
	}
	res, err := o.relay.RegisterRole(ctx, relayclient.RoleRequest{
		UserAddress: o.subject.Hex(),
		Role:        role.String(),
		Signature:   sig.Wire(),
	})
	if err != nil {
		return nil, err
	}
	return sponsoredResult(res), nil
}

func (o *Orchestrator) invokeSponsored(ctx context.Context, call Call) (*Result, error) {
	_, data, err := o.packer.PackCall(call.ContractType, call.FunctionName, call.Args)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	nonce := new(big.Int).SetBytes(id[:])
	deadline := o.now().Add(o.opts.IntentTTL).Unix()

	digest, err := intent.CallDigest(intent.CallIntent{
		ContractType: call.ContractType,
		FunctionName: call.FunctionName,
		Calldata:     data,
		Value:        call.Value,
		Subject:      o.subject,
		Nonce:        nonce,
		Deadline:     deadline,
	}, o.packer.ChainID())
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	sig, err := intent.Sign(digest, o.key)
	if err != nil {
		return nil, fmt.Errorf("sign call intent: %w", err)
	}
	res, err := o.relay.RelayTransaction(ctx, relayclient.CallRequest{
		ContractType: call.ContractType,
		FunctionName: call.FunctionName,
		Args:         call.Args,
		Value:        call.Value.String(),
		UserAddress:  o.subject.Hex(),
		Nonce:        nonce.String(),
		Deadline:     deadline,
		Signature:    sig.Wire(),
	})
	if err != nil {
		return nil, err
	}
	return sponsoredResult(res), nil
}

func sponsoredResult(res *relayclient.Result) *Result {
	hash := res.TxHash
	if hash == "" {
		hash = res.TransactionHash
	}
	gas, _ := new(big.Int).SetString(res.GasUsed, 10)
	out := &Result{
		Sponsored:   true,
		TxHash:      common.HexToHash(hash),
		BlockNumber: res.BlockNumber,
		SponsoredBy: common.HexToAddress(res.SponsoredBy),
	}
	if gas != nil && gas.IsUint64() {
		out.GasUsed = gas.Uint64()
	}
	return out
}

func directResult(r *types.Receipt, reason error) *Result {
	out := &Result{TxHash: r.TxHash, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if reason != nil {
		out.FallbackReason = reason.Error()
	}
	return out
}
