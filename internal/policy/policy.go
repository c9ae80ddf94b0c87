// Package policy decides whether a verified intent may be sponsored. It runs
// strictly before any transaction is built: allow-list, role state, value and
// rolling-window caps, deadline and one-time nonce.
package policy

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mosh-tickets/sponsor-relay/internal/config"
	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
)

// MaxDeadlineAhead bounds how far in the future a generic intent may expire.
const MaxDeadlineAhead = 5 * time.Minute

// RoleReader reads the subject's current role from the ledger.
type RoleReader interface {
	RoleOf(ctx context.Context, user common.Address) (intent.Role, error)
}

// Request is the policy-relevant view of a verified intent.
type Request struct {
	FunctionName string
	Subject      common.Address
	Value        *big.Int
	Nonce        *big.Int
	Deadline     int64
	Generic      bool

	// GasCeiling is the most gas the sponsor may burn on this call, in wei
	// (gas limit times current gas price). It is reserved in the spend window
	// with Value until Charge swaps in the actual cost.
	GasCeiling *big.Int
}

// Decision is the policy outcome. Ticket identifies the spend-window
// reservation held for an allowed generic call; pass it to Charge or Release.
type Decision struct {
	Allowed bool
	Reason  string
	Code    string
	Ticket  string
}

// Err converts a rejection into an *errs.Error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errs.Authorization(d.Code, d.Reason)
}

func deny(code, format string, args ...any) Decision {
	return Decision{Code: code, Reason: fmt.Sprintf(format, args...)}
}

type Policy struct {
	allowed  map[string]struct{}
	ordered  []string
	roles    RoleReader
	rdb      *redis.Client
	spend    *SpendTracker
	maxValue *big.Int
	now      func() time.Time
	log      *zap.Logger
}

func New(cfg config.PolicyConfig, roles RoleReader, rdb *redis.Client, log *zap.Logger) (*Policy, error) {
	maxValue, err := config.ParseWei(cfg.MaxValuePerCallWei)
	if err != nil {
		return nil, fmt.Errorf("max value per call: %w", err)
	}
	maxSpend, err := config.ParseWei(cfg.MaxSpendPerWindowWei)
	if err != nil {
		return nil, fmt.Errorf("max spend per window: %w", err)
	}
	p := &Policy{
		allowed:  make(map[string]struct{}, len(cfg.AllowedFunctions)),
		roles:    roles,
		rdb:      rdb,
		spend:    NewSpendTracker(rdb, cfg.Window(), maxSpend, cfg.MaxCallsPerWindow),
		maxValue: maxValue,
		now:      time.Now,
		log:      log,
	}
	for _, fn := range cfg.AllowedFunctions {
		if _, dup := p.allowed[fn]; dup {
			continue
		}
		p.allowed[fn] = struct{}{}
		p.ordered = append(p.ordered, fn)
	}
	return p, nil
}

// AllowedFunctions lists the sponsored function names in configured order.
func (p *Policy) AllowedFunctions() []string {
	return append([]string(nil), p.ordered...)
}

// Allowed reports whether functionName is on the sponsorship allow-list.
func (p *Policy) Allowed(functionName string) bool {
	_, ok := p.allowed[functionName]
	return ok
}

// Spend exposes the window tracker for read-only reporting.
func (p *Policy) Spend() *SpendTracker { return p.spend }

// Decide evaluates req. A non-nil error means the policy could not reach a
// decision (ledger or Redis unavailable); the caller must not sponsor.
func (p *Policy) Decide(ctx context.Context, req Request) (Decision, error) {
	if !p.Allowed(req.FunctionName) {
		return deny(errs.CodeNotEligible, "function %s is not sponsored", req.FunctionName), nil
	}

	if role, ok := intent.RoleForAction(req.FunctionName); ok {
		current, err := p.roles.RoleOf(ctx, req.Subject)
		if err != nil {
			return Decision{}, err
		}
		// RoleUnknown lands here too: an unrecognised ledger value is a role.
		if current != intent.RoleNone {
			return deny(errs.CodeAlreadyRegistered, "address %s already registered as %s", req.Subject.Hex(), current), nil
		}
		if !req.Generic {
			p.log.Debug("role registration allowed", zap.String("subject", req.Subject.Hex()), zap.Stringer("role", role))
			return Decision{Allowed: true}, nil
		}
	}

	if !req.Generic {
		return Decision{Allowed: true}, nil
	}
	return p.decideGeneric(ctx, req)
}

func (p *Policy) decideGeneric(ctx context.Context, req Request) (Decision, error) {
	if req.Nonce == nil {
		return Decision{}, errs.Validation("nonce is required")
	}
	now := p.now()
	if req.Deadline <= now.Unix() {
		return deny(errs.CodeNotEligible, "intent expired"), nil
	}
	if req.Deadline > now.Add(MaxDeadlineAhead).Unix() {
		return deny(errs.CodeNotEligible, "deadline more than %s ahead", MaxDeadlineAhead), nil
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	if value.Cmp(p.maxValue) > 0 {
		return deny(errs.CodeLimitExceeded, "value %s wei exceeds per-call limit %s wei", value, p.maxValue), nil
	}

	reserve := new(big.Int).Set(value)
	if req.GasCeiling != nil {
		if req.GasCeiling.Sign() < 0 {
			return Decision{}, errs.Validation("gas ceiling must not be negative")
		}
		reserve.Add(reserve, req.GasCeiling)
	}
	ticket, ok, err := p.spend.Reserve(ctx, req.Subject, reserve)
	if err != nil {
		return Decision{}, errs.Unavailable("spend tracker unavailable", err)
	}
	if !ok {
		return deny(errs.CodeLimitExceeded, "sponsorship window limit reached for %s", req.Subject.Hex()), nil
	}

	ttl := time.Unix(req.Deadline, 0).Sub(now)
	claimed, err := ClaimNonce(ctx, p.rdb, req.Subject, req.Nonce, ttl)
	if err != nil {
		p.release(ctx, req.Subject, ticket)
		return Decision{}, errs.Unavailable("nonce store unavailable", err)
	}
	if !claimed {
		p.release(ctx, req.Subject, ticket)
		return deny(errs.CodeNonceAlreadyUsed, "nonce %s already used", req.Nonce), nil
	}
	return Decision{Allowed: true, Ticket: ticket}, nil
}

// Release returns a reservation after a failed submission.
func (p *Policy) Release(ctx context.Context, subject common.Address, d Decision) {
	p.release(ctx, subject, d.Ticket)
}

// Charge records the final sponsored cost against the subject's window.
func (p *Policy) Charge(ctx context.Context, subject common.Address, d Decision, total *big.Int) {
	if err := p.spend.Charge(ctx, subject, d.Ticket, total); err != nil {
		p.log.Warn("charge spend window", zap.String("subject", subject.Hex()), zap.Error(err))
	}
}

func (p *Policy) release(ctx context.Context, subject common.Address, ticket string) {
	if err := p.spend.Release(ctx, subject, ticket); err != nil {
		p.log.Warn("release spend reservation", zap.String("subject", subject.Hex()), zap.Error(err))
	}
}
