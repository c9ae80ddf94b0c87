package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mosh-tickets/sponsor-relay/internal/config"
	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
)

// Backend is the chain access the ledger needs. *ethclient.Client and the
// simulated backend's client both satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Addresses of the deployed contracts. A zero address leaves that contract
// type unregistered.
type Addresses struct {
	EventManager common.Address
	Ticket       common.Address
	Marketplace  common.Address
}

// Contract is a registered contract type with its parsed ABI.
type Contract struct {
	Type    string
	Address common.Address
	ABI     abi.ABI
	bound   *bind.BoundContract
}

// Client wraps a chain backend and the contract registry.
type Client struct {
	backend   Backend
	chainID   *big.Int
	contracts map[string]*Contract
	closer    func()
}

// Dial connects to cfg.Chain.RPCURL and registers the configured contracts.
func Dial(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c, err := NewClient(eth, big.NewInt(cfg.Chain.ChainID), Addresses{
		EventManager: common.HexToAddress(cfg.Chain.EventManager),
		Ticket:       addressOrZero(cfg.Chain.Ticket),
		Marketplace:  addressOrZero(cfg.Chain.Marketplace),
	})
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close
	return c, nil
}

func NewClient(backend Backend, chainID *big.Int, addrs Addresses) (*Client, error) {
	if addrs.EventManager == (common.Address{}) {
		return nil, fmt.Errorf("event manager address is required")
	}
	c := &Client{
		backend:   backend,
		chainID:   new(big.Int).Set(chainID),
		contracts: make(map[string]*Contract),
	}
	for _, def := range []struct {
		typ  string
		addr common.Address
		abi  string
	}{
		{ContractEventManager, addrs.EventManager, eventManagerABI},
		{ContractTicket, addrs.Ticket, ticketABI},
		{ContractMarketplace, addrs.Marketplace, marketplaceABI},
	} {
		if def.addr == (common.Address{}) {
			continue
		}
		parsed, err := abi.JSON(strings.NewReader(def.abi))
		if err != nil {
			return nil, fmt.Errorf("parse %s abi: %w", def.typ, err)
		}
		c.contracts[def.typ] = &Contract{
			Type:    def.typ,
			Address: def.addr,
			ABI:     parsed,
			bound:   bind.NewBoundContract(def.addr, parsed, backend, backend, backend),
		}
	}
	return c, nil
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *Client) Backend() Backend { return c.backend }

// ChainID returns a copy of the configured chain ID.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Contract looks up a registered contract type.
func (c *Client) Contract(contractType string) (*Contract, error) {
	ct, ok := c.contracts[contractType]
	if !ok {
		return nil, errs.Validation("unknown contractType %q", contractType)
	}
	return ct, nil
}

// EventManager is always registered.
func (c *Client) EventManager() *Contract { return c.contracts[ContractEventManager] }

// RoleOf reads the subject's role from the event manager.
func (c *Client) RoleOf(ctx context.Context, user common.Address) (intent.Role, error) {
	var out []interface{}
	if err := c.EventManager().bound.Call(&bind.CallOpts{Context: ctx}, &out, "roles", user); err != nil {
		return intent.RoleUnknown, errs.Unavailable("role lookup failed", err)
	}
	if len(out) != 1 {
		return intent.RoleUnknown, errs.Unavailable("role lookup failed", fmt.Errorf("unexpected output length %d", len(out)))
	}
	raw := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	return intent.RoleFromLedger(raw), nil
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, errs.Unavailable("balance lookup failed", err)
	}
	return bal, nil
}

// PackCall resolves contractType.functionName and ABI-encodes the JSON args
// against the method's inputs.
func (c *Client) PackCall(contractType, functionName string, args []json.RawMessage) (common.Address, []byte, error) {
	ct, err := c.Contract(contractType)
	if err != nil {
		return common.Address{}, nil, err
	}
	method, ok := ct.ABI.Methods[functionName]
	if !ok {
		return common.Address{}, nil, errs.Validation("unknown function %s.%s", contractType, functionName)
	}
	if len(args) != len(method.Inputs) {
		return common.Address{}, nil, errs.Validation("%s expects %d args, got %d", functionName, len(method.Inputs), len(args))
	}
	values := make([]interface{}, len(args))
	for i, in := range method.Inputs {
		v, err := coerceArg(in.Type, args[i])
		if err != nil {
			return common.Address{}, nil, errs.Validation("arg %d (%s %s): %v", i, in.Type.String(), in.Name, err)
		}
		values[i] = v
	}
	data, err := ct.ABI.Pack(functionName, values...)
	if err != nil {
		return common.Address{}, nil, errs.Validation("pack %s: %v", functionName, err)
	}
	return ct.Address, data, nil
}

// Payable reports whether contractType.functionName accepts value.
func (c *Client) Payable(contractType, functionName string) bool {
	ct, ok := c.contracts[contractType]
	if !ok {
		return false
	}
	m, ok := ct.ABI.Methods[functionName]
	return ok && m.IsPayable()
}

// PackRoleMeta encodes registerAs{Fan,Musician}Meta(user, v, r, s). The
// contract recovers with ecrecover, which wants V in {27,28}.
func (c *Client) PackRoleMeta(role intent.Role, subject common.Address, sig intent.Signature) (common.Address, []byte, error) {
	method := role.MetaMethod()
	if method == "" {
		return common.Address{}, nil, errs.Validation("invalid role")
	}
	v := sig.V
	if v < 27 {
		v += 27
	}
	em := c.EventManager()
	data, err := em.ABI.Pack(method, subject, v, sig.R, sig.S)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return em.Address, data, nil
}

func addressOrZero(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
