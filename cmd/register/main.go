// cmd/register registers a role (or sends a generic call) through the relay,
// falling back to a self-paid transaction when sponsorship is unavailable.
//
// Usage:
//
//	USER_PRIVATE_KEY=0x<key> \
//	go run ./cmd/register/ \
//	  --relay         http://localhost:3001 \
//	  --rpc           http://localhost:8545 \
//	  --chain-id      31337 \
//	  --event-manager 0x... \
//	  --role          fan
//
// Generic call:
//
//	go run ./cmd/register/ ... --contract EventManager --function buyTicket --args '[1]' --value 1000
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/fallback"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
	"github.com/mosh-tickets/sponsor-relay/internal/keysource"
	"github.com/mosh-tickets/sponsor-relay/internal/ledger"
	"github.com/mosh-tickets/sponsor-relay/internal/relayclient"
)

func main() {
	relayURL := flag.String("relay", "http://localhost:3001", "Relay base URL")
	rpc := flag.String("rpc", "http://localhost:8545", "RPC endpoint")
	chainID := flag.Int64("chain-id", 31337, "Chain ID")
	eventManager := flag.String("event-manager", "", "EventManager contract address")
	ticket := flag.String("ticket", "", "Ticket contract address")
	marketplace := flag.String("marketplace", "", "Marketplace contract address")
	roleName := flag.String("role", "fan", "Role to register: fan or musician")
	contractType := flag.String("contract", ledger.ContractEventManager, "Contract type for a generic call")
	function := flag.String("function", "", "Function for a generic call; empty registers --role")
	argsJSON := flag.String("args", "[]", "JSON array of call arguments")
	valueWei := flag.String("value", "0", "Wei to attach to a generic call")
	timeout := flag.Duration("timeout", 3*time.Minute, "Overall timeout")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	key, err := keysource.FromHex(os.Getenv("USER_PRIVATE_KEY"))
	if err != nil {
		fatalf("USER_PRIVATE_KEY: %v", err)
	}
	if !ledger.IsAddress(*eventManager) {
		fatalf("--event-manager must be a 0x address")
	}
	fmt.Printf("account: %s\n", key.Address.Hex())
	fmt.Printf("relay:   %s\n", *relayURL)
	fmt.Printf("rpc:     %s\n", *rpc)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, *rpc)
	if err != nil {
		fatalf("dial rpc: %v", err)
	}
	defer eth.Close()

	chainClient, err := ledger.NewClient(eth, big.NewInt(*chainID), ledger.Addresses{
		EventManager: common.HexToAddress(*eventManager),
		Ticket:       optionalAddress(*ticket),
		Marketplace:  optionalAddress(*marketplace),
	})
	if err != nil {
		fatalf("ledger: %v", err)
	}

	orch := fallback.New(
		relayclient.NewClient(*relayURL, 2*time.Minute),
		ledger.NewUserTransactor(chainClient, key.Private, 2*time.Minute),
		chainClient,
		key.Private,
		fallback.Options{},
		log,
	)

	var res *fallback.Result
	if *function == "" {
		role, err := intent.ParseRole(*roleName)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("\nregistering as %s...\n", role)
		res, err = orch.Register(ctx, role)
		if errors.Is(err, errs.ErrAlreadyRegistered) {
			current, _ := chainClient.RoleOf(ctx, key.Address)
			fmt.Printf("already registered as %s\n", current)
			return
		}
		if err != nil {
			fatalf("register: %v", err)
		}
	} else {
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(*argsJSON), &args); err != nil {
			fatalf("--args must be a JSON array: %v", err)
		}
		value, ok := new(big.Int).SetString(*valueWei, 10)
		if !ok || value.Sign() < 0 {
			fatalf("--value must be a non-negative integer")
		}
		fmt.Printf("\ncalling %s.%s...\n", *contractType, *function)
		res, err = orch.Invoke(ctx, fallback.Call{
			ContractType: *contractType,
			FunctionName: *function,
			Args:         args,
			Value:        value,
		})
		if err != nil {
			fatalf("invoke: %v", err)
		}
	}

	// ── Summary ───────────────────────────────────────────────────────────────
	fmt.Printf("  tx:        %s\n", res.TxHash.Hex())
	fmt.Printf("  block:     %d\n", res.BlockNumber)
	fmt.Printf("  gas used:  %d\n", res.GasUsed)
	if res.Sponsored {
		fmt.Printf("  sponsored: yes (by %s)\n", res.SponsoredBy.Hex())
	} else {
		fmt.Printf("  sponsored: no (%s)\n", res.FallbackReason)
	}
}

func optionalAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	if !ledger.IsAddress(s) {
		fatalf("invalid address %q", s)
	}
	return common.HexToAddress(s)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
