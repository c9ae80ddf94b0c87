// cmd/checkrole prints an address's registered role and native balance, and
// the relay's view of sponsorship when --relay is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mosh-tickets/sponsor-relay/internal/ledger"
	"github.com/mosh-tickets/sponsor-relay/internal/relayclient"
)

func main() {
	rpc := flag.String("rpc", "http://localhost:8545", "RPC endpoint")
	chainID := flag.Int64("chain-id", 31337, "Chain ID")
	eventManager := flag.String("event-manager", "", "EventManager contract address")
	relayURL := flag.String("relay", "", "Relay base URL (optional)")
	flag.Parse()

	if flag.NArg() != 1 || !ledger.IsAddress(flag.Arg(0)) || !ledger.IsAddress(*eventManager) {
		fmt.Fprintln(os.Stderr, "usage: checkrole --event-manager 0x... [--relay URL] 0x<address>")
		os.Exit(2)
	}
	addr := common.HexToAddress(flag.Arg(0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, *rpc)
	if err != nil {
		fatalf("dial rpc: %v", err)
	}
	defer eth.Close()

	c, err := ledger.NewClient(eth, big.NewInt(*chainID), ledger.Addresses{EventManager: common.HexToAddress(*eventManager)})
	if err != nil {
		fatalf("ledger: %v", err)
	}
	role, err := c.RoleOf(ctx, addr)
	if err != nil {
		fatalf("role: %v", err)
	}
	bal, err := c.BalanceAt(ctx, addr)
	if err != nil {
		fatalf("balance: %v", err)
	}
	fmt.Printf("address: %s\n", addr.Hex())
	fmt.Printf("role:    %s\n", role)
	fmt.Printf("balance: %s ETH\n", ledger.FormatEther(bal))

	if *relayURL == "" {
		return
	}
	rc := relayclient.NewClient(*relayURL, 10*time.Second)
	h, err := rc.Health(ctx)
	if err != nil {
		fatalf("relay health: %v", err)
	}
	fmt.Printf("\nrelay:   %s (%s)\n", rc.BaseURL(), h.Status)
	info, err := rc.SponsorInfo(ctx)
	if err != nil {
		fatalf("sponsor info: %v", err)
	}
	fmt.Printf("sponsor: %s\n", info.SponsorAddress)
	fmt.Printf("funds:   %s ETH\n", info.Balance)
	fmt.Printf("allowed: %v\n", info.SupportedFunctions)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
