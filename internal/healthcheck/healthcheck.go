// Package healthcheck reports whether the sponsor can currently pay for
// transactions, over HTTP (via the relay) and the standard gRPC health
// protocol.
package healthcheck

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mosh-tickets/sponsor-relay/internal/ledger"
)

const (
	StatusOK        = "ok"
	StatusUnhealthy = "unhealthy"
)

// Service is the gRPC health service name the relay reports under.
const Service = "sponsor.relay"

// Sponsor is the part of the executor the checker reads.
type Sponsor interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
}

// Report is the JSON health payload.
type Report struct {
	Status         string `json:"status"`
	SponsorAddress string `json:"sponsorAddress"`
	SponsorBalance string `json:"sponsorBalance"`
	BalanceWei     string `json:"balanceWei"`
	Contract       string `json:"contract"`
	Error          string `json:"error,omitempty"`
}

func (r Report) Healthy() bool { return r.Status == StatusOK }

type Checker struct {
	sponsor    Sponsor
	minBalance *big.Int
	contract   common.Address
}

func NewChecker(sponsor Sponsor, minBalance *big.Int, contract common.Address) *Checker {
	if minBalance == nil {
		minBalance = new(big.Int)
	}
	return &Checker{sponsor: sponsor, minBalance: minBalance, contract: contract}
}

// Check reads the live sponsor balance. Unhealthy when the balance cannot be
// read, is zero, or is below the configured minimum.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{
		Status:         StatusUnhealthy,
		SponsorAddress: c.sponsor.Address().Hex(),
		SponsorBalance: "0",
		BalanceWei:     "0",
		Contract:       c.contract.Hex(),
	}
	bal, err := c.sponsor.Balance(ctx)
	if err != nil {
		r.Error = "balance unavailable"
		return r
	}
	r.SponsorBalance = ledger.FormatEther(bal)
	r.BalanceWei = bal.String()
	if bal.Sign() > 0 && bal.Cmp(c.minBalance) >= 0 {
		r.Status = StatusOK
	}
	return r
}

// Monitor publishes Check results into a grpc health server on an interval.
type Monitor struct {
	checker  *Checker
	server   *health.Server
	interval time.Duration
	log      *zap.Logger
}

func NewMonitor(checker *Checker, interval time.Duration, log *zap.Logger) *Monitor {
	srv := health.NewServer()
	srv.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Monitor{checker: checker, server: srv, interval: interval, log: log}
}

// Server is the health service to register on a *grpc.Server.
func (m *Monitor) Server() *health.Server { return m.server }

// Refresh runs one check and updates the serving status.
func (m *Monitor) Refresh(ctx context.Context) Report {
	r := m.checker.Check(ctx)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if r.Healthy() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.server.SetServingStatus(Service, status)
	m.server.SetServingStatus("", status)
	return r
}

// Run refreshes until ctx is cancelled, then marks everything NOT_SERVING.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	last := ""
	for {
		checkCtx, cancel := context.WithTimeout(ctx, m.interval)
		r := m.Refresh(checkCtx)
		cancel()
		if r.Status != last {
			m.log.Info("sponsor health changed",
				zap.String("status", r.Status),
				zap.String("balance", r.SponsorBalance))
			last = r.Status
		}
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
