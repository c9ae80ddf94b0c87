package healthcheck

import (
	"context"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type mockSponsor struct {
	bal *big.Int
	err error
}

func (m *mockSponsor) Address() common.Address {
	return common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
}

func (m *mockSponsor) Balance(context.Context) (*big.Int, error) { return m.bal, m.err }

var contract = common.HexToAddress("0x00000000000000000000000000000000000000e1")

func TestCheck(t *testing.T) {
	cases := []struct {
		name   string
		bal    *big.Int
		err    error
		min    *big.Int
		status string
	}{
		{"funded", big.NewInt(1_500_000_000_000_000_000), nil, nil, StatusOK},
		{"zero balance", big.NewInt(0), nil, nil, StatusUnhealthy},
		{"below minimum", big.NewInt(100), nil, big.NewInt(101), StatusUnhealthy},
		{"at minimum", big.NewInt(101), nil, big.NewInt(101), StatusOK},
		{"rpc down", nil, errors.New("dial tcp"), nil, StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(&mockSponsor{bal: tc.bal, err: tc.err}, tc.min, contract)
			r := c.Check(context.Background())
			if r.Status != tc.status {
				t.Errorf("status: got %s want %s", r.Status, tc.status)
			}
			if r.SponsorAddress == "" || r.Contract != contract.Hex() {
				t.Errorf("report identity: %+v", r)
			}
		})
	}

	r := NewChecker(&mockSponsor{bal: big.NewInt(1_500_000_000_000_000_000)}, nil, contract).Check(context.Background())
	if r.SponsorBalance != "1.5" || r.BalanceWei != "1500000000000000000" {
		t.Errorf("balance formatting: %+v", r)
	}
}

func TestMonitor_GRPCHealth(t *testing.T) {
	sponsor := &mockSponsor{bal: big.NewInt(0)}
	m := NewMonitor(NewChecker(sponsor, nil, contract), time.Hour, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, m.Server())
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: Service})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.Status
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial: got %v", got)
	}

	sponsor.bal = big.NewInt(1)
	m.Refresh(context.Background())
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after funding: got %v", got)
	}

	sponsor.bal = big.NewInt(0)
	m.Refresh(context.Background())
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after drain: got %v", got)
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(NewChecker(&mockSponsor{bal: big.NewInt(1)}, nil, contract), 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
