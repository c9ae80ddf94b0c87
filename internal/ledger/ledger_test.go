package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
)

var (
	eventManagerAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	marketplaceAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

// ── fake backend ─────────────────────────────────────────────────────────────

// fakeBackend answers eth_call with a canned roles() word. Every other
// Backend method panics through the nil embedded interface.
type fakeBackend struct {
	Backend

	mu    sync.Mutex
	role  uint8
	err   error
	calls []ethereum.CallMsg
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]byte, 32)
	out[31] = f.role
	return out, nil
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func newTestClient(t *testing.T, b Backend) *Client {
	t.Helper()
	c, err := NewClient(b, big.NewInt(1337), Addresses{EventManager: eventManagerAddr, Marketplace: marketplaceAddr})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func raw(vals ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestNewClient_RequiresEventManager(t *testing.T) {
	if _, err := NewClient(&fakeBackend{}, big.NewInt(1), Addresses{}); err == nil {
		t.Fatal("expected error without event manager")
	}
}

func TestContract_Unknown(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	if _, err := c.Contract(ContractTicket); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("unregistered Ticket: got %v, want ValidationError", err)
	}
	if _, err := c.Contract("Nope"); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("unknown type: got %v", err)
	}
	ct, err := c.Contract(ContractMarketplace)
	if err != nil || ct.Address != marketplaceAddr {
		t.Errorf("Marketplace: got %v, %v", ct, err)
	}
}

func TestChainID_IsCopy(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	c.ChainID().SetInt64(5)
	if c.ChainID().Int64() != 1337 {
		t.Error("ChainID leaked internal state")
	}
}

// ── RoleOf ───────────────────────────────────────────────────────────────────

func TestRoleOf(t *testing.T) {
	cases := []struct {
		raw  uint8
		want intent.Role
	}{
		{0, intent.RoleNone},
		{1, intent.RoleFan},
		{2, intent.RoleMusician},
		{3, intent.RoleSportsTeam},
		{7, intent.RoleUnknown},
	}
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	for _, tc := range cases {
		fb := &fakeBackend{role: tc.raw}
		c := newTestClient(t, fb)
		got, err := c.RoleOf(context.Background(), user)
		if err != nil {
			t.Fatalf("RoleOf(raw=%d): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Errorf("raw=%d: got %v want %v", tc.raw, got, tc.want)
		}
		if len(fb.calls) != 1 || *fb.calls[0].To != eventManagerAddr {
			t.Errorf("expected one call to event manager, got %+v", fb.calls)
		}
	}
}

func TestRoleOf_BackendError(t *testing.T) {
	c := newTestClient(t, &fakeBackend{err: errors.New("connection refused")})
	role, err := c.RoleOf(context.Background(), common.Address{})
	if errs.KindOf(err) != errs.KindUnavailable {
		t.Fatalf("got %v, want UnavailableError", err)
	}
	if role != intent.RoleUnknown {
		t.Errorf("role on error: got %v, want RoleUnknown", role)
	}
}

// ── PackCall ─────────────────────────────────────────────────────────────────

func TestPackCall_BuyTicket(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	em := c.EventManager()
	want, err := em.ABI.Pack("buyTicket", big.NewInt(42))
	if err != nil {
		t.Fatal(err)
	}
	for _, arg := range []string{`42`, `"42"`, `"0x2a"`} {
		to, data, err := c.PackCall(ContractEventManager, "buyTicket", raw(arg))
		if err != nil {
			t.Fatalf("PackCall(%s): %v", arg, err)
		}
		if to != eventManagerAddr {
			t.Errorf("to: got %s", to.Hex())
		}
		if string(data) != string(want) {
			t.Errorf("arg %s: calldata mismatch", arg)
		}
	}
}

func TestPackCall_MixedTypes(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	_, data, err := c.PackCall(ContractEventManager, "createEvent",
		raw(`"ipfs://meta"`, `"1000000000000000"`, `100`, `1767225600`, `0`))
	if err != nil {
		t.Fatalf("PackCall: %v", err)
	}
	vals, err := c.EventManager().ABI.Methods["createEvent"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if vals[0].(string) != "ipfs://meta" {
		t.Errorf("metadataURI: got %v", vals[0])
	}
	if vals[2].(*big.Int).Int64() != 100 {
		t.Errorf("totalSupply: got %v", vals[2])
	}
}

func TestPackCall_Rejects(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	cases := []struct {
		name string
		typ  string
		fn   string
		args []json.RawMessage
	}{
		{"unknown function", ContractEventManager, "selfDestruct", nil},
		{"unknown contract", "Vault", "buyTicket", raw(`1`)},
		{"arity", ContractEventManager, "buyTicket", nil},
		{"negative uint", ContractEventManager, "buyTicket", raw(`-1`)},
		{"not a number", ContractEventManager, "buyTicket", raw(`"abc"`)},
		{"bool for uint", ContractEventManager, "buyTicket", raw(`true`)},
		{"bad address", ContractEventManager, "roles", raw(`"0x1234"`)},
		{"short bytes32", ContractEventManager, "registerAsFanMeta",
			raw(`"0x1111111111111111111111111111111111111111"`, `27`, `"0x01"`, `"0x02"`)},
		{"uint8 overflow", ContractEventManager, "registerAsFanMeta",
			raw(`"0x1111111111111111111111111111111111111111"`, `256`,
				`"0x`+strings.Repeat("11", 32)+`"`, `"0x`+strings.Repeat("22", 32)+`"`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := c.PackCall(tc.typ, tc.fn, tc.args)
			if errs.KindOf(err) != errs.KindValidation {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestPackCall_FixedBytesAndSmallInts(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	r := `"0x` + strings.Repeat("11", 32) + `"`
	s := `"0x` + strings.Repeat("22", 32) + `"`
	_, data, err := c.PackCall(ContractEventManager, "registerAsFanMeta",
		raw(`"0x1111111111111111111111111111111111111111"`, `"28"`, r, s))
	if err != nil {
		t.Fatalf("PackCall: %v", err)
	}
	vals, err := c.EventManager().ABI.Methods["registerAsFanMeta"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if vals[1].(uint8) != 28 {
		t.Errorf("v: got %v", vals[1])
	}
	if vals[2].([32]byte)[0] != 0x11 || vals[3].([32]byte)[31] != 0x22 {
		t.Error("r/s not packed")
	}
}

func TestPayable(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	if !c.Payable(ContractEventManager, "buyTicket") {
		t.Error("buyTicket should be payable")
	}
	if c.Payable(ContractEventManager, "registerAsFan") {
		t.Error("registerAsFan should not be payable")
	}
	if c.Payable(ContractTicket, "approve") {
		t.Error("unregistered contract reported payable")
	}
}

// ── PackRoleMeta ─────────────────────────────────────────────────────────────

func TestPackRoleMeta(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")
	sig := intent.Signature{V: 1}
	sig.R[0], sig.S[0] = 0xaa, 0xbb

	to, data, err := c.PackRoleMeta(intent.RoleMusician, user, sig)
	if err != nil {
		t.Fatalf("PackRoleMeta: %v", err)
	}
	if to != eventManagerAddr {
		t.Errorf("to: got %s", to.Hex())
	}
	m := c.EventManager().ABI.Methods["registerAsMusicianMeta"]
	if string(data[:4]) != string(m.ID) {
		t.Fatal("wrong selector")
	}
	vals, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if vals[0].(common.Address) != user {
		t.Errorf("user: got %v", vals[0])
	}
	if vals[1].(uint8) != 28 {
		t.Errorf("v should be normalised to 28, got %v", vals[1])
	}

	if _, _, err := c.PackRoleMeta(intent.RoleNone, user, sig); err == nil {
		t.Error("expected error for RoleNone")
	}
}

// ── revert / units ───────────────────────────────────────────────────────────

type dataErr struct{ data string }

func (e dataErr) Error() string          { return "execution reverted" }
func (e dataErr) ErrorData() interface{} { return e.data }

func TestRevertReason(t *testing.T) {
	// Error(string) selector followed by abi.encode("Already registered").
	strTy, _ := abi.NewType("string", "", nil)
	body, err := abi.Arguments{{Type: strTy}}.Pack("Already registered")
	if err != nil {
		t.Fatal(err)
	}
	payload := append(crypto.Keccak256([]byte("Error(string)"))[:4], body...)
	got := RevertReason(dataErr{data: "0x" + common.Bytes2Hex(payload)})
	if got != "Already registered" {
		t.Errorf("decoded: got %q", got)
	}

	if got := RevertReason(errors.New("execution reverted: Not allowed")); got != "Not allowed" {
		t.Errorf("message fallback: got %q", got)
	}
	if got := RevertReason(errors.New("nonce too low")); got != "nonce too low" {
		t.Errorf("plain: got %q", got)
	}
	if RevertReason(nil) != "" {
		t.Error("nil error should give empty reason")
	}
}

func TestFormatEther(t *testing.T) {
	cases := map[string]*big.Int{
		"0":                    big.NewInt(0),
		"1":                    big.NewInt(params.Ether),
		"1.5":                  big.NewInt(1_500_000_000_000_000_000),
		"0.01":                 big.NewInt(10_000_000_000_000_000),
		"0.000000000000000001": big.NewInt(1),
		"-2":                   big.NewInt(-2 * params.Ether),
	}
	for want, wei := range cases {
		if got := FormatEther(wei); got != want {
			t.Errorf("FormatEther(%s): got %q want %q", wei, got, want)
		}
	}
	if FormatEther(nil) != "0" {
		t.Error("nil should format as 0")
	}
}

// ── UserTransactor (simulated chain) ─────────────────────────────────────────

func TestUserTransactor_InvokeOnSimulatedChain(t *testing.T) {
	key, _ := crypto.GenerateKey()
	user := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(types.GenesisAlloc{
		user: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))},
	})
	t.Cleanup(func() { sim.Close() })

	// Event manager points at a plain account so the call always succeeds.
	sink := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	c, err := NewClient(sim.Client(), big.NewInt(1337), Addresses{EventManager: sink})
	if err != nil {
		t.Fatal(err)
	}
	ut := NewUserTransactor(c, key, 30*time.Second)
	ut.GasLimit = 100_000
	if ut.Address() != user {
		t.Fatalf("address: got %s", ut.Address().Hex())
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
				sim.Commit()
			}
		}
	}()

	value := big.NewInt(1_000_000)
	receipt, err := ut.Invoke(context.Background(), ContractEventManager, "buyTicket", raw(`7`), value)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Errorf("status: got %d", receipt.Status)
	}
	bal, err := c.BalanceAt(context.Background(), sink)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(value) != 0 {
		t.Errorf("sink balance: got %s want %s", bal, value)
	}
}
