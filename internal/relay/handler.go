// Package relay is the HTTP face of the sponsor: it verifies signed intents,
// applies the sponsorship policy and hands allowed calls to the executor.
package relay

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mosh-tickets/sponsor-relay/internal/auth"
	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/healthcheck"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
	"github.com/mosh-tickets/sponsor-relay/internal/ledger"
	"github.com/mosh-tickets/sponsor-relay/internal/policy"
	"github.com/mosh-tickets/sponsor-relay/internal/sponsor"
)

// Ledger is satisfied by *ledger.Client.
type Ledger interface {
	RoleOf(ctx context.Context, user common.Address) (intent.Role, error)
	PackCall(contractType, functionName string, args []json.RawMessage) (common.Address, []byte, error)
	PackRoleMeta(role intent.Role, subject common.Address, sig intent.Signature) (common.Address, []byte, error)
	Payable(contractType, functionName string) bool
	ChainID() *big.Int
}

// Policy is satisfied by *policy.Policy.
type Policy interface {
	Decide(ctx context.Context, req policy.Request) (policy.Decision, error)
	Release(ctx context.Context, subject common.Address, d policy.Decision)
	Charge(ctx context.Context, subject common.Address, d policy.Decision, total *big.Int)
	AllowedFunctions() []string
	Allowed(functionName string) bool
}

// Executor is satisfied by *sponsor.Executor.
type Executor interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Execute(ctx context.Context, call sponsor.Call) (*sponsor.Receipt, error)
}

// Options carries the per-call gas ceilings.
type Options struct {
	RoleGasLimit    uint64
	DefaultGasLimit uint64
	GasLimits       map[string]uint64 // per functionName override
}

func (o Options) gasFor(functionName string) uint64 {
	if g, ok := o.GasLimits[functionName]; ok && g > 0 {
		return g
	}
	return o.DefaultGasLimit
}

type Handler struct {
	ledger Ledger
	policy Policy
	exec   Executor
	health *healthcheck.Checker
	opts   Options
	log    *zap.Logger
}

func NewHandler(l Ledger, p Policy, exec Executor, health *healthcheck.Checker, opts Options, log *zap.Logger) *Handler {
	return &Handler{ledger: l, policy: p, exec: exec, health: health, opts: opts, log: log}
}

// Register mounts all routes. writeMW (rate limiting) wraps the POST routes
// only; reads stay unthrottled.
//
// Both the /api-prefixed and bare paths are served so either client
// generation can talk to one process.
func (h *Handler) Register(rg *gin.RouterGroup, writeMW ...gin.HandlerFunc) {
	post := func(path string, fn gin.HandlerFunc) {
		rg.POST(path, append(append([]gin.HandlerFunc{}, writeMW...), fn)...)
	}

	// ── Sponsored writes ──────────────────────────────────────────────────
	post("/api/sponsor-role-registration", h.handleRoleRegistration)
	post("/sponsor-role-registration", h.handleRoleRegistration)
	post("/relay-transaction", h.handleRelayTransaction)
	post("/api/relay-transaction", h.handleRelayTransaction)

	// ── Reads ─────────────────────────────────────────────────────────────
	rg.GET("/health", h.handleHealth)
	rg.GET("/api/health", h.handleHealth)
	rg.GET("/sponsor-info", h.handleSponsorInfo)
	rg.GET("/api/sponsor-info", h.handleSponsorInfo)
	rg.GET("/api/relayer-balance", h.handleRelayerBalance)
	rg.GET("/api/role/:address", h.handleRole)
}

// ── Wire types ─────────────────────────────────────────────────────────────

type roleRequest struct {
	UserAddress string                `json:"userAddress"`
	Role        string                `json:"role"`
	Signature   *intent.WireSignature `json:"signature"`
}

type relayRequest struct {
	ContractType string                `json:"contractType"`
	FunctionName string                `json:"functionName"`
	Args         []json.RawMessage     `json:"args"`
	Value        json.RawMessage       `json:"value"`
	UserAddress  string                `json:"userAddress"`
	Nonce        json.RawMessage       `json:"nonce"`
	Deadline     int64                 `json:"deadline"`
	Signature    *intent.WireSignature `json:"signature"`
}

// RelayResult is the success body of both sponsored write routes.
type RelayResult struct {
	Success         bool   `json:"success"`
	TxHash          string `json:"txHash"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
	SponsoredBy     string `json:"sponsoredBy"`
}

func (h *Handler) result(r *sponsor.Receipt) RelayResult {
	hash := r.TxHash.Hex()
	return RelayResult{
		Success:         true,
		TxHash:          hash,
		TransactionHash: hash,
		BlockNumber:     r.BlockNumber,
		GasUsed:         new(big.Int).SetUint64(r.GasUsed).String(),
		SponsoredBy:     h.exec.Address().Hex(),
	}
}

// ── Role registration ──────────────────────────────────────────────────────

func (h *Handler) handleRoleRegistration(c *gin.Context) {
	ctx := c.Request.Context()

	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errs.Validation("invalid JSON body"))
		return
	}
	subject, err := parseAddress(req.UserAddress)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Set(subjectKey, subject.Hex())
	role, err := intent.ParseRole(req.Role)
	if err != nil {
		h.writeError(c, errs.Validation("Invalid role. Must be \"fan\" or \"musician\""))
		return
	}
	sig, err := req.Signature.Parse()
	if err != nil {
		h.writeError(c, errs.Validation("Valid signature required: %v", err))
		return
	}

	ri := intent.RoleIntent{Role: role, Subject: subject, Signature: sig}
	digest, err := ri.Digest()
	if err != nil {
		h.writeError(c, errs.Validation("%v", err))
		return
	}
	if err := auth.Verify(digest, sig, subject); err != nil {
		h.writeError(c, err)
		return
	}

	d, err := h.policy.Decide(ctx, policy.Request{FunctionName: role.Action(), Subject: subject})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !d.Allowed {
		h.log.Info("role registration rejected",
			zap.String("subject", subject.Hex()),
			zap.String("code", d.Code))
		h.writeError(c, d.Err())
		return
	}

	to, data, err := h.ledger.PackRoleMeta(role, subject, sig)
	if err != nil {
		h.writeError(c, err)
		return
	}
	receipt, err := h.exec.Execute(ctx, sponsor.Call{
		ContractType: ledger.ContractEventManager,
		Method:       role.MetaMethod(),
		To:           to,
		Data:         data,
		GasLimit:     h.opts.RoleGasLimit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Info("role registration sponsored",
		zap.String("subject", subject.Hex()),
		zap.String("role", role.String()),
		zap.String("tx", receipt.TxHash.Hex()))
	c.JSON(http.StatusOK, h.result(receipt))
}

// ── Generic relay ──────────────────────────────────────────────────────────

func (h *Handler) handleRelayTransaction(c *gin.Context) {
	ctx := c.Request.Context()

	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errs.Validation("invalid JSON body"))
		return
	}
	subject, err := parseAddress(req.UserAddress)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Set(subjectKey, subject.Hex())
	if req.ContractType == "" || req.FunctionName == "" {
		h.writeError(c, errs.Validation("Missing required fields: contractType, functionName"))
		return
	}
	if _, isRole := intent.RoleForAction(req.FunctionName); isRole {
		h.writeError(c, errs.Validation("role registration goes through /api/sponsor-role-registration"))
		return
	}
	if !h.policy.Allowed(req.FunctionName) {
		h.writeError(c, errs.Authorization(errs.CodeNotEligible, "function "+req.FunctionName+" is not sponsored"))
		return
	}
	value, err := parseAmount(req.Value, "value", true)
	if err != nil {
		h.writeError(c, err)
		return
	}
	nonce, err := parseAmount(req.Nonce, "nonce", false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if req.Deadline <= 0 {
		h.writeError(c, errs.Validation("deadline is required"))
		return
	}
	sig, err := req.Signature.Parse()
	if err != nil {
		h.writeError(c, errs.Validation("Valid signature required: %v", err))
		return
	}

	to, data, err := h.ledger.PackCall(req.ContractType, req.FunctionName, req.Args)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if value.Sign() > 0 && !h.ledger.Payable(req.ContractType, req.FunctionName) {
		h.writeError(c, errs.Validation("%s is not payable", req.FunctionName))
		return
	}

	digest, err := intent.CallDigest(intent.CallIntent{
		ContractType: req.ContractType,
		FunctionName: req.FunctionName,
		Calldata:     data,
		Value:        value,
		Subject:      subject,
		Nonce:        nonce,
		Deadline:     req.Deadline,
	}, h.ledger.ChainID())
	if err != nil {
		h.writeError(c, errs.Validation("%v", err))
		return
	}
	if err := auth.Verify(digest, sig, subject); err != nil {
		h.writeError(c, err)
		return
	}

	gasLimit := h.opts.gasFor(req.FunctionName)
	gasPrice, err := h.exec.GasPrice(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	d, err := h.policy.Decide(ctx, policy.Request{
		FunctionName: req.FunctionName,
		Subject:      subject,
		Value:        value,
		Nonce:        nonce,
		Deadline:     req.Deadline,
		Generic:      true,
		GasCeiling:   new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !d.Allowed {
		h.log.Info("relay rejected",
			zap.String("subject", subject.Hex()),
			zap.String("function", req.FunctionName),
			zap.String("code", d.Code))
		h.writeError(c, d.Err())
		return
	}

	receipt, err := h.exec.Execute(ctx, sponsor.Call{
		ContractType: req.ContractType,
		Method:       req.FunctionName,
		To:           to,
		Data:         data,
		Value:        value,
		GasLimit:     gasLimit,
		GasPrice:     gasPrice,
	})
	if err != nil {
		h.policy.Release(context.WithoutCancel(ctx), subject, d)
		h.writeError(c, err)
		return
	}
	h.policy.Charge(context.WithoutCancel(ctx), subject, d, new(big.Int).Add(value, receipt.Cost()))
	c.JSON(http.StatusOK, h.result(receipt))
}

// ── Reads ──────────────────────────────────────────────────────────────────

func (h *Handler) handleHealth(c *gin.Context) {
	r := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if !r.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, r)
}

func (h *Handler) handleSponsorInfo(c *gin.Context) {
	bal, err := h.exec.Balance(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sponsorAddress":     h.exec.Address().Hex(),
		"balance":            ledger.FormatEther(bal),
		"balanceWei":         bal.String(),
		"supportedFunctions": h.policy.AllowedFunctions(),
	})
}

func (h *Handler) handleRelayerBalance(c *gin.Context) {
	bal, err := h.exec.Balance(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":    h.exec.Address().Hex(),
		"balance":    ledger.FormatEther(bal),
		"balanceWei": bal.String(),
	})
}

func (h *Handler) handleRole(c *gin.Context) {
	addr, err := parseAddress(c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	role, err := h.ledger.RoleOf(c.Request.Context(), addr)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex(), "role": role.String()})
}

// ── Parsing helpers ────────────────────────────────────────────────────────

func parseAddress(s string) (common.Address, error) {
	if !ledger.IsAddress(s) {
		return common.Address{}, errs.Validation("Invalid user address")
	}
	return common.HexToAddress(s), nil
}

// parseAmount reads a non-negative integer given as a JSON number or a
// decimal / 0x-hex string. Absent is zero when optional.
func parseAmount(raw json.RawMessage, field string, optional bool) (*big.Int, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		if optional {
			return new(big.Int), nil
		}
		return nil, errs.Validation("%s is required", field)
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errs.Validation("invalid %s", field)
		}
		text = s
	}
	n, ok := new(big.Int).SetString(text, 0)
	if !ok || n.Sign() < 0 {
		return nil, errs.Validation("invalid %s", field)
	}
	return n, nil
}
