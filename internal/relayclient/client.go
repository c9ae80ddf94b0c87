// Package relayclient talks to the relay's HTTP API and turns its error
// bodies back into *errs.Error values.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mosh-tickets/sponsor-relay/internal/errs"
	"github.com/mosh-tickets/sponsor-relay/internal/intent"
)

// Health is the relay's /api/health body.
type Health struct {
	Status         string `json:"status"`
	SponsorAddress string `json:"sponsorAddress"`
	SponsorBalance string `json:"sponsorBalance"`
	Contract       string `json:"contract"`
}

func (h *Health) OK() bool { return h != nil && h.Status == "ok" }

type SponsorInfo struct {
	SponsorAddress     string   `json:"sponsorAddress"`
	Balance            string   `json:"balance"`
	BalanceWei         string   `json:"balanceWei"`
	SupportedFunctions []string `json:"supportedFunctions"`
}

type RoleRequest struct {
	UserAddress string                `json:"userAddress"`
	Role        string                `json:"role"`
	Signature   *intent.WireSignature `json:"signature"`
}

type CallRequest struct {
	ContractType string                `json:"contractType"`
	FunctionName string                `json:"functionName"`
	Args         []json.RawMessage     `json:"args"`
	Value        string                `json:"value"`
	UserAddress  string                `json:"userAddress"`
	Nonce        string                `json:"nonce"`
	Deadline     int64                 `json:"deadline"`
	Signature    *intent.WireSignature `json:"signature"`
}

// Result is a successful sponsored submission.
type Result struct {
	Success         bool   `json:"success"`
	TxHash          string `json:"txHash"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
	SponsoredBy     string `json:"sponsoredBy"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client is a relay REST client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client. Sponsored writes block until the transaction is
// mined, so the timeout must exceed the relay's confirm timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Unavailable("relay unreachable", err)
	}
	return resp, nil
}

// Health returns the relay's health report. A 503 still decodes: the body
// says why the relay is unhealthy.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, errs.Unavailable(fmt.Sprintf("relay health: status %d", resp.StatusCode), nil)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, errs.Unavailable("relay health: bad body", err)
	}
	return &h, nil
}

func (c *Client) SponsorInfo(ctx context.Context) (*SponsorInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sponsor-info", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var info SponsorInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errs.Unavailable("sponsor info: bad body", err)
	}
	return &info, nil
}

func (c *Client) RegisterRole(ctx context.Context, req RoleRequest) (*Result, error) {
	return c.submit(ctx, "/api/sponsor-role-registration", req)
}

func (c *Client) RelayTransaction(ctx context.Context, req CallRequest) (*Result, error) {
	return c.submit(ctx, "/relay-transaction", req)
}

func (c *Client) submit(ctx context.Context, path string, body any) (*Result, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var r Result
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errs.Unavailable("relay result: bad body", err)
	}
	if !r.Success || r.TxHash == "" {
		return nil, errs.Unavailable("relay result: missing transaction hash", nil)
	}
	return &r, nil
}

// decodeError rebuilds the relay's classified error from {error, message}.
func decodeError(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil || body.Error == "" {
		return errs.Unavailable(fmt.Sprintf("relay: status %d", resp.StatusCode), err)
	}
	kind := kindForCode(body.Error)
	if kind == 0 {
		return errs.Unavailable(fmt.Sprintf("relay: status %d: %s", resp.StatusCode, body.Error), nil)
	}
	return &errs.Error{Kind: kind, Code: body.Error, Message: body.Message}
}

func kindForCode(code string) errs.Kind {
	switch code {
	case errs.KindValidation.String():
		return errs.KindValidation
	case errs.KindAuthentication.String():
		return errs.KindAuthentication
	case errs.CodeAlreadyRegistered, errs.CodeNotEligible, errs.CodeLimitExceeded, errs.CodeNonceAlreadyUsed:
		return errs.KindAuthorization
	case errs.KindExecution.String():
		return errs.KindExecution
	case errs.KindInsufficientFunds.String():
		return errs.KindInsufficientFunds
	case errs.KindUnavailable.String():
		return errs.KindUnavailable
	default:
		return 0
	}
}
