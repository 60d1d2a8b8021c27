package rentescrow

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"RentEscrow/internal/auth"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the RentEscrow REST API. Requests are
// signed with the configured key; a client without a key can only read.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	now        func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSigner signs every request with key.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// WithClock overrides the clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Agreement is the API view of a lease agreement. Amounts are decimal strings
// in the token's smallest unit.
type Agreement struct {
	Address       common.Address `json:"address"`
	Landlord      common.Address `json:"landlord"`
	Tenant        common.Address `json:"tenant"`
	PaymentToken  common.Address `json:"payment_token"`
	Rent          string         `json:"rent"`
	Deposit       string         `json:"deposit"`
	RentGuarantee string         `json:"rent_guarantee"`
	RentPeriod    uint64         `json:"rent_period_seconds"`
	NextRentDue   uint64         `json:"next_rent_due"`
	State         string         `json:"state"`
	CreatedAt     uint64         `json:"created_at"`
	EnteredAt     uint64         `json:"entered_at,omitempty"`
	TerminatedAt  uint64         `json:"terminated_at,omitempty"`
	UnpaidPeriods uint64         `json:"unpaid_periods"`
}

// Proposal describes a new rental offered by the signing landlord. A zero
// Tenant leaves the proposal open to anyone.
type Proposal struct {
	Tenant        common.Address
	Rent          string
	Deposit       string
	RentGuarantee string
	PaymentToken  common.Address
}

// Terms repeats the proposal when a tenant enters it.
type Terms struct {
	Landlord      common.Address `json:"landlord"`
	Deposit       string         `json:"deposit"`
	RentGuarantee string         `json:"rent_guarantee"`
	Rent          string         `json:"rent"`
}

// RentalList is an owner's agreements in creation order.
type RentalList struct {
	Owner      common.Address   `json:"owner"`
	Count      int              `json:"count"`
	Agreements []common.Address `json:"agreements"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("rentescrow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("rentescrow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the RentEscrow API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Address returns the signer's address, or the zero address for a read-only client.
func (c *Client) Address() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// CreateRental proposes a rental with the signer as landlord.
func (c *Client) CreateRental(ctx context.Context, p Proposal) (Agreement, error) {
	body := map[string]string{
		"rent":           p.Rent,
		"deposit":        p.Deposit,
		"rent_guarantee": p.RentGuarantee,
		"payment_token":  p.PaymentToken.Hex(),
	}
	if p.Tenant != (common.Address{}) {
		body["tenant"] = p.Tenant.Hex()
	}
	var agr Agreement
	err := c.do(ctx, http.MethodPost, "/api/v1/rentals", body, &agr)
	return agr, err
}

// RentalByIndex returns the owner's index-th agreement.
func (c *Client) RentalByIndex(ctx context.Context, owner common.Address, index uint64) (common.Address, error) {
	var out struct {
		Agreement common.Address `json:"agreement"`
	}
	endpoint := "/api/v1/owners/" + owner.Hex() + "/rentals/" + strconv.FormatUint(index, 10)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return common.Address{}, err
	}
	return out.Agreement, nil
}

// Rentals lists the owner's agreements.
func (c *Client) Rentals(ctx context.Context, owner common.Address) (RentalList, error) {
	var out RentalList
	err := c.do(ctx, http.MethodGet, "/api/v1/owners/"+owner.Hex()+"/rentals", nil, &out)
	return out, err
}

// Agreement fetches the current view of an agreement.
func (c *Client) Agreement(ctx context.Context, address common.Address) (Agreement, error) {
	var agr Agreement
	err := c.do(ctx, http.MethodGet, agreementPath(address, ""), nil, &agr)
	return agr, err
}

// Enter accepts a proposal as tenant. The payment token allowance must
// already cover deposit, guarantee and the first rent.
func (c *Client) Enter(ctx context.Context, address common.Address, terms Terms) (Agreement, error) {
	var agr Agreement
	err := c.do(ctx, http.MethodPost, agreementPath(address, "enter"), terms, &agr)
	return agr, err
}

// PayRent pays one period as tenant.
func (c *Client) PayRent(ctx context.Context, address common.Address) (Agreement, error) {
	var agr Agreement
	err := c.do(ctx, http.MethodPost, agreementPath(address, "pay"), nil, &agr)
	return agr, err
}

// WithdrawUnpaidRent claims one missed period from the guarantee as landlord.
func (c *Client) WithdrawUnpaidRent(ctx context.Context, address common.Address) (Agreement, error) {
	var agr Agreement
	err := c.do(ctx, http.MethodPost, agreementPath(address, "withdraw-unpaid"), nil, &agr)
	return agr, err
}

// EndRental terminates the agreement as landlord.
func (c *Client) EndRental(ctx context.Context, address common.Address, refundToTenantFromDeposit string) (Agreement, error) {
	var agr Agreement
	body := map[string]string{"refund_to_tenant_from_deposit": refundToTenantFromDeposit}
	err := c.do(ctx, http.MethodPost, agreementPath(address, "end"), body, &agr)
	return agr, err
}

func agreementPath(address common.Address, action string) string {
	p := "/api/v1/agreements/" + address.Hex()
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = raw
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != nil {
		ts := c.now().Unix()
		sig, err := auth.Sign(c.key, method, u.Path, ts, body)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(auth.HeaderAddress, c.Address().Hex())
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
