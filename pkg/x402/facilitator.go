package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FacilitatorClient calls a facilitator's /verify, /settle and /supported
// endpoints.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFacilitatorClient creates a client for the facilitator at baseURL.
// A nil httpClient uses one with a 5 minute timeout, long enough for a
// settlement to confirm.
func NewFacilitatorClient(baseURL string, httpClient *http.Client) *FacilitatorClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &FacilitatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Verify asks the facilitator whether payload satisfies req.
func (f *FacilitatorClient) Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	body := VerifyRequest{X402Version: Version, PaymentPayload: *payload, PaymentRequirements: *req}
	if err := f.do(ctx, http.MethodPost, "/verify", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to settle payload on-chain.
func (f *FacilitatorClient) Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*SettlementResponse, error) {
	var out SettlementResponse
	body := SettleRequest{X402Version: Version, PaymentPayload: *payload, PaymentRequirements: *req}
	if err := f.do(ctx, http.MethodPost, "/settle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported lists the (scheme, network) pairs the facilitator settles.
func (f *FacilitatorClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	var out SupportedResponse
	if err := f.do(ctx, http.MethodGet, "/supported", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *FacilitatorClient) do(ctx context.Context, method, path string, in, out any) error {
	url := f.baseURL + path

	var rdr io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return &TransportError{URL: url, Kind: ErrRequestFailed, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{URL: url, Kind: ErrRequestFailed, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error + ": " + apiErr.Message
		}
		return &TransportError{URL: url, Kind: ErrRequestFailed, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("x402: decode %s response: %w", path, err)
	}
	return nil
}
