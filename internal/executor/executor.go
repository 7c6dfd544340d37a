// Package executor submits signed payment authorizations to a chain's
// settlement facilitator. It produces settlement outcomes; recording them
// against the payment is the state machine's job.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/logx"
	"github.com/vaultline/payguard/internal/rpchealth"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/sessionkey"
)

// Executor settles a processing payment. Implementations must be safe for
// concurrent use.
type Executor interface {
	Submit(ctx context.Context, payment *db.PendingPayment, auth *sessionkey.SignedAuthorization) (*db.SettlementOutcome, error)
}

// FacilitatorClient settles payments through each chain's x402 facilitator
// endpoint over HTTP.
type FacilitatorClient struct {
	registry *chain.Registry
	tracker  *rpchealth.Tracker
	client   *http.Client
}

func NewFacilitatorClient(registry *chain.Registry, tracker *rpchealth.Tracker) *FacilitatorClient {
	return &FacilitatorClient{
		registry: registry,
		tracker:  tracker,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// settleRequest is the facilitator's settle call body: the original payment
// requirements plus the signed authorization.
type settleRequest struct {
	X402Version   int             `json:"x402Version"`
	Requirements  json.RawMessage `json:"paymentRequirements"`
	Authorization json.RawMessage `json:"paymentPayload"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	ErrorReason string `json:"errorReason"`
}

// Submit posts the authorization to the facilitator and reports the call's
// fate to the health tracker. A transport failure returns an error and no
// outcome; an HTTP response, success or not, always yields an outcome so
// the payment can be settled terminally.
func (f *FacilitatorClient) Submit(ctx context.Context, payment *db.PendingPayment, auth *sessionkey.SignedAuthorization) (*db.SettlementOutcome, error) {
	c, err := f.registry.Get(payment.ChainID)
	if err != nil {
		return nil, err
	}

	authJSON, err := auth.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode authorization: %w", err)
	}
	body, err := json.Marshal(settleRequest{
		X402Version:   1,
		Requirements:  json.RawMessage(payment.Requirements),
		Authorization: json.RawMessage(authJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("encode settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.FacilitatorURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		ue := &rpchealth.UpstreamError{Chain: c.ID, Reason: rpchealth.ReasonUnreachable, Err: err}
		f.tracker.ReportError(c.ID, ue)
		return nil, ue
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		ue := &rpchealth.UpstreamError{Chain: c.ID, Reason: rpchealth.ReasonUnreachable, Err: err}
		f.tracker.ReportError(c.ID, ue)
		return nil, ue
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		ue := &rpchealth.UpstreamError{
			Chain: c.ID, Reason: rpchealth.ReasonRateLimited,
			Err: fmt.Errorf("facilitator returned %d", resp.StatusCode),
		}
		f.tracker.ReportError(c.ID, ue)
		return nil, ue
	}

	outcome := &db.SettlementOutcome{
		ResponseStatus:  resp.StatusCode,
		ResponsePayload: payload,
	}
	var parsed settleResponse
	if jsonErr := json.Unmarshal(payload, &parsed); jsonErr == nil {
		outcome.TransactionRef = parsed.Transaction
		if !parsed.Success && parsed.ErrorReason != "" {
			outcome.ErrorMessage = parsed.ErrorReason
		}
	}
	if resp.StatusCode >= 400 && outcome.ErrorMessage == "" {
		outcome.ErrorMessage = fmt.Sprintf("facilitator returned %d", resp.StatusCode)
	}

	if resp.StatusCode < 500 {
		f.tracker.ReportSuccess(c.ID)
	} else {
		f.tracker.ReportError(c.ID, &rpchealth.UpstreamError{
			Chain: c.ID, Reason: rpchealth.ReasonUnreachable,
			Err: fmt.Errorf("facilitator returned %d", resp.StatusCode),
		})
	}

	logx.Debugf("settle payment %s on %s: status %d tx %q", payment.ID, c.ID, resp.StatusCode, outcome.TransactionRef)
	return outcome, nil
}
