package facilitator

import (
	"context"

	"github.com/Dream-Voyage/v402/internal/metrics"
	"github.com/Dream-Voyage/v402/internal/settlement"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// Local is an in-process facilitator for a paywall served by the
// facilitator itself. It has the same method set as x402.FacilitatorClient.
type Local struct {
	Verifier Verifier
	Settler  Settler
}

// Verify checks the payment. Malformed payloads are reported as an error.
func (l *Local) Verify(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	res, err := l.Verifier.Verify(ctx, p, req)
	if err != nil {
		return nil, err
	}
	metrics.ObserveVerification(req.Network, res.IsValid, res.InvalidReason)
	out := res.Response()
	return &out, nil
}

// Settle verifies again and settles. Settlement failures come back as an
// unsuccessful response, not an error, as they do over HTTP.
func (l *Local) Settle(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettlementResponse, error) {
	vr, err := l.Verify(ctx, p, req)
	if err != nil {
		return nil, err
	}
	if !vr.IsValid {
		return &x402.SettlementResponse{ErrorReason: vr.InvalidReason, Network: req.Network, Payer: vr.Payer}, nil
	}
	resp, err := l.Settler.Settle(ctx, p, req, vr.Payer)
	if resp == nil {
		resp = &x402.SettlementResponse{Network: req.Network, Payer: vr.Payer}
	}
	if err != nil {
		resp.Success = false
		resp.ErrorReason = settlement.Reason(err)
	}
	return resp, nil
}
