// Package payments wraps stripe PaymentIntent flows for fare capture.
package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/rideerr"
)

// Processor is what the dispatch layer needs: a one-shot charge of the
// final fare once a ride completes.
type Processor interface {
	ChargeFinalFare(ctx context.Context, rideID string, amount float64, currency string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", rideerr.Wrap(err, rideerr.KindUpstream, rideerr.CodeUpstreamFailure, "payment hold failed")
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	if _, err := paymentintent.Capture(paymentIntentID, nil); err != nil {
		return rideerr.Wrap(err, rideerr.KindUpstream, rideerr.CodeUpstreamFailure, "payment capture failed")
	}
	return nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	if _, err := paymentintent.Cancel(paymentIntentID, nil); err != nil {
		return rideerr.Wrap(err, rideerr.KindUpstream, rideerr.CodeUpstreamFailure, "payment cancel failed")
	}
	return nil
}

// ChargeFinalFare holds and immediately captures the final fare. amount is
// in major currency units; stripe wants the minor unit.
func (s *StripeClient) ChargeFinalFare(ctx context.Context, rideID string, amount float64, currency string) error {
	minor := int64(math.Round(amount * 100))
	if minor <= 0 {
		return nil
	}
	id, err := s.Hold(ctx, minor, currency, "")
	if err != nil {
		return err
	}
	return s.Capture(ctx, id)
}
