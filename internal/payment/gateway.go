package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paytrail-merchant/internal/obs"
)

const maxGatewayBody = 1 << 20

// Doer sends an HTTP request. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// PaymentLink is where the shopper is sent to pay.
type PaymentLink struct {
	Href          string
	TransactionID string
}

type createResponse struct {
	TransactionID string `json:"transactionId"`
	Href          string `json:"href"`
	Providers     []struct {
		URL string `json:"url"`
	} `json:"providers"`
}

// Gateway is the create-payment client.
type Gateway struct {
	Endpoint string
	HTTP     Doer
	Builder  *Builder
}

// CreatePayment transmits a signed request and extracts the payment link.
// The request is refused before sending when its body no longer matches the
// signature.
func (g Gateway) CreatePayment(ctx context.Context, req SignedRequest) (PaymentLink, error) {
	if g.HTTP == nil || strings.TrimSpace(g.Endpoint) == "" {
		return PaymentLink{}, errors.New("payment: gateway not configured")
	}
	ctx, span := otel.Tracer("payment.Gateway").Start(ctx, "Gateway.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.stamp", req.Stamp))

	if g.Builder != nil {
		if err := g.Builder.Check(req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "signature check")
			return PaymentLink{}, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return PaymentLink{}, fmt.Errorf("payment: build request: %w", err)
	}
	httpReq.Header = req.HTTPHeader()

	start := time.Now()
	resp, err := g.HTTP.Do(ctx, httpReq)
	if err != nil {
		observeGateway("transport_error", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return PaymentLink{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
	if err != nil {
		observeGateway("transport_error", start)
		span.RecordError(err)
		return PaymentLink{}, &TransportError{Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusCreated {
		observeGateway("rejected", start)
		span.SetStatus(codes.Error, "gateway rejected")
		return PaymentLink{}, &GatewayError{Status: resp.StatusCode, Body: string(raw)}
	}
	observeGateway("created", start)

	var parsed createResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return PaymentLink{}, ErrLinkMissing
	}
	link := PaymentLink{TransactionID: parsed.TransactionID, Href: parsed.Href}
	if link.Href == "" {
		for _, p := range parsed.Providers {
			if p.URL != "" {
				link.Href = p.URL
				break
			}
		}
	}
	if link.Href == "" {
		return PaymentLink{}, ErrLinkMissing
	}
	span.SetAttributes(attribute.String("payment.transaction_id", link.TransactionID))
	return link, nil
}

func observeGateway(result string, start time.Time) {
	if obs.GatewayLatency != nil {
		obs.GatewayLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	}
}
