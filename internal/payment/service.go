package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paytrail-merchant/internal/eventlog"
	"github.com/noah-isme/paytrail-merchant/internal/obs"
	"github.com/noah-isme/paytrail-merchant/internal/signing"
)

// LinkCreator sends a signed request to the gateway. Gateway implements it.
type LinkCreator interface {
	CreatePayment(ctx context.Context, req SignedRequest) (PaymentLink, error)
}

// Settings are the merchant-facing URLs and defaults the service needs.
type Settings struct {
	ForceBaseURL string
	AppPath      string
	BackURL      string
	Currency     string
}

// Checkout is the result of a successful payment creation.
type Checkout struct {
	Stamp string
	Link  PaymentLink
}

// RedirectResult is what a browser redirect return tells about the payment.
// Fields come from the query string and are untrusted unless SignatureValid.
type RedirectResult struct {
	Action         string
	SignatureValid bool
	TransactionID  string
	Status         string
	Provider       string
	Amount         string
	Stamp          string
	Reference      string
}

// AmountMinor parses Amount. ok is false when it is absent or not an integer.
func (r RedirectResult) AmountMinor() (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(r.Amount), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Service runs the checkout flows: payment creation and redirect verification.
type Service struct {
	Builder  *Builder
	Gateway  LinkCreator
	Verifier signing.Verifier
	Events   eventlog.Recorder
	Settings Settings

	now func() time.Time
}

// NewService wires a Service. events may be nil.
func NewService(builder *Builder, gateway LinkCreator, verifier signing.Verifier, events eventlog.Recorder, settings Settings) *Service {
	if events == nil {
		events = eventlog.Nop{}
	}
	return &Service{
		Builder:  builder,
		Gateway:  gateway,
		Verifier: verifier,
		Events:   events,
		Settings: settings,
		now:      time.Now,
	}
}

// NewStamp returns a fresh order stamp, order-<unix seconds>-<8 hex>.
func (s *Service) NewStamp() string {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("order-%d-%s", now().Unix(), suffix)
}

// BaseURL is the externally visible root of this application. FORCE_BASE_URL
// wins; otherwise it is derived from the request scheme, host and APP_PATH.
func (s *Service) BaseURL(r *http.Request) string {
	if base := strings.TrimSpace(s.Settings.ForceBaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); proto == "http" || proto == "https" {
		scheme = proto
	}
	return strings.TrimRight(scheme+"://"+r.Host+s.Settings.AppPath, "/")
}

// SelfURL is the entry point URL for an action.
func (s *Service) SelfURL(r *http.Request, action string) string {
	return s.BaseURL(r) + "/index?action=" + url.QueryEscape(action)
}

// ReturnURLs builds the gateway return targets for this deployment.
func (s *Service) ReturnURLs(r *http.Request) ReturnURLs {
	callback := s.SelfURL(r, "callback")
	return ReturnURLs{
		Redirect: URLPair{Success: s.SelfURL(r, "success"), Cancel: s.SelfURL(r, "cancel")},
		Callback: URLPair{Success: callback, Cancel: callback},
	}
}

// RetryURL is where a shopper can start over.
func (s *Service) RetryURL(r *http.Request) string {
	return s.SelfURL(r, "create")
}

// Create signs and submits the order and returns the payment link.
func (s *Service) Create(ctx context.Context, order Order, urls ReturnURLs) (Checkout, error) {
	if s == nil || s.Builder == nil || s.Gateway == nil {
		return Checkout{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Create")
	defer span.End()

	stamp := s.NewStamp()
	if strings.TrimSpace(order.Reference) == "" {
		order.Reference = stamp
	}
	span.SetAttributes(
		attribute.String("payment.stamp", stamp),
		attribute.Int64("payment.amount", order.Amount),
	)
	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("payment.create.result", result))
		if obs.PaymentCreateTotal != nil {
			obs.PaymentCreateTotal.WithLabelValues(result).Inc()
		}
	}()

	req, err := s.Builder.BuildAndSign(stamp, order, urls)
	if err != nil {
		if errors.Is(err, ErrInvalidOrder) {
			result = "invalid"
		}
		span.RecordError(err)
		s.Events.Record(ctx, "payment_create_error", eventlog.SeverityError, eventlog.Fields{
			"stamp": stamp,
			"error": err.Error(),
		})
		return Checkout{}, err
	}
	s.Events.Record(ctx, "payment_create_request", eventlog.SeverityOK, eventlog.Fields{
		"stamp":         stamp,
		"reference":     order.Reference,
		"amount":        order.Amount,
		"headers":       req.Headers,
		"has_signature": req.Signature != "",
		"redirect_urls": urls.Redirect,
		"callback_urls": urls.Callback,
	})

	link, err := s.Gateway.CreatePayment(ctx, req)
	if err != nil {
		result = errorResult(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		fields := eventlog.Fields{"stamp": stamp, "error": err.Error()}
		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			fields["http_code"] = gwErr.Status
			fields["body_raw"] = gwErr.Body
		}
		s.Events.Record(ctx, "payment_create_error", eventlog.SeverityError, fields)
		return Checkout{}, err
	}
	result = "created"
	s.Events.Record(ctx, "payment_create_response", eventlog.SeverityOK, eventlog.Fields{
		"stamp":         stamp,
		"transactionId": link.TransactionID,
	})
	s.Events.Record(ctx, "payment_redirect", eventlog.SeverityOK, eventlog.Fields{
		"stamp": stamp,
		"href":  link.Href,
	})
	return Checkout{Stamp: stamp, Link: link}, nil
}

// VerifyRedirect checks the signature of a browser redirect return. The
// result is always usable for rendering; SignatureValid only decides whether
// the fields can be trusted.
func (s *Service) VerifyRedirect(ctx context.Context, action string, query url.Values) RedirectResult {
	_, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.VerifyRedirect")
	defer span.End()

	res := RedirectResult{
		Action:         action,
		SignatureValid: s.Verifier.Redirect(query),
		TransactionID:  query.Get("checkout-transaction-id"),
		Status:         query.Get("checkout-status"),
		Provider:       query.Get("checkout-provider"),
		Amount:         query.Get("checkout-amount"),
		Stamp:          query.Get("checkout-stamp"),
		Reference:      query.Get("checkout-reference"),
	}
	span.SetAttributes(
		attribute.String("payment.redirect.action", action),
		attribute.Bool("payment.redirect.signature_ok", res.SignatureValid),
	)
	verdict := "valid"
	severity := eventlog.SeverityOK
	if !res.SignatureValid {
		verdict = "invalid"
		severity = eventlog.SeverityWarn
	}
	if obs.RedirectTotal != nil {
		obs.RedirectTotal.WithLabelValues(action, verdict).Inc()
	}
	s.Events.Record(ctx, "redirect_"+action, severity, eventlog.Fields{
		"signature_ok":   res.SignatureValid,
		"tx":             res.TransactionID,
		"payment_status": res.Status,
		"provider":       res.Provider,
		"amount":         res.Amount,
		"stamp":          res.Stamp,
		"reference":      res.Reference,
	})
	return res
}

func errorResult(err error) string {
	var transport *TransportError
	var gateway *GatewayError
	switch {
	case errors.As(err, &transport) && transport.Timeout():
		return "timeout"
	case errors.As(err, &transport):
		return "transport_error"
	case errors.As(err, &gateway):
		return "gateway_error"
	case errors.Is(err, ErrLinkMissing):
		return "link_missing"
	default:
		return "error"
	}
}
