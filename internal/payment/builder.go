package payment

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/paytrail-merchant/internal/signing"
)

// Outbound signed header names.
const (
	HeaderAccount   = "checkout-account"
	HeaderAlgorithm = "checkout-algorithm"
	HeaderMethod    = "checkout-method"
	HeaderNonce     = "checkout-nonce"
	HeaderTimestamp = "checkout-timestamp"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// SignedRequest is a fully signed create-payment call. Body holds the exact
// bytes that were signed and must be transmitted unchanged; Canonical is the
// string the signature covers.
type SignedRequest struct {
	Stamp     string
	Headers   map[string]string
	Body      []byte
	Canonical string
	Signature string
}

// HTTPHeader renders the request headers for transmission.
func (r SignedRequest) HTTPHeader() http.Header {
	h := http.Header{}
	for k, v := range r.Headers {
		// lowercase names are kept as sent in the signature
		h[k] = []string{v}
	}
	h[signing.SignatureKey] = []string{r.Signature}
	h.Set("Content-Type", "application/json; charset=utf-8")
	return h
}

type paymentBody struct {
	Stamp        string   `json:"stamp"`
	Reference    string   `json:"reference"`
	Amount       int64    `json:"amount"`
	Currency     string   `json:"currency"`
	Language     string   `json:"language"`
	Items        []Item   `json:"items"`
	Customer     Customer `json:"customer"`
	RedirectURLs URLPair  `json:"redirectUrls"`
	CallbackURLs URLPair  `json:"callbackUrls"`
}

// Builder serializes and signs create-payment requests.
type Builder struct {
	MerchantID string
	Secret     signing.Secret
	Currency   string
	Language   string

	now      func() time.Time
	nonce    func() (string, error)
	validate *validator.Validate
}

// NewBuilder returns a Builder for the merchant account.
func NewBuilder(merchantID string, secret signing.Secret, currency, language string) *Builder {
	return &Builder{
		MerchantID: merchantID,
		Secret:     secret,
		Currency:   currency,
		Language:   language,
		now:        time.Now,
		nonce:      randomNonce,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// BuildAndSign validates the order, serializes the body once and signs the
// outbound canonical string over those bytes. Every call uses a fresh nonce
// and timestamp.
func (b *Builder) BuildAndSign(stamp string, order Order, urls ReturnURLs) (SignedRequest, error) {
	if strings.TrimSpace(b.MerchantID) == "" || len(b.Secret) == 0 {
		return SignedRequest{}, errors.New("payment: builder not configured")
	}
	if strings.TrimSpace(stamp) == "" {
		return SignedRequest{}, fmt.Errorf("%w: stamp is required", ErrInvalidOrder)
	}
	if order.Currency == "" {
		order.Currency = strings.ToUpper(b.Currency)
	}
	if order.Language == "" {
		order.Language = strings.ToUpper(b.Language)
	}
	if err := b.validator().Struct(order); err != nil {
		return SignedRequest{}, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	if err := b.validator().Struct(urls.Redirect); err != nil {
		return SignedRequest{}, fmt.Errorf("%w: redirect urls: %w", ErrInvalidOrder, err)
	}
	if err := b.validator().Struct(urls.Callback); err != nil {
		return SignedRequest{}, fmt.Errorf("%w: callback urls: %w", ErrInvalidOrder, err)
	}
	if total := order.itemsTotal(); total != order.Amount {
		return SignedRequest{}, fmt.Errorf("%w: amount %d does not match item total %d", ErrInvalidOrder, order.Amount, total)
	}

	body, err := json.Marshal(paymentBody{
		Stamp:        stamp,
		Reference:    order.Reference,
		Amount:       order.Amount,
		Currency:     order.Currency,
		Language:     order.Language,
		Items:        order.Items,
		Customer:     order.Customer,
		RedirectURLs: urls.Redirect,
		CallbackURLs: urls.Callback,
	})
	if err != nil {
		return SignedRequest{}, fmt.Errorf("payment: encode body: %w", err)
	}

	nonce, err := b.nonceFunc()()
	if err != nil {
		return SignedRequest{}, fmt.Errorf("payment: nonce: %w", err)
	}
	headers := map[string]string{
		HeaderAccount:   b.MerchantID,
		HeaderAlgorithm: "sha256",
		HeaderMethod:    http.MethodPost,
		HeaderNonce:     nonce,
		HeaderTimestamp: b.nowFunc()().UTC().Format(timestampLayout),
	}
	canonical := signing.Outbound(headers, body)
	return SignedRequest{
		Stamp:     stamp,
		Headers:   headers,
		Body:      body,
		Canonical: canonical,
		Signature: signing.Sign(canonical, b.Secret),
	}, nil
}

// Check re-derives the canonical string from the headers and body about to be
// sent. It must equal the signed Canonical and verify against Signature.
func (b *Builder) Check(req SignedRequest) error {
	canonical := signing.Outbound(req.Headers, req.Body)
	if canonical != req.Canonical || !signing.Verify(req.Signature, canonical, b.Secret) {
		return ErrSignatureMismatch
	}
	return nil
}

// ValidationDetails flattens validator errors into field/rule pairs for API
// responses. Other errors yield nil.
func ValidationDetails(err error) []map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, map[string]string{"field": fe.Namespace(), "rule": fe.Tag()})
	}
	return out
}

func (b *Builder) validator() *validator.Validate {
	if b.validate == nil {
		b.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return b.validate
}

func (b *Builder) nowFunc() func() time.Time {
	if b.now == nil {
		return time.Now
	}
	return b.now
}

func (b *Builder) nonceFunc() func() (string, error) {
	if b.nonce == nil {
		return randomNonce
	}
	return b.nonce
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
