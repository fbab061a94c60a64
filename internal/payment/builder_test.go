package payment

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paytrail-merchant/internal/signing"
)

var testSecret = signing.Secret("SAIPPUAKAUPPIAS")

func testURLs() ReturnURLs {
	return ReturnURLs{
		Redirect: URLPair{Success: "https://shop.example/index?action=success", Cancel: "https://shop.example/index?action=cancel"},
		Callback: URLPair{Success: "https://shop.example/index?action=callback", Cancel: "https://shop.example/index?action=callback"},
	}
}

func TestBuildAndSignHeaders(t *testing.T) {
	b := NewBuilder("375917", testSecret, "EUR", "FI")
	b.now = func() time.Time { return time.Date(2024, 5, 1, 10, 20, 30, 456000000, time.UTC) }
	b.nonce = func() (string, error) { return "00112233445566778899aabbccddeeff", nil }

	req, err := b.BuildAndSign("order-1", DefaultOrder("ref-1"), testURLs())
	require.NoError(t, err)

	require.Equal(t, "375917", req.Headers[HeaderAccount])
	require.Equal(t, "sha256", req.Headers[HeaderAlgorithm])
	require.Equal(t, "POST", req.Headers[HeaderMethod])
	require.Equal(t, "00112233445566778899aabbccddeeff", req.Headers[HeaderNonce])
	require.Equal(t, "2024-05-01T10:20:30.456Z", req.Headers[HeaderTimestamp])
	require.Len(t, req.Signature, 64)

	require.Equal(t, signing.Outbound(req.Headers, req.Body), req.Canonical)
	require.True(t, strings.HasSuffix(req.Canonical, "\n"+string(req.Body)))
	require.Equal(t, signing.Sign(req.Canonical, testSecret), req.Signature)
	require.Contains(t, string(req.Body), `"stamp":"order-1"`)
	require.Contains(t, string(req.Body), `"currency":"EUR"`)
	require.Contains(t, string(req.Body), `"language":"FI"`)
	require.Contains(t, string(req.Body), `"redirectUrls":{"success":"https://shop.example/index?action=success"`)
}

func TestBuildAndSignFreshNonceEachCall(t *testing.T) {
	b := NewBuilder("375917", testSecret, "EUR", "FI")
	first, err := b.BuildAndSign("order-1", DefaultOrder("r"), testURLs())
	require.NoError(t, err)
	second, err := b.BuildAndSign("order-1", DefaultOrder("r"), testURLs())
	require.NoError(t, err)

	require.Len(t, first.Headers[HeaderNonce], 32)
	require.NotEqual(t, first.Headers[HeaderNonce], second.Headers[HeaderNonce])
	require.NotEqual(t, first.Signature, second.Signature)
}

func TestCheckDetectsBodyChangedAfterSigning(t *testing.T) {
	b := NewBuilder("375917", testSecret, "EUR", "FI")
	req, err := b.BuildAndSign("order-1", DefaultOrder("r"), testURLs())
	require.NoError(t, err)
	require.NoError(t, b.Check(req))

	tampered := req
	tampered.Body = append([]byte(nil), req.Body...)
	tampered.Body = append(tampered.Body, ' ')
	require.ErrorIs(t, b.Check(tampered), ErrSignatureMismatch)

	swapped := req
	swapped.Headers = map[string]string{}
	for k, v := range req.Headers {
		swapped.Headers[k] = v
	}
	swapped.Headers[HeaderNonce] = "ffffffffffffffffffffffffffffffff"
	require.ErrorIs(t, b.Check(swapped), ErrSignatureMismatch)

	// a body re-signed after the fact no longer matches the recorded canonical
	resigned := tampered
	resigned.Signature = signing.Sign(signing.Outbound(tampered.Headers, tampered.Body), testSecret)
	require.ErrorIs(t, b.Check(resigned), ErrSignatureMismatch)
}

func TestBuildAndSignRejectsInvalidOrders(t *testing.T) {
	b := NewBuilder("375917", testSecret, "EUR", "FI")

	noItems := DefaultOrder("r")
	noItems.Items = nil
	_, err := b.BuildAndSign("order-1", noItems, testURLs())
	require.ErrorIs(t, err, ErrInvalidOrder)
	require.NotEmpty(t, ValidationDetails(err))

	mismatch := DefaultOrder("r")
	mismatch.Amount = 1000
	_, err = b.BuildAndSign("order-1", mismatch, testURLs())
	require.ErrorIs(t, err, ErrInvalidOrder)

	badEmail := DefaultOrder("r")
	badEmail.Customer.Email = "not-an-email"
	_, err = b.BuildAndSign("order-1", badEmail, testURLs())
	require.ErrorIs(t, err, ErrInvalidOrder)

	_, err = b.BuildAndSign("order-1", DefaultOrder("r"), ReturnURLs{})
	require.ErrorIs(t, err, ErrInvalidOrder)

	_, err = b.BuildAndSign("", DefaultOrder("r"), testURLs())
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestBuildAndSignRejectsOverflowingTotals(t *testing.T) {
	b := NewBuilder("375917", testSecret, "EUR", "FI")

	huge := DefaultOrder("r")
	huge.Items[0].UnitPrice = math.MaxInt64 / 2
	huge.Items[0].Units = 4
	huge.Amount = huge.Items[0].UnitPrice * huge.Items[0].Units
	_, err := b.BuildAndSign("order-1", huge, testURLs())
	require.ErrorIs(t, err, ErrInvalidOrder)
	require.Contains(t, ValidationDetails(err), map[string]string{"field": "Order.Items[0].UnitPrice", "rule": "lte"})

	many := DefaultOrder("r")
	many.Items[0].UnitPrice = 1
	many.Items[0].Units = math.MaxInt64
	many.Amount = math.MaxInt64
	_, err = b.BuildAndSign("order-1", many, testURLs())
	require.ErrorIs(t, err, ErrInvalidOrder)
	require.Contains(t, ValidationDetails(err), map[string]string{"field": "Order.Items[0].Units", "rule": "lte"})

	largest := DefaultOrder("r")
	item := largest.Items[0]
	item.UnitPrice = maxUnitPrice
	item.Units = maxUnits
	largest.Items = make([]Item, maxItems)
	for i := range largest.Items {
		largest.Items[i] = item
	}
	largest.Amount = int64(maxItems) * maxUnitPrice * maxUnits
	require.Greater(t, largest.Amount, int64(0))
	_, err = b.BuildAndSign("order-1", largest, testURLs())
	require.NoError(t, err)
}

func TestBuildAndSignNeedsCredentials(t *testing.T) {
	_, err := NewBuilder("", testSecret, "EUR", "FI").BuildAndSign("s", DefaultOrder("r"), testURLs())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInvalidOrder))
}

func TestHTTPHeaderKeepsSignedNames(t *testing.T) {
	b := NewBuilder("375917", testSecret, "EUR", "FI")
	req, err := b.BuildAndSign("order-1", DefaultOrder("r"), testURLs())
	require.NoError(t, err)

	h := req.HTTPHeader()
	require.Equal(t, []string{req.Signature}, h["signature"])
	require.Equal(t, []string{"375917"}, h["checkout-account"])
	require.Equal(t, "application/json; charset=utf-8", h.Get("Content-Type"))
	_, canonical := h[http.CanonicalHeaderKey("checkout-account")]
	require.False(t, canonical)
}
