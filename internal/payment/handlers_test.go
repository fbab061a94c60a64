package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paytrail-merchant/internal/security"
	"github.com/noah-isme/paytrail-merchant/internal/signing"
	"github.com/noah-isme/paytrail-merchant/internal/web"
)

type stubGateway struct {
	link PaymentLink
	err  error
	got  []SignedRequest
}

func (s *stubGateway) CreatePayment(_ context.Context, req SignedRequest) (PaymentLink, error) {
	s.got = append(s.got, req)
	return s.link, s.err
}

func newTestHandler(gw LinkCreator, rec *captureRecorder) *Handler {
	verifier := signing.NewVerifier(testSecret)
	svc := NewService(NewBuilder("375917", testSecret, "EUR", "FI"), gw, verifier, rec, Settings{
		ForceBaseURL: "https://shop.example/payment/",
		BackURL:      "https://shop.example/",
		Currency:     "EUR",
	})
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return &Handler{
		Svc:        svc,
		Dispatcher: NewDispatcher(verifier, nil, rec),
		Pages:      web.MustPages("fi"),
		Logger:     zerolog.Nop(),
	}
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(security.RawBody{Max: 1 << 20}.Middleware)
	r.HandleFunc("/", h.Entry)
	r.HandleFunc("/index", h.Entry)
	r.Post("/api/v1/payments", h.CreateAPI)
	return r
}

func TestCreateRedirectsToGatewayHref(t *testing.T) {
	gw := &stubGateway{link: PaymentLink{Href: "https://pay.example/p/tx-1", TransactionID: "tx-1"}}
	rec := &captureRecorder{}
	router := newTestRouter(newTestHandler(gw, rec))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?action=create", nil))

	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "https://pay.example/p/tx-1", rr.Header().Get("Location"))
	require.Len(t, gw.got, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(gw.got[0].Body, &body))
	require.Regexp(t, `^order-1700000000-[0-9a-f]{8}$`, body["stamp"])
	redirects := body["redirectUrls"].(map[string]any)
	require.Equal(t, "https://shop.example/payment/index?action=success", redirects["success"])
	callbacks := body["callbackUrls"].(map[string]any)
	require.Equal(t, "https://shop.example/payment/index?action=callback", callbacks["cancel"])
	require.Equal(t, []string{"payment_create_request", "payment_create_response", "payment_redirect"}, rec.names())
}

func TestCreateDefaultActionIsCreate(t *testing.T) {
	gw := &stubGateway{link: PaymentLink{Href: "https://pay.example/p/tx-9"}}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/index", nil))
	require.Equal(t, http.StatusFound, rr.Code)
}

func TestCreateGatewayErrorRendersErrorPage(t *testing.T) {
	gw := &stubGateway{err: &GatewayError{Status: http.StatusPaymentRequired, Body: "declined"}}
	rec := &captureRecorder{}
	router := newTestRouter(newTestHandler(gw, rec))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?action=create", nil))

	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, rr.Body.String(), "HTTP 402")
	require.Equal(t, "payment_create_error", rec.last().Event)
	require.Equal(t, http.StatusPaymentRequired, rec.last().Fields["http_code"])
}

func TestCreateTimeoutRenders504(t *testing.T) {
	gw := &stubGateway{err: &TransportError{Err: context.DeadlineExceeded}}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?action=create", nil))
	require.Equal(t, http.StatusGatewayTimeout, rr.Code)
}

func TestCreateLinkMissingRenders502(t *testing.T) {
	gw := &stubGateway{err: ErrLinkMissing}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?action=create", nil))
	require.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestRedirectWithBadSignatureStillRenders(t *testing.T) {
	rec := &captureRecorder{}
	router := newTestRouter(newTestHandler(&stubGateway{}, rec))

	q := url.Values{}
	q.Set("action", "success")
	q.Set("checkout-stamp", "order-123")
	q.Set("checkout-amount", "1590")
	q.Set("signature", "deadbeef")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "could not be confirmed")
	require.Contains(t, rr.Body.String(), "15.90 €")
	require.Equal(t, "redirect_success", rec.last().Event)
	require.Equal(t, false, rec.last().Fields["signature_ok"])
}

func TestRedirectWithValidSignature(t *testing.T) {
	router := newTestRouter(newTestHandler(&stubGateway{}, &captureRecorder{}))

	q := url.Values{}
	q.Set("checkout-account", "375917")
	q.Set("checkout-stamp", "order-123")
	q.Set("checkout-status", "fail")
	canonical, err := signing.Redirect(signing.FromQuery(q))
	require.NoError(t, err)
	q.Set("signature", signing.Sign(canonical, testSecret))
	q.Set("action", "cancel")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/index?"+q.Encode(), nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "Payment cancelled")
	require.NotContains(t, rr.Body.String(), "could not be confirmed")
}

func TestRedirectRejectsPost(t *testing.T) {
	router := newTestRouter(newTestHandler(&stubGateway{}, &captureRecorder{}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/?action=success", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCallbackThroughRouter(t *testing.T) {
	router := newTestRouter(newTestHandler(&stubGateway{}, &captureRecorder{}))

	req := httptest.NewRequest(http.MethodPost, "/?action=callback", strings.NewReader(callbackBody))
	req.Header = signCallback(callbackHeaders(), callbackBody)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())
	require.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodPut, "/?action=callback", strings.NewReader(callbackBody))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "Method Not Allowed", rr.Body.String())
}

func TestUnknownActionNotFound(t *testing.T) {
	router := newTestRouter(newTestHandler(&stubGateway{}, &captureRecorder{}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?action=refund", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateAPI(t *testing.T) {
	gw := &stubGateway{link: PaymentLink{Href: "https://pay.example/p/tx-7", TransactionID: "tx-7"}}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))

	order := DefaultOrder("cart-42")
	order.Items[0].Units = 2
	order.Amount = 3180
	raw, err := json.Marshal(order)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(string(raw))))
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp createResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "https://pay.example/p/tx-7", resp.Href)
	require.Equal(t, "tx-7", resp.TransactionID)
	require.NotEmpty(t, resp.Stamp)
	require.Contains(t, string(gw.got[0].Body), `"reference":"cart-42"`)
}

func TestCreateAPIValidationError(t *testing.T) {
	gw := &stubGateway{}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))

	order := DefaultOrder("cart-42")
	order.Amount = 1
	raw, err := json.Marshal(order)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(string(raw))))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "INVALID_ORDER")
	require.Empty(t, gw.got)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(`{"bogus":1}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateAPIGatewayRejection(t *testing.T) {
	gw := &stubGateway{err: &GatewayError{Status: http.StatusPaymentRequired}}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil))
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, rr.Body.String(), "GATEWAY_REJECTED")
	require.Contains(t, rr.Body.String(), "402")
}

func TestBaseURLDerivedFromRequest(t *testing.T) {
	svc := NewService(nil, nil, signing.NewVerifier(testSecret), nil, Settings{AppPath: "/payment"})
	req := httptest.NewRequest(http.MethodGet, "http://merchant.example/payment/index", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	require.Equal(t, "https://merchant.example/payment", svc.BaseURL(req))
	require.Equal(t, "https://merchant.example/payment/index?action=callback", svc.SelfURL(req, "callback"))
}

func TestCreateRefusesHead(t *testing.T) {
	gw := &stubGateway{link: PaymentLink{Href: "https://pay.example/p/tx-1"}}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))

	for _, target := range []string{"/", "/?action=create", "/index?action=CREATE"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodHead, target, nil))
		require.Equal(t, http.StatusMethodNotAllowed, rr.Code, target)
		require.Equal(t, "GET", rr.Header().Get("Allow"))
	}
	require.Empty(t, gw.got)
}

func TestActionIsNormalised(t *testing.T) {
	cases := map[string]string{
		"/":                       "",
		"/?action=CREATE":         "create",
		"/?action=%20Callback%20": "callback",
		"/?action=success":        "success",
	}
	for target, want := range cases {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		require.Equal(t, want, Action(req), target)
	}
	require.True(t, IsCreate(httptest.NewRequest(http.MethodGet, "/?action=Create", nil)))
	require.False(t, IsCreate(httptest.NewRequest(http.MethodGet, "/?action=cancel", nil)))
}

func TestUppercaseCreateStillCreates(t *testing.T) {
	gw := &stubGateway{link: PaymentLink{Href: "https://pay.example/p/tx-2"}}
	router := newTestRouter(newTestHandler(gw, &captureRecorder{}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?action=CREATE", nil))
	require.Equal(t, http.StatusFound, rr.Code)
	require.Len(t, gw.got, 1)
}
