package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paytrail-merchant/internal/common"
	"github.com/noah-isme/paytrail-merchant/internal/security"
	"github.com/noah-isme/paytrail-merchant/internal/web"
)

// Handler exposes the checkout entry point and the JSON payment API.
type Handler struct {
	Svc        *Service
	Dispatcher *Dispatcher
	Pages      *web.Pages
	Logger     zerolog.Logger
}

type createResp struct {
	Stamp         string `json:"stamp"`
	Href          string `json:"href"`
	TransactionID string `json:"transactionId,omitempty"`
}

// Action returns the normalised action query parameter of a checkout request.
func Action(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action")))
}

// IsCreate reports whether r is routed by Entry to payment creation.
func IsCreate(r *http.Request) bool {
	switch Action(r) {
	case "", "create":
		return true
	}
	return false
}

// Entry multiplexes the single checkout URL on the action query parameter:
// create (default), success, cancel and callback.
func (h *Handler) Entry(w http.ResponseWriter, r *http.Request) {
	action := Action(r)
	switch action {
	case "", "create":
		// creation signs and sends a real payment, so HEAD is refused
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		h.CreateRedirect(w, r)
	case "success", "cancel":
		if !readOnly(r.Method) {
			methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		h.Result(w, r, action)
	case "callback":
		h.Callback(w, r)
	default:
		http.NotFound(w, r)
	}
}

// CreateRedirect creates the demo payment and sends the shopper to the
// gateway with a 302.
func (h *Handler) CreateRedirect(w http.ResponseWriter, r *http.Request) {
	checkout, err := h.Svc.Create(r.Context(), DefaultOrder(""), h.Svc.ReturnURLs(r))
	if err != nil {
		status, msg := pageError(err)
		h.Logger.Warn().Err(err).Int("status", status).Msg("payment_create_failed")
		_ = h.Pages.RenderError(w, web.ErrorPage{
			Status:   status,
			Message:  msg,
			BackURL:  h.backURL(),
			RetryURL: h.Svc.RetryURL(r),
		})
		return
	}
	http.Redirect(w, r, checkout.Link.Href, http.StatusFound)
}

// Result renders the page shown when the gateway redirects the shopper back.
// The page is always a 200; an invalid signature only changes its notice.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request, action string) {
	res := h.Svc.VerifyRedirect(r.Context(), action, r.URL.Query())
	amount, hasAmount := res.AmountMinor()
	if err := h.Pages.RenderResult(w, web.Result{
		Action:         action,
		Stamp:          res.Stamp,
		Reference:      res.Reference,
		TransactionID:  res.TransactionID,
		Status:         res.Status,
		Provider:       res.Provider,
		AmountMinor:    amount,
		HasAmount:      hasAmount,
		Currency:       h.Svc.Settings.Currency,
		BackURL:        h.backURL(),
		RetryURL:       h.Svc.RetryURL(r),
		SignatureValid: res.SignatureValid,
	}); err != nil {
		h.Logger.Error().Err(err).Msg("render_result_failed")
	}
}

// Callback answers server-to-server notifications in plaintext.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	raw, ok := security.RawBodyFromContext(r.Context())
	if !ok {
		raw = readBody(r)
	}
	out := h.Dispatcher.Dispatch(r.Context(), InboundRequest{
		Method:        r.Method,
		Header:        r.Header,
		Query:         r.URL.Query(),
		RawBody:       raw,
		ContentLength: r.ContentLength,
		URI:           r.URL.Path,
		RemoteIP:      common.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if out.State == Unsupported {
		w.Header().Set("Allow", "GET, POST")
	}
	common.Text(w, out.Status, out.Body)
}

// CreateAPI creates a payment from a JSON order and returns the link instead
// of redirecting. An empty body creates the demo order.
func (h *Handler) CreateAPI(w http.ResponseWriter, r *http.Request) {
	raw, ok := security.RawBodyFromContext(r.Context())
	if !ok {
		raw = readBody(r)
	}
	order := DefaultOrder("")
	if len(bytes.TrimSpace(raw)) > 0 {
		order = Order{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&order); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
			return
		}
	}
	checkout, err := h.Svc.Create(r.Context(), order, h.Svc.ReturnURLs(r))
	if err != nil {
		common.WriteError(w, apiError(err))
		return
	}
	common.JSON(w, http.StatusCreated, createResp{
		Stamp:         checkout.Stamp,
		Href:          checkout.Link.Href,
		TransactionID: checkout.Link.TransactionID,
	})
}

func (h *Handler) backURL() string {
	if h.Svc.Settings.BackURL == "" {
		return "/"
	}
	return h.Svc.Settings.BackURL
}

func pageError(err error) (int, string) {
	var transport *TransportError
	var gateway *GatewayError
	switch {
	case errors.As(err, &transport) && transport.Timeout():
		return http.StatusGatewayTimeout, "The payment provider did not answer in time. Please try again."
	case errors.As(err, &transport):
		return http.StatusBadGateway, "The payment provider could not be reached. Please try again later."
	case errors.As(err, &gateway):
		return http.StatusBadGateway, fmt.Sprintf("The payment provider rejected the request (HTTP %d).", gateway.Status)
	case errors.Is(err, ErrLinkMissing):
		return http.StatusBadGateway, "The payment provider returned no payment methods."
	default:
		return http.StatusInternalServerError, "The payment could not be started."
	}
}

func apiError(err error) error {
	var transport *TransportError
	var gateway *GatewayError
	switch {
	case errors.Is(err, ErrInvalidOrder):
		appErr := common.NewAppError("INVALID_ORDER", "order failed validation", http.StatusUnprocessableEntity, err)
		appErr.Details = ValidationDetails(err)
		return appErr
	case errors.As(err, &transport) && transport.Timeout():
		return common.NewAppError("GATEWAY_TIMEOUT", "payment gateway timed out", http.StatusGatewayTimeout, err)
	case errors.As(err, &transport):
		return common.NewAppError("GATEWAY_UNREACHABLE", "payment gateway unreachable", http.StatusBadGateway, err)
	case errors.As(err, &gateway):
		appErr := common.NewAppError("GATEWAY_REJECTED", "payment gateway rejected the request", http.StatusBadGateway, err)
		appErr.Details = map[string]int{"gatewayStatus": gateway.Status}
		return appErr
	case errors.Is(err, ErrLinkMissing):
		return common.NewAppError("LINK_MISSING", "payment gateway returned no payment link", http.StatusBadGateway, err)
	default:
		return err
	}
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	common.Text(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	return data
}
