package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/paytrail-merchant/internal/eventlog"
	"github.com/noah-isme/paytrail-merchant/internal/obs"
	"github.com/noah-isme/paytrail-merchant/internal/replay"
	"github.com/noah-isme/paytrail-merchant/internal/signing"
)

// State is a callback's position in the dispatch state machine.
type State int

const (
	Unclassified State = iota
	PostWithHeaderSig
	GetWithQuerySig
	Unsupported
	Accepted
	Rejected
)

func (s State) String() string {
	switch s {
	case PostWithHeaderSig:
		return "post_with_header_sig"
	case GetWithQuerySig:
		return "get_with_query_sig"
	case Unsupported:
		return "unsupported"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unclassified"
	}
}

// Diagnostic reasons. They are recorded with the event and never change the
// verdict.
const (
	ReasonUnexpectedMethod       = "unexpected_method (expected POST)"
	ReasonMissingSignatureHdr    = "missing_signature_header"
	ReasonMissingCheckoutHdrs    = "missing_checkout_headers"
	ReasonEmptyRawBody           = "empty_raw_body"
	ReasonParametersInQuery      = "callback_parameters_in_query"
	ReasonUsingGetFallback       = "using_get_fallback"
	ReasonDuplicateCallback      = "duplicate_callback"
	ReasonReplayCheckUnavailable = "replay_check_unavailable"
)

// DegradedTag marks callbacks accepted over the GET fallback.
const DegradedTag = "proxy or filtering suspected"

// InboundRequest is the transport-neutral view of a callback.
type InboundRequest struct {
	Method        string
	Header        http.Header
	Query         url.Values
	RawBody       []byte
	ContentLength int64
	URI           string
	RemoteIP      string
	UserAgent     string
}

// Outcome is the dispatcher's verdict and the plaintext response to send.
type Outcome struct {
	State       State
	Status      int
	Body        string
	Valid       bool
	Degraded    bool
	Tag         string
	Reasons     []string
	Correlation map[string]any
	Err         error
}

// Dispatcher classifies and verifies gateway callbacks.
type Dispatcher struct {
	Verifier signing.Verifier
	Replay   replay.Detector
	Events   eventlog.Recorder
}

// NewDispatcher wires a Dispatcher. detector and events may be nil.
func NewDispatcher(verifier signing.Verifier, detector replay.Detector, events eventlog.Recorder) *Dispatcher {
	if detector == nil {
		detector = replay.Nop{}
	}
	if events == nil {
		events = eventlog.Nop{}
	}
	return &Dispatcher{Verifier: verifier, Replay: detector, Events: events}
}

// Dispatch runs the state machine for one callback. It never panics and
// always returns a response to send.
func (d *Dispatcher) Dispatch(ctx context.Context, in InboundRequest) Outcome {
	ctx, span := otel.Tracer("payment.Dispatcher").Start(ctx, "Dispatcher.Dispatch")
	defer span.End()

	method := strings.ToUpper(strings.TrimSpace(in.Method))
	headerSig := in.Header.Get(signing.SignatureKey)
	querySig := in.Query.Get(signing.SignatureKey)
	reasons := diagnose(method, headerSig, in)

	state := Unclassified
	switch {
	case method == http.MethodPost && headerSig != "":
		state = PostWithHeaderSig
	case method == http.MethodGet && querySig != "":
		state = GetWithQuerySig
	default:
		state = Unsupported
	}
	span.SetAttributes(attribute.String("callback.state", state.String()))

	var out Outcome
	switch state {
	case PostWithHeaderSig:
		out = d.post(ctx, in, headerSig, reasons)
	case GetWithQuerySig:
		out = d.get(ctx, in, querySig, reasons)
	default:
		out = Outcome{
			State:   Unsupported,
			Status:  http.StatusMethodNotAllowed,
			Body:    "Method Not Allowed",
			Reasons: reasons,
			Err:     ErrMalformedRequest,
		}
		d.record(ctx, in, method, eventlog.SeverityError, out, eventlog.Fields{
			"reason": "unsupported method or missing signature",
			"msg":    "Unexpected callback format",
		})
		countCallback("unsupported", "unsupported")
	}
	span.SetAttributes(
		attribute.Int("http.status_code", out.Status),
		attribute.Bool("callback.valid", out.Valid),
		attribute.Bool("callback.degraded", out.Degraded),
	)
	return out
}

func (d *Dispatcher) post(ctx context.Context, in InboundRequest, sig string, reasons []string) Outcome {
	if !d.Verifier.Callback(in.Header, in.RawBody) {
		out := Outcome{State: Rejected, Status: http.StatusBadRequest, Body: "ERR", Reasons: reasons, Err: signing.ErrSignatureInvalid}
		d.record(ctx, in, http.MethodPost, eventlog.SeverityError, out, eventlog.Fields{
			"reason": "invalid signature",
			"msg":    "Signature mismatch, HMAC validation failed",
		})
		countCallback("post", "rejected")
		return out
	}
	reasons = d.checkReplay(ctx, replay.Fingerprint(sig, in.RawBody), reasons)
	corr := correlation(in.RawBody)
	out := Outcome{State: Accepted, Status: http.StatusOK, Body: "OK", Valid: true, Reasons: reasons, Correlation: corr}
	severity := eventlog.SeverityOK
	if len(reasons) > 0 {
		severity = eventlog.SeverityWarn
	}
	d.record(ctx, in, http.MethodPost, severity, out, eventlog.Fields{
		"msg":    "POST valid signature",
		"tx":     corr["tx"],
		"stamp":  corr["stamp"],
		"amount": corr["amount"],
	})
	countCallback("post", "accepted")
	return out
}

func (d *Dispatcher) get(ctx context.Context, in InboundRequest, sig string, reasons []string) Outcome {
	if !d.Verifier.QueryFallback(in.Query) {
		out := Outcome{State: Rejected, Status: http.StatusBadRequest, Body: "ERR", Reasons: reasons, Err: signing.ErrSignatureInvalid}
		d.record(ctx, in, http.MethodGet, eventlog.SeverityError, out, eventlog.Fields{
			"reason": "invalid signature",
			"msg":    "GET signature check failed",
		})
		countCallback("get", "rejected")
		return out
	}
	reasons = appendUnique(reasons, ReasonUsingGetFallback)
	reasons = d.checkReplay(ctx, replay.Fingerprint(sig, []byte(signing.QueryFallback(signing.FromQuery(in.Query)))), reasons)
	out := Outcome{
		State:    Accepted,
		Status:   http.StatusOK,
		Body:     "OK",
		Valid:    true,
		Degraded: true,
		Tag:      DegradedTag,
		Reasons:  reasons,
	}
	d.record(ctx, in, http.MethodGet, eventlog.SeverityWarn, out, eventlog.Fields{
		"msg":   "Proxy or WAF suspected, using GET fallback",
		"tx":    in.Query.Get("checkout-transaction-id"),
		"stamp": in.Query.Get("checkout-stamp"),
	})
	countCallback("get", "accepted")
	return out
}

func (d *Dispatcher) checkReplay(ctx context.Context, fingerprint string, reasons []string) []string {
	if d.Replay == nil {
		return reasons
	}
	seen, err := d.Replay.Seen(ctx, fingerprint)
	if err != nil {
		return appendUnique(reasons, ReasonReplayCheckUnavailable)
	}
	if seen {
		return appendUnique(reasons, ReasonDuplicateCallback)
	}
	return reasons
}

func (d *Dispatcher) record(ctx context.Context, in InboundRequest, method string, severity eventlog.Severity, out Outcome, extra eventlog.Fields) {
	if d.Events == nil {
		return
	}
	fields := eventlog.Fields{
		"method":     method,
		"uri":        in.URI,
		"remote_ip":  in.RemoteIP,
		"user_agent": in.UserAgent,
		"state":      out.State.String(),
		"http_code":  out.Status,
	}
	if gwReqID := in.Header.Get("request-id"); gwReqID != "" {
		fields["gateway_request_id"] = gwReqID
	}
	if len(out.Reasons) > 0 {
		fields["reasons"] = out.Reasons
	}
	if out.Degraded {
		fields["tag"] = out.Tag
	}
	for k, v := range extra {
		fields[k] = v
	}
	d.Events.Record(ctx, "callback_event", severity, fields)
}

func diagnose(method, headerSig string, in InboundRequest) []string {
	var reasons []string
	if method != http.MethodPost {
		reasons = append(reasons, ReasonUnexpectedMethod)
	}
	if headerSig == "" {
		reasons = append(reasons, ReasonMissingSignatureHdr)
	}
	hasCheckout := false
	for key := range in.Header {
		if strings.HasPrefix(strings.ToLower(key), signing.DomainPrefix) {
			hasCheckout = true
			break
		}
	}
	if !hasCheckout {
		reasons = append(reasons, ReasonMissingCheckoutHdrs)
	}
	if method == http.MethodPost && len(in.RawBody) == 0 && in.ContentLength <= 0 {
		reasons = append(reasons, ReasonEmptyRawBody)
	}
	inQuery := in.Query.Get(signing.SignatureKey) != ""
	for key := range in.Query {
		if strings.HasPrefix(strings.ToLower(key), signing.DomainPrefix) {
			inQuery = true
			break
		}
	}
	if inQuery {
		reasons = append(reasons, ReasonParametersInQuery)
	}
	return reasons
}

// correlation extracts transaction id, stamp and amount from an accepted
// callback body. Anything unparseable yields an empty map.
func correlation(body []byte) map[string]any {
	out := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return out
	}
	if v := firstOf(doc, "transactionId", "checkout-transaction-id"); v != nil {
		out["tx"] = v
	}
	if v := firstOf(doc, "stamp", "checkout-stamp"); v != nil {
		out["stamp"] = v
	}
	if v := firstOf(doc, "amount", "checkout-amount"); v != nil {
		out["amount"] = v
	}
	return out
}

func firstOf(doc map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func countCallback(mode, result string) {
	if obs.CallbackTotal != nil {
		obs.CallbackTotal.WithLabelValues(mode, result).Inc()
	}
}
