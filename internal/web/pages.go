// Package web renders the shopper-facing HTML pages: the redirect result page
// and the generic payment error page.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

// Result is the data shown after the gateway redirects the shopper back.
type Result struct {
	Action         string
	Stamp          string
	Reference      string
	TransactionID  string
	Status         string
	Provider       string
	AmountMinor    int64
	HasAmount      bool
	Currency       string
	BackURL        string
	RetryURL       string
	SignatureValid bool
}

// ErrorPage is the generic failure page shown when a payment cannot be created.
type ErrorPage struct {
	Status   int
	Message  string
	BackURL  string
	RetryURL string
}

// Pages holds the parsed templates.
type Pages struct {
	result *template.Template
	err    *template.Template
	lang   string
}

// NewPages parses the embedded templates. lang is used for the document
// language attribute.
func NewPages(lang string) (*Pages, error) {
	result, err := template.ParseFS(templateFS, "templates/layout.html", "templates/result.html")
	if err != nil {
		return nil, fmt.Errorf("parse result template: %w", err)
	}
	errPage, err := template.ParseFS(templateFS, "templates/layout.html", "templates/error.html")
	if err != nil {
		return nil, fmt.Errorf("parse error template: %w", err)
	}
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		lang = "en"
	}
	return &Pages{result: result, err: errPage, lang: lang}, nil
}

// MustPages is NewPages that panics; the templates are embedded so failure is
// a build defect.
func MustPages(lang string) *Pages {
	p, err := NewPages(lang)
	if err != nil {
		panic(err)
	}
	return p
}

// RenderResult writes the result page. It always answers 200; an unconfirmed
// signature only changes the notice.
func (p *Pages) RenderResult(w http.ResponseWriter, res Result) error {
	title := "Payment cancelled"
	if res.Action == "success" {
		title = "Payment completed"
	}
	note := ""
	if !res.SignatureValid {
		note = "The payment signature could not be confirmed. The status shown here is not verified."
	}
	amount := ""
	if res.HasAmount {
		amount = FormatAmount(res.AmountMinor, res.Currency)
	}
	data := map[string]any{
		"Lang":          p.lang,
		"Title":         title,
		"Note":          note,
		"Stamp":         res.Stamp,
		"Reference":     res.Reference,
		"TransactionID": res.TransactionID,
		"Status":        res.Status,
		"Provider":      res.Provider,
		"Amount":        amount,
		"BackURL":       res.BackURL,
		"RetryURL":      res.RetryURL,
	}
	return render(w, p.result, http.StatusOK, data)
}

// RenderError writes the generic error page with the given status.
func (p *Pages) RenderError(w http.ResponseWriter, page ErrorPage) error {
	status := page.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	msg := page.Message
	if msg == "" {
		msg = "The payment could not be started. Please try again later."
	}
	data := map[string]any{
		"Lang":     p.lang,
		"Title":    "Payment error",
		"Message":  msg,
		"BackURL":  page.BackURL,
		"RetryURL": page.RetryURL,
	}
	return render(w, p.err, status, data)
}

func render(w http.ResponseWriter, tpl *template.Template, status int, data any) error {
	var buf bytes.Buffer
	if err := tpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// FormatAmount renders minor units as a decimal amount with the currency,
// e.g. 1590 EUR as "15.90 €".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	value := fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case "EUR", "":
		return value + " €"
	default:
		return value + " " + strings.ToUpper(currency)
	}
}
