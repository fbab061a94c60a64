package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentCreateTotal counts payment creation attempts by result.
	PaymentCreateTotal *prometheus.CounterVec
	// CallbackTotal counts gateway callbacks by transport mode and verdict.
	CallbackTotal *prometheus.CounterVec
	// RedirectTotal counts browser redirect returns by action and signature verdict.
	RedirectTotal *prometheus.CounterVec
	// GatewayLatency records outbound gateway call latency in milliseconds.
	GatewayLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentCreateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_create_total",
			Help:      "Count of payment creation outcomes.",
		}, []string{"result"})
		CallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_total",
			Help:      "Count of gateway callbacks by mode and result.",
		}, []string{"mode", "result"})
		RedirectTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirect_total",
			Help:      "Count of redirect returns by action and signature result.",
		}, []string{"action", "result"})
		GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Latency for outbound gateway calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"result"})

		mustRegisterCollector(reg, PaymentCreateTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentCreateTotal = v
			}
		})
		mustRegisterCollector(reg, CallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CallbackTotal = v
			}
		})
		mustRegisterCollector(reg, RedirectTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RedirectTotal = v
			}
		})
		mustRegisterCollector(reg, GatewayLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				GatewayLatency = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
