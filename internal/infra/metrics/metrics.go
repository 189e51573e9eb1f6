// Package metrics exports coordinator and chain adapter activity to
// prometheus.
package metrics

import (
	"net/http"
	"time"

	"chainvault/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainvault"

type Collector struct {
	submissions  *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	verdicts     *prometheus.CounterVec
	proofInvalid *prometheus.CounterVec
	chainCalls   *prometheus.HistogramVec
	chainErrors  *prometheus.CounterVec
	gatherer     prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() (*Collector, error) {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Collector, error) {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Chain submissions by outcome.",
		}, []string{"chain", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_attempts_total",
			Help:      "Submission attempts made while propagating to secondary chains.",
		}, []string{"chain"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Final operation outcomes.",
		}, []string{"status"}),
		proofInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_invalid_total",
			Help:      "Confirmed receipts whose proof did not attest the canonical hash.",
		}, []string{"chain"}),
		chainCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_call_seconds",
			Help:      "Latency of ledger calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"chain", "call"}),
		chainErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_call_errors_total",
			Help:      "Ledger calls that returned an error.",
		}, []string{"chain", "call"}),
		gatherer: gatherer,
	}
	for _, collector := range []prometheus.Collector{c.submissions, c.attempts, c.verdicts, c.proofInvalid, c.chainCalls, c.chainErrors} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) SubmissionResult(chain domain.ChainID, result string) {
	c.submissions.WithLabelValues(string(chain), result).Inc()
}

func (c *Collector) PropagationAttempt(chain domain.ChainID) {
	c.attempts.WithLabelValues(string(chain)).Inc()
}

func (c *Collector) Verdict(status domain.OperationStatus) {
	c.verdicts.WithLabelValues(string(status)).Inc()
}

func (c *Collector) ProofInvalid(chain domain.ChainID) {
	c.proofInvalid.WithLabelValues(string(chain)).Inc()
}

func (c *Collector) ObserveChainCall(chain domain.ChainID, call string, elapsed time.Duration, err error) {
	c.chainCalls.WithLabelValues(string(chain), call).Observe(elapsed.Seconds())
	if err != nil {
		c.chainErrors.WithLabelValues(string(chain), call).Inc()
	}
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
