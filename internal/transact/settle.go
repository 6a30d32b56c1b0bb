package transact

import (
	"TroveWatch/internal/observability"
	"TroveWatch/internal/tx"
)

// ObserveSettlements returns a Tracker.OnSettled hook that records outcome
// metrics and then calls each of next in order.
func ObserveSettlements(m *observability.Metrics, next ...func(tx.Settlement)) func(tx.Settlement) {
	return func(s tx.Settlement) {
		if m != nil {
			m.TxOutcomes.WithLabelValues(s.Status.String()).Inc()
			m.TxReceiptWait.WithLabelValues(s.Status.String()).Observe(s.SettledAt.Sub(s.SentAt).Seconds())
			if s.DecodeErr != nil {
				m.TxDecodeErrors.WithLabelValues(s.Op).Inc()
			}
		}
		for _, fn := range next {
			fn(s)
		}
	}
}
