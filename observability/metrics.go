package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instructionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paychain",
		Subsystem: "payments",
		Name:      "instructions_total",
		Help:      "Payment instructions processed, labelled by opcode and outcome.",
	}, []string{"op", "result"})

	escrowMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paychain",
		Subsystem: "payments",
		Name:      "escrow_moved_total",
		Help:      "Value moved into or out of escrow, labelled by direction.",
	}, []string{"direction"})
)

// RecordInstruction counts one processed instruction.
func RecordInstruction(op, result string) {
	instructionsProcessed.WithLabelValues(op, result).Inc()
}

// RecordEscrowMove counts value crossing the escrow boundary. Direction is
// "in" (initialize), "out" (complete) or "refund" (cancel).
func RecordEscrowMove(direction string, amount uint64) {
	escrowMoved.WithLabelValues(direction).Add(float64(amount))
}
