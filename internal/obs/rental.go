package obs

import (
	"context"

	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental"
)

// RentalMetrics counts rental mutations and settled amounts.
type RentalMetrics struct{}

func (RentalMetrics) Observe(_ context.Context, op rental.Op) {
	result := "ok"
	if op.Err != nil {
		result = protocol.Kind(op.Err)
	}
	RecordOperation(op.Name, result)
	if op.Err == nil && op.Name == rental.OpFinalize {
		AddSettled(op.Amount)
	}
}
