package sync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var outcomeCounter, _ = otel.Meter("github.com/adbeework/shiftsync/internal/sync").Int64Counter(
	"shiftsync.sync.outcomes",
	metric.WithDescription("Per-shift sync outcomes by status"),
	metric.WithUnit("{shift}"),
)

func recordOutcome(ctx context.Context, status OutcomeStatus) {
	if outcomeCounter == nil {
		return
	}
	outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
