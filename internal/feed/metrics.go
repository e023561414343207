package feed

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var fetchCounter, _ = otel.Meter("github.com/adbeework/shiftsync/internal/feed").Int64Counter(
	"shiftsync.feed.fetches",
	metric.WithDescription("Feed fetch attempts by result"),
	metric.WithUnit("{fetch}"),
)

func recordFetch(ctx context.Context, result string) {
	if fetchCounter == nil {
		return
	}
	fetchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
