// Package telemetry wires the gateway's OpenTelemetry instruments and the
// Prometheus /metrics surface. Metrics are collected by a manual reader,
// so long-running gateways flush them on a periodic tick instead of only
// at shutdown.
package telemetry

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/localrouter/gateway/pkg/log"
)

var (
	initOnce sync.Once
	reader   *sdkmetric.ManualReader

	gatewayStarts     metric.Int64Counter
	toolCalls         metric.Int64Counter
	toolDuration      metric.Float64Histogram
	llmRequests       metric.Int64Counter
	llmTokens         metric.Int64Counter
	rateLimitRejects  metric.Int64Counter
	streamingSessions metric.Int64UpDownCounter
)

// Init installs the gateway's meter provider and creates its instruments.
// Safe to call more than once; only the first call takes effect.
func Init() {
	initOnce.Do(func() {
		reader = sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName("localrouter-gateway"),
			)),
		)
		otel.SetMeterProvider(provider)

		meter := otel.Meter("localrouter/gateway")
		gatewayStarts, _ = meter.Int64Counter("gateway.starts",
			metric.WithDescription("Gateway process starts by transport mode"))
		toolCalls, _ = meter.Int64Counter("mcp.tool.calls",
			metric.WithDescription("MCP tool calls forwarded to backends"))
		toolDuration, _ = meter.Float64Histogram("mcp.tool.duration",
			metric.WithDescription("MCP tool call round-trip seconds"),
			metric.WithUnit("s"))
		llmRequests, _ = meter.Int64Counter("llm.requests",
			metric.WithDescription("LLM requests by provider and model"))
		llmTokens, _ = meter.Int64Counter("llm.tokens",
			metric.WithDescription("LLM tokens consumed, split by kind"))
		rateLimitRejects, _ = meter.Int64Counter("ratelimit.rejections",
			metric.WithDescription("Requests rejected by the rate limiter"))
		streamingSessions, _ = meter.Int64UpDownCounter("streaming.sessions",
			metric.WithDescription("Live streaming sessions"))
	})
}

// RecordGatewayStart records a gateway start in the given transport mode.
func RecordGatewayStart(ctx context.Context, transportMode string) {
	if gatewayStarts == nil {
		return
	}
	gatewayStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transportMode)))
}

// RecordToolCall records one forwarded tool call and its round trip.
func RecordToolCall(ctx context.Context, serverID, tool string, d time.Duration, err error) {
	if toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", serverID),
		attribute.String("tool", tool),
		attribute.Bool("error", err != nil),
	)
	toolCalls.Add(ctx, 1, attrs)
	toolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLLMRequest records one LLM round trip and its token usage.
func RecordLLMRequest(ctx context.Context, provider, model string, promptTokens, completionTokens int64) {
	if llmRequests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	llmTokens.Add(ctx, promptTokens, metric.WithAttributes(append(attrs, attribute.String("kind", "prompt"))...))
	llmTokens.Add(ctx, completionTokens, metric.WithAttributes(append(attrs, attribute.String("kind", "completion"))...))
}

// RecordRateLimitRejection records one 429.
func RecordRateLimitRejection(ctx context.Context, clientID, scope string) {
	if rateLimitRejects == nil {
		return
	}
	rateLimitRejects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", clientID),
		attribute.String("scope", scope),
	))
}

// StreamingSessionOpened / Closed track the live session gauge.
func StreamingSessionOpened(ctx context.Context) {
	if streamingSessions != nil {
		streamingSessions.Add(ctx, 1)
	}
}

func StreamingSessionClosed(ctx context.Context) {
	if streamingSessions != nil {
		streamingSessions.Add(ctx, -1)
	}
}

// PeriodicExport collects metrics on a fixed tick for long-running
// gateways, since the manual reader otherwise only observes at shutdown.
// Interval comes from LOCALROUTER_METRICS_INTERVAL, default 30s.
func PeriodicExport(ctx context.Context) {
	interval := 30 * time.Second
	if raw := os.Getenv("LOCALROUTER_METRICS_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			interval = parsed
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Collect(ctx)
		}
	}
}

// Collect drains the manual reader. The collected snapshot is summarized
// to the debug log; the Prometheus surface carries the externally
// scraped view.
func Collect(ctx context.Context) {
	if reader == nil {
		return
	}
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		log.Debugf("! telemetry collect: %v", err)
		return
	}
	n := 0
	for _, scope := range rm.ScopeMetrics {
		n += len(scope.Metrics)
	}
	log.Debugf("- telemetry collected %d instruments", n)
}
