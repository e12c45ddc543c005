package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lexiquest-sync/domain"
)

const (
	tracerName      = "lexiquest-sync/api"
	syncSpanName    = "lexiquest.sync.request"
	syncEventName   = "sync.request"
	syncEventDomain = "lexiquest"
	obsEventMessage = "observability.event"
)

// syncRequestMetrics collects per-request timings and outcome counts for the
// sync endpoints and emits them once as a log entry plus a span event.
type syncRequestMetrics struct {
	logger *log.Logger
	start  time.Time
	span   trace.Span
	route  string

	authDuration   time.Duration
	decodeDuration time.Duration
	applyDuration  time.Duration

	eventsReceived  int
	eventsProcessed int
	eventsSkipped   int
	eventsRejected  int
	errorStage      string
}

func newSyncRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*syncRequestMetrics, context.Context) {
	m := &syncRequestMetrics{
		logger: logger,
		start:  time.Now(),
		route:  route,
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, syncSpanName)
	m.span = span
	return m, spanCtx
}

func (m *syncRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *syncRequestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *syncRequestMetrics) ObserveApply(d time.Duration) {
	if d > 0 {
		m.applyDuration = d
	}
}

func (m *syncRequestMetrics) SetEventsReceived(n int) {
	if n > 0 {
		m.eventsReceived = n
	}
}

// SetOutcomes tallies per-event results.
func (m *syncRequestMetrics) SetOutcomes(results []domain.Result) {
	for _, r := range results {
		switch r.Status {
		case domain.StatusProcessed:
			m.eventsProcessed++
		case domain.StatusSkipped:
			m.eventsSkipped++
		default:
			m.eventsRejected++
		}
	}
}

func (m *syncRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log emits the request's observability event and ends the span. It must be
// called exactly once, after the response status is known.
func (m *syncRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMS := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("lexi.sync.total_ms", totalMS),
		attribute.Int("lexi.sync.events_received", m.eventsReceived),
		attribute.Int("lexi.sync.events_processed", m.eventsProcessed),
		attribute.Int("lexi.sync.events_skipped", m.eventsSkipped),
		attribute.Int("lexi.sync.events_rejected", m.eventsRejected),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("lexi.sync.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.decodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("lexi.sync.decode_ms", durationToMillis(m.decodeDuration)))
	}
	if m.applyDuration > 0 {
		attrs = append(attrs, attribute.Float64("lexi.sync.apply_ms", durationToMillis(m.applyDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("lexi.sync.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", syncEventName),
			attribute.String("event.domain", syncEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		m.span.AddEvent(obsEventMessage, trace.WithAttributes(eventAttrs...))
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else if status >= 500 {
			m.span.SetStatus(codes.Error, "server error")
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}

	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      syncEventName,
		"event.domain":    syncEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrMap,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info(obsEventMessage)
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
