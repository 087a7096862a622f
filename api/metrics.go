package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "taskorder/api"
	requestEventDomain = "taskorder.api"
	observabilityEvent = "observability.event"
	attrPrefix         = "taskorder."
)

type stageDuration struct {
	name string
	d    time.Duration
}

// requestMetrics collects the timings of one request and reports them once,
// both as a structured log entry and as an event on the request span.
type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	name       string
	route      string
	start      time.Time
	stages     []stageDuration
	fields     map[string]any
	errorStage string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, name, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "api."+name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)))
	return &requestMetrics{
		logger: logger,
		span:   span,
		name:   name,
		route:  route,
		start:  time.Now(),
		fields: map[string]any{},
	}, ctx
}

func (m *requestMetrics) eventName() string { return m.name + ".request.metrics" }

func (m *requestMetrics) key(field string) string { return attrPrefix + m.name + "." + field }

// Observe records how long a stage took. Zero or negative durations are ignored.
func (m *requestMetrics) Observe(stage string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.stages = append(m.stages, stageDuration{name: stage, d: d})
}

// Set attaches a request specific value. Only strings, bools and integers
// are kept.
func (m *requestMetrics) Set(field string, v any) {
	switch v.(type) {
	case string, bool, int, int64:
		m.fields[field] = v
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the observability event and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":       m.route,
		"http.status_code": status,
		m.key("total_ms"):  durationToMillis(time.Since(m.start)),
	}
	for _, s := range m.stages {
		attrs[m.key(s.name+"_ms")] = durationToMillis(s.d)
	}
	for k, v := range m.fields {
		attrs[m.key(k)] = v
	}
	if m.errorStage != "" {
		attrs[m.key("error_stage")] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	if m.span != nil {
		eventAttrs := []attribute.KeyValue{
			attribute.String("event.name", m.eventName()),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}
		for k, v := range attrs {
			eventAttrs = append(eventAttrs, toAttribute(k, v))
		}
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String(m.key("error_stage"), m.errorStage))
		}
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				m.span.RecordError(err)
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
	}

	if m.logger != nil {
		fields := log.Fields{
			"event.name":      m.eventName(),
			"event.domain":    requestEventDomain,
			"attributes":      attrs,
			"severity_text":   severityText,
			"severity_number": severityNumber,
		}
		if m.span != nil {
			if sc := m.span.SpanContext(); sc.IsValid() {
				fields["trace_id"] = sc.TraceID().String()
				fields["span_id"] = sc.SpanID().String()
			}
		}
		m.logger.WithFields(fields).Log(logLevelFor(severityText), observabilityEvent)
	}

	if m.span != nil {
		m.span.End()
	}
}

// severityForStatus follows the OpenTelemetry severity numbers for INFO,
// WARN and ERROR.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case status == 0 && err != nil:
		return "ERROR", 17
	default:
		return "INFO", 9
	}
}

func logLevelFor(severity string) log.Level {
	switch severity {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func toAttribute(k string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case bool:
		return attribute.Bool(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	default:
		return attribute.String(k, "")
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
