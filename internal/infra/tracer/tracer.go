package tracer

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"isa-warehouse/internal/domain"
	"isa-warehouse/internal/infra/config"
)

const tracerName = "isa-warehouse"

// Setup initializes OpenTelemetry tracing and returns a shutdown function.
// When cfg.Enabled is false, a noop TracerProvider is used.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", tracerName),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan is a convenience helper to start a named span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StringAttr is a convenience for attribute.String.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Attribute keys carried by warehouse spans.
const (
	AttrModel     = attribute.Key("warehouse.model")
	AttrRecordID  = attribute.Key("warehouse.record_id")
	AttrResults   = attribute.Key("warehouse.results")
	AttrUser      = attribute.Key("warehouse.user")
	AttrRoles     = attribute.Key("warehouse.roles")
	AttrResources = attribute.Key("warehouse.resources")
	AttrResource  = attribute.Key("warehouse.resource")
	AttrActions   = attribute.Key("warehouse.actions")
	AttrAction    = attribute.Key("warehouse.action")
)

// StartRecordSpan starts a "records.<op>" span tagged with the model and,
// when id is not empty, the record id.
func StartRecordSpan(ctx context.Context, op, model, id string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrModel.String(model)}
	if id != "" {
		attrs = append(attrs, AttrRecordID.String(id))
	}
	return StartSpan(ctx, "records."+op, trace.WithAttributes(attrs...))
}

// StartResolveSpan starts the span of one permission resolution.
func StartResolveSpan(ctx context.Context, user string, roles, resources []string) (context.Context, trace.Span) {
	return StartSpan(ctx, "permission.resolve", trace.WithAttributes(
		AttrUser.String(user),
		AttrRoles.StringSlice(roles),
		AttrResources.StringSlice(resources),
	))
}

// AddGrants adds one "permission.grant" event per resource in result, in
// resource name order, listing the granted actions.
func AddGrants(span trace.Span, result domain.PermissionResult) {
	if !span.IsRecording() {
		return
	}
	for _, res := range slices.Sorted(maps.Keys(result)) {
		actions := result[res].Sorted()
		names := make([]string, len(actions))
		for i, a := range actions {
			names[i] = string(a)
		}
		span.AddEvent("permission.grant", trace.WithAttributes(
			AttrResource.String(res),
			AttrActions.StringSlice(names),
		))
	}
}

// MarkDenied records an authorization denial on the span active in ctx.
func MarkDenied(ctx context.Context, resource string, action domain.Action) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("access.denied", trace.WithAttributes(
		AttrResource.String(resource),
		AttrAction.String(string(action)),
	))
	span.SetStatus(codes.Error, "access denied")
}
