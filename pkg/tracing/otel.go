// Copyright 2026 fanjia1024
// OpenTelemetry integration for scheduler loops

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "jobplane"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer 并设为全局 provider
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartLoopSpan 开始一次循环迭代的 span；tenant 为空表示整轮 tick
func StartLoopSpan(ctx context.Context, loop string, tenant string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("loop.name", loop)}
	if tenant != "" {
		attrs = append(attrs, attribute.String("tenant", tenant))
	}
	return otel.Tracer(tracerName).Start(ctx, loop+".tick", trace.WithAttributes(attrs...))
}

// StartEngineSpan 开始一次 workflow engine 调用的 span
func StartEngineSpan(ctx context.Context, op string, n int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "engine."+op,
		trace.WithAttributes(attribute.Int("engine.names", n)),
	)
}
