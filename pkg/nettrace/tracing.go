// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package nettrace wraps the opentracing spans emitted around each stage
// of a setup or teardown run.
package nettrace

import (
	"context"
	"io"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"github.com/uber/jaeger-client-go/config"
)

// jaegerLogger implements the jaeger-client-go Logger interface.
type jaegerLogger struct{}

var (
	traceLog = logrus.NewEntry(logrus.New())

	// Enabled turns span reporting on. When it is off spans are still
	// created, but by a NOP tracer.
	Enabled = false

	closer io.Closer
)

func (jaegerLogger) Error(msg string) {
	traceLog.Error(msg)
}

func (jaegerLogger) Infof(msg string, args ...interface{}) {
	traceLog.Infof(msg, args...)
}

// SetLogger sets the logger tracing errors are reported on.
func SetLogger(logger *logrus.Entry) {
	traceLog = logger.WithField("source", "nettrace")
}

// CreateTracer installs the global tracer for service name.
func CreateTracer(name string) (opentracing.Tracer, error) {
	cfg := &config.Configuration{
		ServiceName: name,
		Disabled:    !Enabled,

		// stdout carries the status block, so spans are never logged
		// through the reporter.
		Sampler: &config.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &config.ReporterConfig{
			LogSpans: false,
		},
	}

	tracer, c, err := cfg.NewTracer(config.Logger(jaegerLogger{}))
	if err != nil {
		return nil, err
	}

	closer = c
	opentracing.SetGlobalTracer(tracer)

	return tracer, nil
}

// StopTracing finishes the root span found in ctx and flushes the
// reporter.
func StopTracing(ctx context.Context) {
	if !Enabled {
		return
	}

	if span := opentracing.SpanFromContext(ctx); span != nil {
		span.Finish()
	}

	if closer != nil {
		closer.Close()
		closer = nil
	}
}

// Trace starts a span called name under parent. Tags are given as
// key, value pairs; a trailing key gets an empty value.
func Trace(parent context.Context, name string, tags ...string) (opentracing.Span, context.Context) {
	if parent == nil {
		traceLog.WithField("type", "bug").Error("trace called before context set")
		parent = context.Background()
	}

	span, ctx := opentracing.StartSpanFromContext(parent, name)

	for i := 0; i < len(tags); i += 2 {
		if i+1 == len(tags) {
			span.SetTag(tags[i], "")
		} else {
			span.SetTag(tags[i], tags[i+1])
		}
	}

	if Enabled {
		traceLog.Debugf("created span %v", span)
	}

	return span, ctx
}
