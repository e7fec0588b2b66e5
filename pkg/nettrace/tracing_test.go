// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package nettrace

import (
	"context"
	"testing"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceTags(t *testing.T) {
	assert := assert.New(t)

	tracer := mocktracer.New()
	saved := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(saved)

	span, ctx := Trace(context.Background(), "setup", "network", "podman", "dangling")
	assert.NotNil(ctx)
	span.Finish()

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal("setup", spans[0].OperationName)
	assert.Equal("podman", spans[0].Tag("network"))
	assert.Equal("", spans[0].Tag("dangling"))
}

func TestTraceChildSpan(t *testing.T) {
	tracer := mocktracer.New()
	saved := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(saved)

	parent, ctx := Trace(context.Background(), "setup")
	child, _ := Trace(ctx, "bridge")
	child.Finish()
	parent.Finish()

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext.SpanID, spans[0].ParentID)
}

func TestCreateTracerDisabled(t *testing.T) {
	saved := opentracing.GlobalTracer()
	defer opentracing.SetGlobalTracer(saved)

	Enabled = false
	tracer, err := CreateTracer("kata-netplug")
	assert.NoError(t, err)
	assert.NotNil(t, tracer)

	// no-op when disabled
	StopTracing(context.Background())
}
