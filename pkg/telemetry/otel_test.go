package telemetry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

type mockTraceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	t             *testing.T
	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	notify        chan struct{}
}

func startMockTraceCollector(t *testing.T) (*mockTraceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start OTLP listener: %v", err)
	}

	collector := &mockTraceCollector{
		notify: make(chan struct{}, 1),
		t:      t,
	}

	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)

	go func() {
		_ = server.Serve(lis)
	}()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

func (m *mockTraceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	m.mu.Lock()
	m.resourceSpans = append(m.resourceSpans, req.ResourceSpans...)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (m *mockTraceCollector) WaitForSpans(ctx context.Context, minSpans int) []*tracepb.Span {
	for {
		m.mu.Lock()
		if len(m.resourceSpans) >= minSpans {
			var spans []*tracepb.Span
			for _, rs := range m.resourceSpans {
				for _, scope := range rs.ScopeSpans {
					spans = append(spans, scope.Spans...)
				}
			}
			m.mu.Unlock()
			return spans
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
		}
	}
}

func TestSetupProvider_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupProvider_ExportsSpans(t *testing.T) {
	collector, addr := startMockTraceCollector(t)

	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := SetupProvider(context.Background(), Config{
		ServiceName: "keybroker-test",
		Endpoint:    addr,
		Insecure:    true,
	})
	require.NoError(t, err)

	tracer := otel.Tracer("keybroker-test")
	_, span := tracer.Start(context.Background(), "keybroker.call")
	span.End()

	// Shutdown flushes the batcher.
	require.NoError(t, shutdown(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	spans := collector.WaitForSpans(ctx, 1)
	require.NotEmpty(t, spans)
	assert.Equal(t, "keybroker.call", spans[0].Name)
}
