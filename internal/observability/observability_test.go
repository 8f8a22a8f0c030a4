package observability

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-recognition-bridge/internal/observability/metrics"
)

func TestUnaryServerInterceptor_PassesThrough(t *testing.T) {
	intercept := UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/speechbridge.v1.RecognitionService/SwitchGrammar"}

	resp, err := intercept(context.Background(), "req", info, func(_ context.Context, req any) (any, error) {
		return req.(string) + "-ok", nil
	})
	if err != nil || resp != "req-ok" {
		t.Errorf("unexpected %v, %v", resp, err)
	}

	want := status.Error(codes.NotFound, "grammar")
	_, err = intercept(context.Background(), "req", info, func(context.Context, any) (any, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected the handler error, got %v", err)
	}
}

func TestStreamServerInterceptor_PassesThrough(t *testing.T) {
	intercept := StreamServerInterceptor(metrics.DefaultMetrics)
	info := &grpc.StreamServerInfo{FullMethod: "/speechbridge.v1.RecognitionService/Stream"}

	called := false
	err := intercept(nil, nil, info, func(any, grpc.ServerStream) error {
		called = true
		return io.ErrUnexpectedEOF
	})
	if !called {
		t.Error("handler was not called")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected the handler error, got %v", err)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(lis.Addr().String(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()

	resp, err := http.Get("http://" + lis.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve must return nil after Shutdown, got %v", err)
	}
}
