package grpcapi

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"speech-recognition-bridge/internal/models"
)

// Client calls RecognitionService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// SwitchGrammar calls RecognitionService.SwitchGrammar.
func (c *Client) SwitchGrammar(ctx context.Context, name string, opts ...grpc.CallOption) error {
	out := new(emptypb.Empty)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/SwitchGrammar", wrapperspb.String(name), out, opts...)
}

// Stream opens a recognition stream for sessionID. An empty sessionID lets
// the server pick one.
func (c *Client) Stream(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*ResultStream, error) {
	if sessionID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, SessionHeader, sessionID)
	}
	cs, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &ResultStream{cs: cs}, nil
}

// ResultStream is the client side of Stream. Send and Recv may be used from
// different goroutines.
type ResultStream struct {
	cs grpc.ClientStream
}

// Send sends one audio packet.
func (s *ResultStream) Send(packet []byte) error {
	return s.cs.SendMsg(wrapperspb.Bytes(packet))
}

// CloseSend ends the audio; remaining results still arrive on Recv.
func (s *ResultStream) CloseSend() error {
	return s.cs.CloseSend()
}

// Recv returns the next result, or io.EOF once the server is done.
func (s *ResultStream) Recv() (models.RecognitionResult, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return models.RecognitionResult{}, io.EOF
		}
		return models.RecognitionResult{}, err
	}
	return StructToResult(msg)
}
