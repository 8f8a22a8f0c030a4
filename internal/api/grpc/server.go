// Package grpcapi serves the recognition stream over gRPC.
//
// The service uses protobuf well-known types on the wire so no generated
// code is needed: audio packets travel as BytesValue, results as Struct
// carrying the JSON form of a RecognitionResult.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"speech-recognition-bridge/internal/app"
	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/observability/logging"
	"speech-recognition-bridge/internal/service/julius"
	"speech-recognition-bridge/internal/service/pipeline"
)

const (
	ServiceName = "speechbridge.v1.RecognitionService"

	// SessionHeader carries the caller's session id on Stream.
	SessionHeader = "x-session-id"

	closeTimeout = 30 * time.Second
)

// RecognitionService is implemented by Server.
type RecognitionService interface {
	Stream(grpc.ServerStream) error
	SwitchGrammar(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// PipelineFactory builds one pipeline per stream.
type PipelineFactory interface {
	NewPipeline(sessionID string, sinks ...pipeline.Sink) (*pipeline.Pipeline, error)
	SwitchGrammar(name string) error
}

var _ PipelineFactory = (*app.Application)(nil)

// Server implements RecognitionService on top of the application.
type Server struct {
	factory PipelineFactory
}

// ServiceDesc describes RecognitionService for grpc.Server and clients.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecognitionService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SwitchGrammar", Handler: switchGrammarHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// Register registers the recognition service on g.
func Register(g *grpc.Server, factory PipelineFactory) {
	g.RegisterService(&ServiceDesc, &Server{factory: factory})
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RecognitionService).Stream(stream)
}

func switchGrammarHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecognitionService).SwitchGrammar(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/SwitchGrammar",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecognitionService).SwitchGrammar(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Stream reads audio packets until the client half-closes, then flushes the
// trailing utterance and returns once every result has been sent.
func (s *Server) Stream(stream grpc.ServerStream) error {
	ctx := stream.Context()
	sessionID := sessionFromContext(ctx)
	log := logging.WithSession(sessionID).With().Str("transport", "grpc").Logger()

	// Results come from the worker and, when the queue is full, from the
	// receive loop; SendMsg allows one caller at a time.
	var (
		sendMu  sync.Mutex
		sendErr error
	)
	p, err := s.factory.NewPipeline(sessionID, func(res models.RecognitionResult) {
		sendMu.Lock()
		defer sendMu.Unlock()
		msg, err := ResultToStruct(res)
		if err == nil {
			err = stream.SendMsg(msg)
		}
		if err != nil {
			sendErr = err
			log.Warn().Err(err).Str("utteranceId", res.UtteranceID).Msg("Failed to send result")
		}
	})
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}

	recvErr := s.receive(ctx, stream, p)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Pipeline did not drain")
	}

	if recvErr != nil {
		return recvErr
	}
	sendMu.Lock()
	defer sendMu.Unlock()
	if sendErr != nil {
		return status.Error(codes.Unavailable, sendErr.Error())
	}
	return nil
}

func (s *Server) receive(ctx context.Context, stream grpc.ServerStream, p *pipeline.Pipeline) error {
	for {
		in := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(in); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := p.Ingest(ctx, in.GetValue()); err != nil {
			return status.Error(codes.FailedPrecondition, err.Error())
		}
	}
}

// SwitchGrammar leaves the named grammar as the only active one.
func (s *Server) SwitchGrammar(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "grammar name is required")
	}
	if err := s.factory.SwitchGrammar(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, app.ErrNoEngine):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, julius.ErrUnknownGrammar):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, julius.ErrNotConnected), errors.Is(err, julius.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func sessionFromContext(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(SessionHeader); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.NewString()
}

// ResultToStruct converts a result to its wire form.
func ResultToStruct(res models.RecognitionResult) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("grpcapi: marshal result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("grpcapi: marshal result: %w", err)
	}
	return structpb.NewStruct(m)
}

// StructToResult is the inverse of ResultToStruct.
func StructToResult(s *structpb.Struct) (models.RecognitionResult, error) {
	var res models.RecognitionResult
	raw, err := s.MarshalJSON()
	if err != nil {
		return res, fmt.Errorf("grpcapi: unmarshal result: %w", err)
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("grpcapi: unmarshal result: %w", err)
	}
	return res, nil
}
