package gateway

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the minimal contract the gateway needs from a concrete OCR
// backend. grpcEngine reaches the gRPC OCR worker; stubEngine is the
// in-process fallback used when no worker is configured.
type Engine interface {
	Warmup(ctx context.Context) error
	Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Close() error
}

const predictMethod = "/examcore.ocr.v1.OCRService/Predict"

// grpcEngine reaches the shared OCR engine as an external accelerator-backed
// worker process over a single gRPC connection. The wire payload is a plain
// structpb.Struct rather than a generated message, so no protoc codegen is
// required to speak to it.
type grpcEngine struct {
	conn *grpc.ClientConn
}

func dialGRPC(addr string) (*grpcEngine, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("gateway: dial ocr worker %s: %w", addr, err)
	}
	return &grpcEngine{conn: conn}, nil
}

// Warmup issues a small synthetic prediction against the worker to JIT any
// lazy branches in its inference graph.
func (e *grpcEngine) Warmup(ctx context.Context) error {
	_, err := e.Predict(ctx, &structpb.Struct{})
	return err
}

func (e *grpcEngine) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, predictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("gateway: predict rpc: %w", err)
	}
	return resp, nil
}

func (e *grpcEngine) Close() error {
	return e.conn.Close()
}

// stubEngine is the in-process OCR engine used when no worker address is
// configured, for local development and tests that don't need real OCR.
type stubEngine struct{}

func (stubEngine) Warmup(ctx context.Context) error { return nil }

func (stubEngine) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"blocks": structpb.NewListValue(&structpb.ListValue{}),
	}}, nil
}

func (stubEngine) Close() error { return nil }
