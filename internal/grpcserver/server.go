// Package grpcserver exposes a registry backend as the Ledger gRPC service.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mtiwari1/pixelledger/internal/registry"
	pb "github.com/mtiwari1/pixelledger/proto"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements the LedgerServer gRPC interface.
// Dependencies are injected via the constructor.
type Server struct {
	ledger registry.Client
	logger *slog.Logger
}

// NewServer creates a gRPC server over the given ledger backend.
func NewServer(ledger registry.Client, logger *slog.Logger) *Server {
	return &Server{ledger: ledger, logger: logger}
}

// Probe reports whether the backing ledger is deployed and reachable.
func (s *Server) Probe(ctx context.Context, _ *pb.ProbeRequest) (*pb.ProbeResponse, error) {
	return &pb.ProbeResponse{Deployed: s.ledger.IsReachable(ctx)}, nil
}

// Count returns the number of committed entries.
func (s *Server) Count(ctx context.Context, _ *pb.CountRequest) (*pb.CountResponse, error) {
	n, err := s.ledger.Count(ctx)
	if err != nil {
		return nil, mapLedgerError(err, "Count")
	}
	return &pb.CountResponse{Count: n}, nil
}

// GetEntry returns one entry by index.
func (s *Server) GetEntry(ctx context.Context, req *pb.GetEntryRequest) (*pb.GetEntryResponse, error) {
	rec, err := s.ledger.GetEntry(ctx, req.Index)
	if err != nil {
		return nil, mapLedgerError(err, "GetEntry")
	}
	return &pb.GetEntryResponse{
		Index:          rec.Index,
		ContentHash:    rec.ContentHash,
		PerceptualHash: rec.PerceptualHash,
		Submitter:      rec.Submitter,
		Timestamp:      rec.Timestamp,
		TxID:           rec.TxID,
		PrevTxID:       rec.PrevTxID,
	}, nil
}

// Append commits a new entry. The write is not tied to the caller's
// cancellation once it reaches the backend.
func (s *Server) Append(ctx context.Context, req *pb.AppendRequest) (*pb.AppendResponse, error) {
	s.logger.Info("grpc Append",
		slog.String("submitter", req.Submitter),
		slog.String("perceptual_hash", req.PerceptualHash),
	)

	receipt, err := s.ledger.Append(context.WithoutCancel(ctx), req.ContentHash, req.PerceptualHash, req.Submitter)
	if err != nil {
		s.logger.Error("grpc Append failed", slog.String("error", err.Error()))
		return nil, mapLedgerError(err, "Append")
	}

	s.logger.Info("grpc Append committed",
		slog.Int64("index", receipt.Index),
		slog.String("tx_id", receipt.TxID),
	)
	return &pb.AppendResponse{TxID: receipt.TxID, Index: receipt.Index, Success: receipt.Success}, nil
}

// mapLedgerError converts registry errors to gRPC status codes.
func mapLedgerError(err error, method string) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", method, err)
	case errors.Is(err, registry.ErrRegistryRejected):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", method, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: ledger timeout", method)
	case errors.Is(err, registry.ErrRegistryUnavailable):
		return status.Errorf(codes.Unavailable, "%s: %v", method, err)
	default:
		return status.Errorf(codes.Internal, "%s: %v", method, err)
	}
}
