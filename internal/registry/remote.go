package registry

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	pb "github.com/mtiwari1/pixelledger/proto"
)

const defaultCallTimeout = 5 * time.Second

// Remote talks to a ledger daemon over gRPC. Every call is bounded by
// CallTimeout so a stalled network never blocks a request indefinitely.
type Remote struct {
	client      pb.LedgerClient
	conn        *grpc.ClientConn
	callTimeout time.Duration
}

// DialRemote connects to the ledger daemon at addr.
func DialRemote(ctx context.Context, addr string, callTimeout time.Duration, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("registry: dial %s: %w", addr, err)
	}
	r := NewRemote(conn, callTimeout)
	r.conn = conn
	return r, nil
}

// NewRemote wraps an existing connection. The caller keeps ownership of cc.
func NewRemote(cc grpc.ClientConnInterface, callTimeout time.Duration) *Remote {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Remote{client: pb.NewLedgerClient(cc), callTimeout: callTimeout}
}

// Close releases the connection if DialRemote created it.
func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Remote) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	resp, err := r.client.Probe(ctx, &pb.ProbeRequest{})
	return err == nil && resp.Deployed
}

func (r *Remote) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	resp, err := r.client.Count(ctx, &pb.CountRequest{})
	if err != nil {
		return 0, fmt.Errorf("registry: remote count: %w", fromStatus(err))
	}
	return resp.Count, nil
}

func (r *Remote) GetEntry(ctx context.Context, index int64) (ImageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	resp, err := r.client.GetEntry(ctx, &pb.GetEntryRequest{Index: index})
	if err != nil {
		return ImageRecord{}, fmt.Errorf("registry: remote get entry %d: %w", index, fromStatus(err))
	}
	return ImageRecord{
		Index:          resp.Index,
		ContentHash:    resp.ContentHash,
		PerceptualHash: resp.PerceptualHash,
		Submitter:      resp.Submitter,
		Timestamp:      resp.Timestamp,
		TxID:           resp.TxID,
		PrevTxID:       resp.PrevTxID,
	}, nil
}

// Append submits the entry and waits for the daemon's commit receipt. The
// caller decides the deadline; a write in flight is never cut short by
// CallTimeout.
func (r *Remote) Append(ctx context.Context, contentHash, perceptualHash, submitter string) (Receipt, error) {
	if err := validateEntry(contentHash, perceptualHash, submitter); err != nil {
		return Receipt{}, err
	}

	resp, err := r.client.Append(ctx, &pb.AppendRequest{
		ContentHash:    contentHash,
		PerceptualHash: perceptualHash,
		Submitter:      submitter,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("registry: remote append: %w", fromStatus(err))
	}
	if !resp.Success {
		return Receipt{}, fmt.Errorf("%w: ledger reported unsuccessful commit", ErrRegistryRejected)
	}
	return Receipt{TxID: resp.TxID, Index: resp.Index, Success: true}, nil
}

// fromStatus maps gRPC status codes back onto the registry taxonomy.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	switch st.Code() {
	case codes.NotFound, codes.OutOfRange:
		return fmt.Errorf("%w: %s", ErrNotFound, st.Message())
	case codes.FailedPrecondition, codes.ResourceExhausted, codes.InvalidArgument, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrRegistryRejected, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", ErrRegistryUnavailable, st.Code(), st.Message())
	}
}
