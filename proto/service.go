// Package proto defines the gRPC wire contract of the image ledger.
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content-subtype, so the service needs no generated code. The client
// returned by NewLedgerClient selects the codec on every call.
package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by the ledger service.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ---- messages ----

type ProbeRequest struct{}

// ProbeResponse reports whether the server has a deployed ledger behind it.
type ProbeResponse struct {
	Deployed bool `json:"deployed"`
}

type CountRequest struct{}

type CountResponse struct {
	Count int64 `json:"count"`
}

type GetEntryRequest struct {
	Index int64 `json:"index"`
}

type GetEntryResponse struct {
	Index          int64  `json:"index"`
	ContentHash    string `json:"content_hash"`
	PerceptualHash string `json:"perceptual_hash"`
	Submitter      string `json:"submitter"`
	Timestamp      int64  `json:"timestamp"`
	TxID           string `json:"tx_id"`
	PrevTxID       string `json:"prev_tx_id"`
}

type AppendRequest struct {
	ContentHash    string `json:"content_hash"`
	PerceptualHash string `json:"perceptual_hash"`
	Submitter      string `json:"submitter"`
}

type AppendResponse struct {
	TxID    string `json:"tx_id"`
	Index   int64  `json:"index"`
	Success bool   `json:"success"`
}

// LedgerServer is the server-side interface for the Ledger service.
type LedgerServer interface {
	Probe(context.Context, *ProbeRequest) (*ProbeResponse, error)
	Count(context.Context, *CountRequest) (*CountResponse, error)
	GetEntry(context.Context, *GetEntryRequest) (*GetEntryResponse, error)
	Append(context.Context, *AppendRequest) (*AppendResponse, error)
}

// LedgerClient is the client-side interface for the Ledger service.
type LedgerClient interface {
	Probe(ctx context.Context, in *ProbeRequest, opts ...grpc.CallOption) (*ProbeResponse, error)
	Count(ctx context.Context, in *CountRequest, opts ...grpc.CallOption) (*CountResponse, error)
	GetEntry(ctx context.Context, in *GetEntryRequest, opts ...grpc.CallOption) (*GetEntryResponse, error)
	Append(ctx context.Context, in *AppendRequest, opts ...grpc.CallOption) (*AppendResponse, error)
}

// ---- server registration ----

const serviceName = "pixelledger.Ledger"

// ServiceDesc is the grpc.ServiceDesc for the Ledger service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Probe", Handler: _Ledger_Probe_Handler},
		{MethodName: "Count", Handler: _Ledger_Count_Handler},
		{MethodName: "GetEntry", Handler: _Ledger_GetEntry_Handler},
		{MethodName: "Append", Handler: _Ledger_Append_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/ledger.proto",
}

// RegisterLedgerServer registers the server implementation with a gRPC server.
func RegisterLedgerServer(s *grpc.Server, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _Ledger_Probe_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProbeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Probe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Probe"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Probe(ctx, req.(*ProbeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Count_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Count(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Count"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Count(ctx, req.(*CountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_GetEntry_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetEntryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).GetEntry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetEntry"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).GetEntry(ctx, req.(*GetEntryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Append_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AppendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Append"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Append(ctx, req.(*AppendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ---- client implementation ----

type ledgerClient struct {
	cc grpc.ClientConnInterface
}

// NewLedgerClient creates a Ledger client that always speaks the JSON codec.
func NewLedgerClient(cc grpc.ClientConnInterface) LedgerClient {
	return &ledgerClient{cc: cc}
}

func (c *ledgerClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *ledgerClient) Probe(ctx context.Context, in *ProbeRequest, opts ...grpc.CallOption) (*ProbeResponse, error) {
	out := new(ProbeResponse)
	if err := c.invoke(ctx, "Probe", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Count(ctx context.Context, in *CountRequest, opts ...grpc.CallOption) (*CountResponse, error) {
	out := new(CountResponse)
	if err := c.invoke(ctx, "Count", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) GetEntry(ctx context.Context, in *GetEntryRequest, opts ...grpc.CallOption) (*GetEntryResponse, error) {
	out := new(GetEntryResponse)
	if err := c.invoke(ctx, "GetEntry", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Append(ctx context.Context, in *AppendRequest, opts ...grpc.CallOption) (*AppendResponse, error) {
	out := new(AppendResponse)
	if err := c.invoke(ctx, "Append", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
