package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/r3fresh-alm/r3fresh/internal/model"
)

// Ingest RPC names. The request is a google.protobuf.ListValue of event
// Structs; the reply is google.protobuf.Empty.
const (
	IngestService = "alm.v1.EventService"
	IngestMethod  = "/" + IngestService + "/Ingest"
)

// GRPCTransport sends batches to an event collector over gRPC.
type GRPCTransport struct {
	conn    *grpc.ClientConn
	apiKey  string
	timeout time.Duration
}

// NewGRPCTransport creates a transport for addr. Without extra dial options
// the connection is plaintext.
func NewGRPCTransport(addr, apiKey string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: connect to collector: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GRPCTransport{conn: conn, apiKey: apiKey, timeout: timeout}, nil
}

// Send invokes Ingest with the batch.
func (t *GRPCTransport) Send(ctx context.Context, batch []json.RawMessage) error {
	list, err := EncodeBatch(batch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if t.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.apiKey)
	}

	if err := t.conn.Invoke(ctx, IngestMethod, list, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("sink: ingest: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

// EncodeBatch converts encoded events to a ListValue of Structs.
func EncodeBatch(batch []json.RawMessage) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(batch))}
	for i, raw := range batch {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("sink: encode batch item %d: %w", i, err)
		}
		s, err := structpb.NewStruct(m)
		if err != nil {
			return nil, fmt.Errorf("sink: encode batch item %d: %w", i, err)
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(list *structpb.ListValue) ([]model.Event, error) {
	out := make([]model.Event, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("sink: batch item %d is not an object", i)
		}
		data, err := json.Marshal(s.AsMap())
		if err != nil {
			return nil, fmt.Errorf("sink: decode batch item %d: %w", i, err)
		}
		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("sink: decode batch item %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// IngestServer receives batches on the collector side.
type IngestServer interface {
	Ingest(ctx context.Context, events []model.Event) error
}

// RegisterIngestServer registers srv on s under IngestService.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ingestServiceDesc, srv)
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestService,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ingest", Handler: ingestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "alm/v1/events.proto",
}

func ingestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		events, err := DecodeBatch(req.(*structpb.ListValue))
		if err != nil {
			return nil, err
		}
		if err := srv.(IngestServer).Ingest(ctx, events); err != nil {
			return nil, err
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IngestMethod}
	return interceptor(ctx, in, info, handle)
}

// SinkIngester adapts a Sink into an IngestServer, so a collector can write
// received batches through any sink.
type SinkIngester struct {
	Sink Sink
}

func (s SinkIngester) Ingest(ctx context.Context, events []model.Event) error {
	for _, ev := range events {
		s.Sink.Accept(ev)
	}
	s.Sink.Flush(ctx)
	return nil
}
