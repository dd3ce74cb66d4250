package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// QueryServiceName is the fully-qualified gRPC service name.
const QueryServiceName = "mirador.logwatch.v1.AnomalyQuery"

// QueryServer is the gRPC query surface. Messages are google.protobuf.Struct so
// dashboards and grpcurl can call it without generated stubs.
type QueryServer interface {
	LatestAnomalies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AlertSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterQueryServer attaches srv to a gRPC server.
func RegisterQueryServer(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&queryServiceDesc, srv)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LatestAnomalies", Handler: latestAnomaliesHandler},
		{MethodName: "AlertSummary", Handler: alertSummaryHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/logwatch/v1/query.proto",
}

func latestAnomaliesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServer).LatestAnomalies(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + QueryServiceName + "/LatestAnomalies"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QueryServer).LatestAnomalies(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func alertSummaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServer).AlertSummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + QueryServiceName + "/AlertSummary"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QueryServer).AlertSummary(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + QueryServiceName + "/Status"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QueryServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// QueryClient calls the query service over an established connection.
type QueryClient struct {
	cc grpc.ClientConnInterface
}

// NewQueryClient wraps cc.
func NewQueryClient(cc grpc.ClientConnInterface) *QueryClient {
	return &QueryClient{cc: cc}
}

// LatestAnomalies invokes the LatestAnomalies RPC.
func (c *QueryClient) LatestAnomalies(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+QueryServiceName+"/LatestAnomalies", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// AlertSummary invokes the AlertSummary RPC.
func (c *QueryClient) AlertSummary(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+QueryServiceName+"/AlertSummary", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Status invokes the Status RPC.
func (c *QueryClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+QueryServiceName+"/Status", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestFilter narrows the latest batch returned to callers.
type LatestFilter struct {
	// Severity keeps only records of exactly this severity; empty keeps all.
	Severity      models.Severity
	IncludeScores bool
}

// ParseSeverityFilter accepts an exact severity name or the empty string.
func ParseSeverityFilter(sev string) (models.Severity, error) {
	if sev != "" && models.ParseSeverity(sev) != models.Severity(sev) {
		return "", utils.NewInvalidError("api.ParseSeverityFilter", "unknown severity "+strconv.Quote(sev))
	}
	return models.Severity(sev), nil
}

// FromProtoLatestFilter reads {"severity": string, "include_scores": bool}.
func FromProtoLatestFilter(req *structpb.Struct) (LatestFilter, error) {
	var filter LatestFilter
	if req == nil {
		return filter, nil
	}
	fields := req.GetFields()
	if v, ok := fields["severity"]; ok {
		sev, err := ParseSeverityFilter(v.GetStringValue())
		if err != nil {
			return filter, err
		}
		filter.Severity = sev
	}
	if v, ok := fields["include_scores"]; ok {
		filter.IncludeScores = v.GetBoolValue()
	}
	return filter, nil
}

// FromProtoHours reads {"hours": number}; absent means zero.
func FromProtoHours(req *structpb.Struct) (int, error) {
	if req == nil {
		return 0, nil
	}
	v, ok := req.GetFields()["hours"]
	if !ok {
		return 0, nil
	}
	hours := v.GetNumberValue()
	if hours < 0 || hours != float64(int(hours)) {
		return 0, utils.NewInvalidError("api.FromProtoHours", "hours must be a non-negative integer")
	}
	return int(hours), nil
}

// ToStruct converts any JSON-serialisable value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return structpb.NewStruct(fields)
}
