// Package rpc exposes PV site forecasts over gRPC.
//
// The pvsite.v1.Forecaster service carries google.protobuf.Struct messages
// so that clients need no generated code:
//
//	Predict    {"pv_id": "123", "ts": "2024-06-01T12:00:00Z"}  -> forecast
//	GetCurrent {"pv_id": "123"}                                  -> latest stored forecast
//
// A forecast is {"pv_id", "generated_at", "horizon_minutes", "powers", "model"}
// with null powers where the model has no prediction.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/models"
	"github.com/HatiCode/pvsite/pkg/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pvsite.v1.Forecaster"

const (
	predictMethod    = "/" + ServiceName + "/Predict"
	getCurrentMethod = "/" + ServiceName + "/GetCurrent"
)

// ForecasterServer is the server side of pvsite.v1.Forecaster.
type ForecasterServer interface {
	Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetCurrent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ForecasterServiceDesc describes pvsite.v1.Forecaster for grpc.Server.
var ForecasterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ForecasterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: unaryHandler(predictMethod, ForecasterServer.Predict)},
		{MethodName: "GetCurrent", Handler: unaryHandler(getCurrentMethod, ForecasterServer.GetCurrent)},
	},
	Metadata: "pvsite/v1/forecaster",
}

func unaryHandler(method string, call func(ForecasterServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ForecasterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ForecasterServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterForecasterServer registers srv on s.
func RegisterForecasterServer(s grpc.ServiceRegistrar, srv ForecasterServer) {
	s.RegisterService(&ForecasterServiceDesc, srv)
}

// Predictor produces a fresh forecast for a PV site at ts.
type Predictor interface {
	PredictAt(ctx context.Context, pvID string, ts time.Time) (storage.Snapshot, error)
}

// Service implements ForecasterServer on top of a Predictor and a Store.
type Service struct {
	predictor Predictor
	store     storage.Store
	logger    *slog.Logger
}

// NewService returns a Service. A nil store disables GetCurrent.
func NewService(predictor Predictor, store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{predictor: predictor, store: store, logger: logger.With("component", "grpc")}
}

// Predict implements ForecasterServer. ts defaults to now.
func (s *Service) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pvID, err := pvIDField(req)
	if err != nil {
		return nil, err
	}
	ts := time.Now().UTC()
	if v, ok := req.GetFields()["ts"]; ok {
		ts, err = time.Parse(time.RFC3339, v.GetStringValue())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid ts %q: must be RFC 3339", v.GetStringValue())
		}
	}

	snap, err := s.predictor.PredictAt(ctx, pvID, ts)
	if err != nil {
		s.logger.Debug("predict failed", "pv_id", pvID, "ts", ts, "error", err)
		return nil, statusFromError(err)
	}
	return SnapshotToStruct(snap)
}

// GetCurrent implements ForecasterServer.
func (s *Service) GetCurrent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unimplemented, "no snapshot store configured")
	}
	pvID, err := pvIDField(req)
	if err != nil {
		return nil, err
	}
	snap, found, err := s.store.GetLatest(ctx, pvID)
	if err != nil {
		s.logger.Error("failed to get snapshot", "pv_id", pvID, "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "no forecast for pv %q", pvID)
	}
	return SnapshotToStruct(snap)
}

func pvIDField(req *structpb.Struct) (string, error) {
	pvID := req.GetFields()["pv_id"].GetStringValue()
	if pvID == "" {
		return "", status.Error(codes.InvalidArgument, "pv_id is required")
	}
	if err := storage.ValidateKey(pvID); err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return pvID, nil
}

// statusFromError maps domain errors to gRPC codes.
func statusFromError(err error) error {
	switch {
	case errors.Is(err, datasources.ErrUnknownPvID):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrBeforeAllModels),
		errors.Is(err, models.ErrBeforeFirstForecast),
		errors.Is(err, datasources.ErrNoNwpAvailable),
		errors.Is(err, models.ErrNotTrained):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// SnapshotToStruct encodes a forecast, NaN powers becoming null.
func SnapshotToStruct(s storage.Snapshot) (*structpb.Struct, error) {
	powers := make([]any, len(s.Powers))
	for i, p := range storage.NullableFloats(s.Powers) {
		if p != nil {
			powers[i] = *p
		}
	}
	out, err := structpb.NewStruct(map[string]any{
		"pv_id":           s.PvID,
		"generated_at":    s.GeneratedAt.UTC().Format(time.RFC3339),
		"horizon_minutes": float64(s.HorizonMinutes),
		"powers":          powers,
		"model":           s.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("encode forecast: %w", err)
	}
	return out, nil
}

// SnapshotFromStruct decodes what SnapshotToStruct produced.
func SnapshotFromStruct(st *structpb.Struct) (storage.Snapshot, error) {
	f := st.GetFields()
	generatedAt, err := time.Parse(time.RFC3339, f["generated_at"].GetStringValue())
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode generated_at: %w", err)
	}
	values := f["powers"].GetListValue().GetValues()
	powers := make([]float64, len(values))
	for i, v := range values {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
			powers[i] = math.NaN()
			continue
		}
		powers[i] = v.GetNumberValue()
	}
	return storage.Snapshot{
		PvID:           f["pv_id"].GetStringValue(),
		GeneratedAt:    generatedAt,
		HorizonMinutes: int(f["horizon_minutes"].GetNumberValue()),
		Powers:         powers,
		Model:          f["model"].GetStringValue(),
	}, nil
}

// ForecasterClient calls pvsite.v1.Forecaster.
type ForecasterClient struct {
	cc grpc.ClientConnInterface
}

// NewForecasterClient wraps a connection.
func NewForecasterClient(cc grpc.ClientConnInterface) *ForecasterClient {
	return &ForecasterClient{cc: cc}
}

// Predict asks for a forecast of pvID at ts; a zero ts means now.
func (c *ForecasterClient) Predict(ctx context.Context, pvID string, ts time.Time, opts ...grpc.CallOption) (storage.Snapshot, error) {
	fields := map[string]any{"pv_id": pvID}
	if !ts.IsZero() {
		fields["ts"] = ts.UTC().Format(time.RFC3339)
	}
	return c.call(ctx, predictMethod, fields, opts)
}

// GetCurrent returns the latest stored forecast of pvID.
func (c *ForecasterClient) GetCurrent(ctx context.Context, pvID string, opts ...grpc.CallOption) (storage.Snapshot, error) {
	return c.call(ctx, getCurrentMethod, map[string]any{"pv_id": pvID}, opts)
}

func (c *ForecasterClient) call(ctx context.Context, method string, fields map[string]any, opts []grpc.CallOption) (storage.Snapshot, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return storage.Snapshot{}, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, resp, opts...); err != nil {
		return storage.Snapshot{}, err
	}
	return SnapshotFromStruct(resp)
}
