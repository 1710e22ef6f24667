package grpc

import (
	"context"
	stderrors "errors"
	"os"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/internal/observability"
	"github.com/tracetab/tracetab/internal/storage"
	"github.com/tracetab/tracetab/pkg/types"
)

// TableEngine is the engine surface the server uses.
type TableEngine interface {
	Load(ctx context.Context, path string) (*engine.LoadResult, error)
	View(fn func(types.Table) error) error
}

// TraceServer implements TraceServiceServer.
type TraceServer struct {
	engine TableEngine
	stats  *observability.LoadStats
	logger *zap.Logger
}

// NewTraceServer creates a new gRPC trace server. stats may be nil.
func NewTraceServer(e TableEngine, stats *observability.LoadStats, logger *zap.Logger) *TraceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceServer{engine: e, stats: stats, logger: logger}
}

// LoadTrace handles trace loading via gRPC. A truncated trace still
// succeeds; the warning is sent in the x-load-warning trailer.
func (s *TraceServer) LoadTrace(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	requestID := extractRequestID(ctx)
	path := req.GetValue()
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}

	res, err := s.engine.Load(ctx, path)
	if s.stats != nil {
		s.stats.Record(path, res, err)
	}
	if err != nil {
		s.logger.Warn("load failed", zap.String("path", path), zap.String("request_id", requestID), zap.Error(err))
		return nil, toStatus(err)
	}

	header := metadata.Pairs(
		MetaRequestID, requestID,
		MetaLoadID, res.LoadID,
		MetaRows, strconv.Itoa(res.Rows),
		MetaWidth, strconv.Itoa(res.Width),
		MetaStop, res.Stop.String(),
	)
	if err := grpc.SetHeader(ctx, header); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to set header: %v", err)
	}
	if res.Warning != nil {
		if err := grpc.SetTrailer(ctx, metadata.Pairs(MetaWarning, res.Warning.Error())); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to set trailer: %v", err)
		}
	}
	return &emptypb.Empty{}, nil
}

// ChunkBytes is the largest GetData message payload. It stays well under
// the default 4 MiB message limit.
const ChunkBytes = 1 << 20

// GetData streams the loaded table as a little-endian int64 matrix. Every
// message holds whole rows; an empty table sends headers only.
func (s *TraceServer) GetData(_ *emptypb.Empty, stream TraceService_GetDataServer) error {
	requestID := extractRequestID(stream.Context())

	var body []byte
	var width int
	var header metadata.MD
	err := s.engine.View(func(t types.Table) error {
		body = t.MarshalBinary()
		width = t.Width()
		header = metadata.Pairs(
			MetaRequestID, requestID,
			MetaLoadID, t.LoadID(),
			MetaRows, strconv.Itoa(t.Rows()),
			MetaWidth, strconv.Itoa(t.Width()),
			MetaFingerprint, t.Fingerprint(),
		)
		return nil
	})
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendHeader(header); err != nil {
		return status.Errorf(codes.Internal, "failed to send header: %v", err)
	}

	for _, chunk := range chunkRows(body, width*8, ChunkBytes) {
		if err := stream.Send(wrapperspb.Bytes(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// chunkRows splits body into pieces of at most limit bytes that hold whole
// rows of rowBytes each. A row larger than limit gets a piece of its own.
func chunkRows(body []byte, rowBytes, limit int) [][]byte {
	if len(body) == 0 || rowBytes <= 0 {
		return nil
	}
	step := limit / rowBytes * rowBytes
	if step == 0 {
		step = rowBytes
	}
	chunks := make([][]byte, 0, (len(body)+step-1)/step)
	for off := 0; off < len(body); off += step {
		end := off + step
		if end > len(body) {
			end = len(body)
		}
		chunks = append(chunks, body[off:end])
	}
	return chunks
}

// toStatus maps a structured error to a gRPC status.
func toStatus(err error) error {
	var c codes.Code
	switch errors.GetCode(err) {
	case errors.CodeOpenFailed:
		c = codes.FailedPrecondition
		if stderrors.Is(err, os.ErrNotExist) || stderrors.Is(err, storage.ErrObjectNotFound) {
			c = codes.NotFound
		}
		var te *errors.TraceError
		if stderrors.As(err, &te) && errors.GetCode(te.Cause) == errors.CodeUnsupportedScheme {
			c = codes.InvalidArgument
		}
	case errors.CodeAllocationFailed:
		c = codes.ResourceExhausted
	case errors.CodeNoData:
		c = codes.FailedPrecondition
	case errors.CodeInvariantViolation:
		c = codes.Internal
	default:
		c = codes.Unknown
	}
	return status.Error(c, err.Error())
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(MetaRequestID); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
