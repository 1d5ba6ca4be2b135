package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ponyo877/spectragate/server/domain"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	engineServiceName = "spectragate.engine.v1.Engine"
	initializeMethod  = "/" + engineServiceName + "/Initialize"
	processMethod     = "/" + engineServiceName + "/Process"

	grpcSendQueue   = 32
	grpcJPEGQuality = 85
)

// EngineServer is implemented by remote engines. Process receives frame
// messages and replies with status and metrics messages on the same stream.
type EngineServer interface {
	Initialize(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Process(grpc.ServerStream) error
}

var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: engineServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Initialize", Handler: initializeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Process",
			Handler:       processHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "spectragate/engine/v1/engine.proto",
}

func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&EngineServiceDesc, srv)
}

func initializeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Initialize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: initializeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).Initialize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func processHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EngineServer).Process(stream)
}

// GRPCEngine forwards frames to a remote EngineServer over one bidirectional
// stream per run.
type GRPCEngine struct {
	target   string
	dialOpts []grpc.DialOption
	logger   zerolog.Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	sendCh chan domain.EngineInput
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// first stream failure of the current run
	err error
}

func NewGRPCEngine(target string, logger zerolog.Logger, opts ...grpc.DialOption) *GRPCEngine {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCEngine{target: target, dialOpts: opts, logger: logger}
}

func (e *GRPCEngine) Initialize(ctx context.Context, settings domain.Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sendCh != nil {
		return fmt.Errorf("grpc engine running: %w", domain.ErrFailedPrecondition)
	}
	if e.conn == nil {
		conn, err := grpc.NewClient(e.target, e.dialOpts...)
		if err != nil {
			return fmt.Errorf("error connecting to engine %s: %w: %v", e.target, domain.ErrInternalEngine, err)
		}
		e.conn = conn
	}

	in, err := structpb.NewStruct(settings.Fields())
	if err != nil {
		return fmt.Errorf("error encoding settings: %w", err)
	}
	if err := e.conn.Invoke(ctx, initializeMethod, in, new(emptypb.Empty)); err != nil {
		return fromRPCError(err)
	}
	return nil
}

func (e *GRPCEngine) Start(ctx context.Context, outputs domain.EngineOutputs) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return fmt.Errorf("grpc engine not initialized: %w", domain.ErrFailedPrecondition)
	}
	if e.sendCh != nil {
		return fmt.Errorf("grpc engine already started: %w", domain.ErrFailedPrecondition)
	}

	// the stream outlives the caller's context and ends with Stop
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := e.conn.NewStream(streamCtx, &EngineServiceDesc.Streams[0], processMethod)
	if err != nil {
		cancel()
		return fromRPCError(err)
	}

	e.sendCh = make(chan domain.EngineInput, grpcSendQueue)
	e.cancel = cancel
	e.err = nil
	e.wg.Add(2)
	go e.sendLoop(stream, e.sendCh)
	go e.recvLoop(stream, outputs)
	return nil
}

func (e *GRPCEngine) Submit(in domain.EngineInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sendCh == nil {
		return fmt.Errorf("grpc engine not started: %w", domain.ErrFailedPrecondition)
	}
	if e.err != nil {
		return fmt.Errorf("remote engine failed: %w: %v", domain.ErrInternalEngine, e.err)
	}
	select {
	case e.sendCh <- in:
		return nil
	default:
		return fmt.Errorf("grpc engine send queue full: %w", domain.ErrResourceExhausted)
	}
}

// Stop half-closes the stream, waits for the server to finish replying and
// releases the connection.
func (e *GRPCEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.sendCh == nil {
		conn := e.conn
		e.conn = nil
		e.mu.Unlock()
		if conn != nil {
			return conn.Close()
		}
		return nil
	}
	close(e.sendCh)
	e.sendCh = nil
	cancel := e.cancel
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("grpc engine drain: %w: %v", domain.ErrInternalEngine, ctx.Err())
	}
	cancel()
	<-drained
	if cerr := conn.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("error closing engine connection: %w", cerr)
	}
	return err
}

func (e *GRPCEngine) sendLoop(stream grpc.ClientStream, in <-chan domain.EngineInput) {
	defer e.wg.Done()

	failed := false
	for input := range in {
		// keep draining so Stop can close the channel
		if failed {
			continue
		}
		msg, err := frameMessage(input)
		if err != nil {
			e.logger.Warn().Err(err).Int64("timestamp", input.TimestampMicros).Msg("dropping frame for remote engine")
			continue
		}
		if err := stream.SendMsg(msg); err != nil {
			e.logger.Error().Err(err).Msg("error sending frame to remote engine")
			e.fail(err)
			failed = true
		}
	}
	if err := stream.CloseSend(); err != nil {
		e.logger.Debug().Err(err).Msg("error half-closing engine stream")
	}
}

func (e *GRPCEngine) recvLoop(stream grpc.ClientStream, outputs domain.EngineOutputs) {
	defer e.wg.Done()

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			if e.fail(err) {
				e.logger.Error().Err(err).Msg("remote engine stream failed")
				outputs.OnStatus(domain.StatusProcessingFailed)
			}
			return
		}
		dispatch(msg.AsMap(), msg, outputs, e.logger)
	}
}

// fail records err as the run's failure unless Stop has already begun, in
// which case the stream ending is expected. It reports whether err was kept.
func (e *GRPCEngine) fail(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sendCh == nil {
		return false
	}
	if e.err == nil {
		e.err = err
	}
	return true
}

func frameMessage(in domain.EngineInput) (*structpb.Struct, error) {
	jpg, err := in.Frame.JPEG(grpcJPEGQuality)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"kind":         "frame",
		"timestamp_us": float64(in.TimestampMicros),
		"recording":    in.Recording,
		"width":        float64(in.Frame.Width),
		"height":       float64(in.Frame.Height),
		"jpeg":         base64.StdEncoding.EncodeToString(jpg),
	})
}

// dispatch routes one engine reply. raw is the original Struct when the
// reply arrived as protobuf, so the metrics record is reused without copying.
func dispatch(fields map[string]any, raw *structpb.Struct, outputs domain.EngineOutputs, logger zerolog.Logger) {
	kind, _ := fields["kind"].(string)
	switch kind {
	case "status":
		name, _ := fields["status"].(string)
		outputs.OnStatus(domain.ParseStatusCode(name))
	case "metrics":
		ts, ok := toInt64(fields["timestamp_us"])
		if !ok {
			logger.Warn().Msg("metrics reply without timestamp")
			return
		}
		var record *structpb.Struct
		if raw != nil {
			record = raw.GetFields()["metrics"].GetStructValue()
		} else if m, ok := fields["metrics"].(map[string]any); ok {
			s, err := structpb.NewStruct(m)
			if err != nil {
				logger.Warn().Err(err).Msg("invalid metrics record")
				return
			}
			record = s
		}
		outputs.OnMetrics(domain.MetricsBatch{Record: record}, ts)
	default:
		logger.Debug().Str("kind", kind).Msg("ignoring engine reply")
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func fromRPCError(err error) error {
	if status.Code(err) == codes.FailedPrecondition {
		return fmt.Errorf("remote engine: %w: %v", domain.ErrFailedPrecondition, status.Convert(err).Message())
	}
	return fmt.Errorf("remote engine: %w: %v", domain.ErrInternalEngine, err)
}
