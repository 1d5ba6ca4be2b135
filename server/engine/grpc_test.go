package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ponyo877/spectragate/server/domain"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeRemote struct {
	mu         sync.Mutex
	settings   map[string]any
	frames     []int64
	rejectInit bool
	// crashAfter > 0 fails the stream after that many frames
	crashAfter int
}

func (f *fakeRemote) Initialize(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if f.rejectInit {
		return nil, status.Error(codes.FailedPrecondition, "license expired")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = in.AsMap()
	return &emptypb.Empty{}, nil
}

func (f *fakeRemote) Process(stream grpc.ServerStream) error {
	n := 0
	for {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fields := in.AsMap()
		ts := int64(fields["timestamp_us"].(float64))
		f.mu.Lock()
		f.frames = append(f.frames, ts)
		f.mu.Unlock()

		reply, _ := structpb.NewStruct(map[string]any{"kind": "status", "status": "OK"})
		if err := stream.SendMsg(reply); err != nil {
			return err
		}
		n++
		if f.crashAfter > 0 && n >= f.crashAfter {
			return status.Error(codes.Internal, "model crashed")
		}
		if n%2 == 0 {
			metrics, _ := structpb.NewStruct(map[string]any{
				"kind":         "metrics",
				"timestamp_us": float64(ts),
				"metrics":      map[string]any{"pulse": map[string]any{"rate": 70.0}},
			})
			if err := stream.SendMsg(metrics); err != nil {
				return err
			}
		}
	}
}

func startRemote(t *testing.T, remote *fakeRemote) *GRPCEngine {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterEngineServer(s, remote)
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	return NewGRPCEngine("passthrough:///bufnet", zerolog.Nop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

func TestGRPCEngineRoundTrip(t *testing.T) {
	remote := &fakeRemote{}
	e := startRemote(t, remote)
	c := &capture{}
	ctx := context.Background()

	if err := e.Initialize(ctx, domain.NewContinuousRestSettings("secret")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := e.Start(ctx, c.outputs()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if err := e.Submit(domain.EngineInput{Frame: solidFrame(100), TimestampMicros: int64(i) * 33_000}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(remote.frames) != 4 || remote.frames[3] != 132_000 {
		t.Errorf("remote saw frames %v", remote.frames)
	}
	if remote.settings["operation_mode"] != "continuous" {
		t.Errorf("settings not forwarded: %v", remote.settings)
	}
	if _, leaked := remote.settings["api_key"]; leaked {
		t.Errorf("api key sent to remote engine")
	}
	if len(c.statuses) != 4 {
		t.Errorf("expected 4 status replies, got %v", c.statuses)
	}
	if len(c.batches) != 2 || c.batches[0] != 66_000 || c.batches[1] != 132_000 {
		t.Errorf("unexpected batches %v", c.batches)
	}
}

func TestGRPCEngineInitializeRejected(t *testing.T) {
	e := startRemote(t, &fakeRemote{rejectInit: true})

	err := e.Initialize(context.Background(), domain.NewContinuousRestSettings("secret"))
	if !errors.Is(err, domain.ErrFailedPrecondition) {
		t.Fatalf("expected ErrFailedPrecondition, got %v", err)
	}
	if err := e.Submit(domain.EngineInput{Frame: solidFrame(100)}); !errors.Is(err, domain.ErrFailedPrecondition) {
		t.Errorf("submit before start: expected ErrFailedPrecondition, got %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestGRPCEngineRemoteFailureSurfacesOnSubmit(t *testing.T) {
	e := startRemote(t, &fakeRemote{crashAfter: 1})
	c := &capture{}
	ctx := context.Background()

	if err := e.Initialize(ctx, domain.NewContinuousRestSettings("secret")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := e.Start(ctx, c.outputs()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Submit(domain.EngineInput{Frame: solidFrame(100), TimestampMicros: 33_000}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		err = e.Submit(domain.EngineInput{Frame: solidFrame(100), TimestampMicros: 66_000})
		if errors.Is(err, domain.ErrInternalEngine) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, domain.ErrInternalEngine) {
		t.Fatalf("expected ErrInternalEngine after remote failure, got %v", err)
	}

	c.mu.Lock()
	statuses := append([]domain.StatusCode(nil), c.statuses...)
	c.mu.Unlock()
	if len(statuses) == 0 || statuses[len(statuses)-1] != domain.StatusProcessingFailed {
		t.Errorf("expected PROCESSING_FAILED status, got %v", statuses)
	}
	if err := e.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}
