package controlapi

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commatea/ble-bridge/pkg/logger"
)

// dialedGRPCServer starts the control-plane gRPC service on an in-memory
// bufconn listener and returns a client connection plus a cleanup func.
func dialedGRPCServer(t *testing.T) (*grpc.ClientConn, func()) {
	t.Helper()
	mgr := testManager(t)
	if _, err := mgr.GetOrCreate("sess-1", testCfg()); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	server.RegisterService(&sessionsServiceDesc, &sessionsServiceImpl{manager: mgr})
	go server.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	_ = logger.New(logger.Config{Level: "error", Format: "text"})

	return conn, func() {
		conn.Close()
		server.Stop()
	}
}

func TestGRPCListSessions(t *testing.T) {
	conn, cleanup := dialedGRPCServer(t)
	defer cleanup()

	var out structpb.Struct
	err := conn.Invoke(context.Background(), "/controlapi.SessionsService/ListSessions", &emptypb.Empty{}, &out)
	if err != nil {
		t.Fatalf("ListSessions RPC failed: %v", err)
	}

	sessions := out.Fields["sessions"].GetListValue()
	if sessions == nil || len(sessions.Values) != 1 {
		t.Fatalf("expected one session in response, got %+v", out.Fields)
	}
}

func TestGRPCEvictSession(t *testing.T) {
	conn, cleanup := dialedGRPCServer(t)
	defer cleanup()

	req, _ := structpb.NewStruct(map[string]interface{}{"id": "sess-1"})
	var out structpb.Struct
	err := conn.Invoke(context.Background(), "/controlapi.SessionsService/EvictSession", req, &out)
	if err != nil {
		t.Fatalf("EvictSession RPC failed: %v", err)
	}
	if out.Fields["status"].GetStringValue() != "evicted" {
		t.Fatalf("expected status=evicted, got %+v", out.Fields)
	}
}
