package controlapi

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commatea/ble-bridge/pkg/logger"
	"github.com/commatea/ble-bridge/pkg/session"
)

// GRPCServer mirrors the REST control API's session list/evict surface over
// gRPC, grounded on the teacher's pkg/api/grpc server shape (manual
// grpc.Server construction, reflection, graceful stop on shutdown). The teacher's own gRPC service was generated from a
// .proto file that isn't present anywhere in the pack, so rather than
// fabricate generated stubs this service is registered by hand against a
// grpc.ServiceDesc and exchanges structpb.Struct values instead of
// bespoke generated messages — every type on the wire here
// (structpb.Struct, emptypb.Empty) ships pre-generated with the protobuf
// module the teacher already depends on.
type GRPCServer struct {
	manager   *session.Manager
	log       *logger.Logger
	addr      string
	apiKeys   []string
	jwtSecret string
	server    *grpc.Server
	listener  net.Listener
}

// NewGRPCServer constructs a gRPC control-plane mirror bound to manager. When
// apiKeys or jwtSecret is non-empty, every RPC is gated by grpcAuthInterceptor;
// otherwise the service is unauthenticated, matching the REST server's rule.
func NewGRPCServer(manager *session.Manager, log *logger.Logger, addr string, apiKeys []string, jwtSecret string) *GRPCServer {
	return &GRPCServer{manager: manager, log: log, addr: addr, apiKeys: apiKeys, jwtSecret: jwtSecret}
}

// Start brings the gRPC listener up in a background goroutine.
func (s *GRPCServer) Start() error {
	addr := s.addr
	if addr == "" {
		addr = ":9091"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlapi: grpc listen: %w", err)
	}
	s.listener = lis

	if len(s.apiKeys) > 0 || s.jwtSecret != "" {
		auth := newGRPCAuthInterceptor(s.apiKeys, s.jwtSecret)
		s.server = grpc.NewServer(grpc.UnaryInterceptor(auth.Unary()))
	} else {
		s.server = grpc.NewServer()
	}
	impl := &sessionsServiceImpl{manager: s.manager}
	s.server.RegisterService(&sessionsServiceDesc, impl)
	reflection.Register(s.server)

	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.log.Error("control api grpc server error", "error", err)
		}
	}()
	s.log.Info("control api grpc listening", "addr", addr)
	return nil
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// grpcAuthInterceptor gates unary RPCs behind an API key or JWT, adapted from
// the teacher's middleware.GRPCAuthInterceptor: this control plane has no
// per-user config, just a flat key set, so it checks membership directly
// instead of looking up a core.UserConfig.
type grpcAuthInterceptor struct {
	keys      map[string]struct{}
	jwtSecret []byte
}

func newGRPCAuthInterceptor(apiKeys []string, jwtSecret string) *grpcAuthInterceptor {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = struct{}{}
	}
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &grpcAuthInterceptor{keys: keys, jwtSecret: secret}
}

func (i *grpcAuthInterceptor) authenticate(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "metadata is not provided")
	}

	keys := md.Get("x-api-key")
	if len(keys) == 0 {
		if auths := md.Get("authorization"); len(auths) > 0 {
			tokenString := strings.TrimPrefix(auths[0], "Bearer ")
			if i.jwtSecret != nil {
				token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
					if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
					}
					return i.jwtSecret, nil
				})
				if err == nil && token.Valid {
					return nil
				}
			}
			keys = []string{tokenString}
		}
	}

	if len(keys) == 0 {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	if _, ok := i.keys[keys[0]]; !ok {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// Unary returns a grpc.UnaryServerInterceptor enforcing authenticate.
func (i *grpcAuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := i.authenticate(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// sessionsServiceImpl implements the two control-plane RPCs by hand.
type sessionsServiceImpl struct {
	manager *session.Manager
}

func (s *sessionsServiceImpl) listSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	ids := s.manager.List()
	entries := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.manager.Get(id)
		if !ok {
			continue
		}
		entries = append(entries, map[string]interface{}{
			"id":           sess.ID(),
			"state":        sess.State().String(),
			"deviceName":   sess.DeviceName(),
			"serviceUuid":  sess.Config().ServiceUUID,
			"lastActivity": sess.LastActivity().UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	result, err := structpb.NewStruct(map[string]interface{}{"sessions": entries})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal sessions: %v", err)
	}
	return result, nil
}

func (s *sessionsServiceImpl) evictSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	idVal, ok := req.Fields["id"]
	if !ok || idVal.GetStringValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	id := idVal.GetStringValue()

	sess, ok := s.manager.Get(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "session not found: %s", id)
	}
	sess.ForceCleanup("operator eviction")

	return structpb.NewStruct(map[string]interface{}{"status": "evicted", "id": id})
}

// sessionsServiceDesc is written by hand in place of protoc-generated
// registration code (see the GRPCServer doc comment).
var sessionsServiceDesc = grpc.ServiceDesc{
	ServiceName: "controlapi.SessionsService",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListSessions",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(emptypb.Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				impl := srv.(*sessionsServiceImpl)
				if interceptor == nil {
					return impl.listSessions(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/controlapi.SessionsService/ListSessions"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return impl.listSessions(ctx, req.(*emptypb.Empty))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "EvictSession",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				impl := srv.(*sessionsServiceImpl)
				if interceptor == nil {
					return impl.evictSession(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/controlapi.SessionsService/EvictSession"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return impl.evictSession(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "controlapi.proto",
}
