package registry

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"svcregistry/internal/logging"
)

// grpcCodecName is registered with grpc's global encoding registry so
// frames already serialized by MarshalMessage travel as opaque bytes,
// without a protoc-generated message type.
const grpcCodecName = "svcregistry-raw"

func init() {
	encoding.RegisterCodec(rawFrameCodec{})
}

// rawFrameCodec treats the wire payload as an already-encoded []byte,
// letting GossipTransport reuse its own MarshalMessage/UnmarshalMessage
// framing instead of generating .pb.go stubs for a second codec.
type rawFrameCodec struct{}

func (rawFrameCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("%s codec: unsupported type %T", grpcCodecName, v)
	}
	return *b, nil
}

func (rawFrameCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%s codec: unsupported type %T", grpcCodecName, v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawFrameCodec) Name() string { return grpcCodecName }

const gossipServiceName = "svcregistry.Gossip"
const gossipAddrMetadataKey = "x-gossip-addr"

// gossipGRPCServer is the hand-declared service interface registered
// against gossipServiceDesc; there is no protoc-generated counterpart.
type gossipGRPCServer interface {
	SendFrame(ctx context.Context, frame *[]byte) (*[]byte, error)
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: gossipServiceName,
	HandlerType: (*gossipGRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendFrame",
			Handler:    gossipSendFrameHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "svcregistry/gossip",
}

func gossipSendFrameHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new([]byte)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(gossipGRPCServer).SendFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + gossipServiceName + "/SendFrame"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(gossipGRPCServer).SendFrame(ctx, req.(*[]byte))
	}
	return interceptor(ctx, in, info, handler)
}

// gossipServerImpl satisfies gossipGRPCServer and hands each inbound frame,
// along with the sender's self-reported gossip address, to onFrame.
type gossipServerImpl struct {
	onFrame func(from string, frame []byte)
}

func (s *gossipServerImpl) SendFrame(ctx context.Context, frame *[]byte) (*[]byte, error) {
	if frame == nil {
		return nil, status.Error(codes.InvalidArgument, "nil frame")
	}
	from := addrFromIncomingContext(ctx)
	if s.onFrame != nil {
		s.onFrame(from, *frame)
	}
	empty := []byte{}
	return &empty, nil
}

func addrFromIncomingContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(gossipAddrMetadataKey)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// GRPCWireSender is GossipTransport's production WireSender: a grpc.Server
// exposing gossipServiceDesc, with outbound sends multiplexed over cached
// client connections.
type GRPCWireSender struct {
	listenAddr string
	log        *logging.Logger

	server   *grpc.Server
	listener net.Listener

	connsMu sync.Mutex
	conns   map[string]*grpc.ClientConn
}

// NewGRPCWireSender builds a sender that will listen on listenAddr and
// advertise it to peers as this node's gossip address.
func NewGRPCWireSender(listenAddr string) *GRPCWireSender {
	return &GRPCWireSender{
		listenAddr: listenAddr,
		log:        logging.New("gossip-wire"),
		conns:      make(map[string]*grpc.ClientConn),
	}
}

func (g *GRPCWireSender) Start(ctx context.Context, onFrame func(from string, frame []byte)) error {
	lis, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.listenAddr, err)
	}
	g.listener = lis

	g.server = grpc.NewServer()
	g.server.RegisterService(&gossipServiceDesc, &gossipServerImpl{onFrame: onFrame})

	go func() {
		if err := g.server.Serve(lis); err != nil {
			g.log.Warn("grpc server on %s stopped: %v", g.listenAddr, err)
		}
	}()
	return nil
}

func (g *GRPCWireSender) Stop() error {
	if g.server != nil {
		g.server.GracefulStop()
	}
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	for addr, conn := range g.conns {
		if err := conn.Close(); err != nil {
			g.log.Debug("closing connection to %s: %v", addr, err)
		}
	}
	g.conns = make(map[string]*grpc.ClientConn)
	return nil
}

// Send delivers frame to addr over a cached (or freshly dialed) grpc
// connection, advertising this node's own listen address via metadata so
// the remote can add it to its known-peer set (the ephemeral outbound TCP
// port seen server-side is not a usable callback address).
func (g *GRPCWireSender) Send(ctx context.Context, addr string, frame []byte) error {
	conn, err := g.dial(addr)
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, gossipAddrMetadataKey, g.listenAddr)
	reply := new([]byte)
	return conn.Invoke(ctx, "/"+gossipServiceName+"/SendFrame", &frame, reply, grpc.CallContentSubtype(grpcCodecName))
}

func (g *GRPCWireSender) dial(addr string) (*grpc.ClientConn, error) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	if conn, ok := g.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	g.conns[addr] = conn
	return conn, nil
}
