package transport

import (
	"fmt"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified grpc service name used on the wire
// (".../<service>/<method>"), playing the role a .proto package+service
// declaration would normally play.
const serviceName = "fluxrt.transport.Transport"

// transferMethod is the single bidirectional-streaming RPC this package
// exposes: a peer streams Transfer frames to another peer, each carrying
// one handle replica for one (tag) pair.
const transferMethod = "Transfer"

// streamServer is implemented by whatever type is registered against
// ServiceDesc; it is the hand-written equivalent of a generated
// "TransportServer" interface.
type streamServer interface {
	handleTransfer(stream grpc.ServerStream) error
}

// ServiceDesc is the service descriptor passed to grpc.Server.RegisterService,
// written by hand in place of protoc-gen-go-grpc output. Streams carries the
// one RPC this package needs; Methods is empty because every RPC here is
// streaming.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamServer)(nil),
	Methods:     nil,
	Streams: []grpc.StreamDesc{
		{
			StreamName:    transferMethod,
			Handler:       transferHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fluxrt/transport",
}

func transferHandler(srv interface{}, stream grpc.ServerStream) error {
	s, ok := srv.(streamServer)
	if !ok {
		return fmt.Errorf("transport: registered service does not implement streamServer")
	}
	return s.handleTransfer(stream)
}

func fullMethod() string {
	return "/" + serviceName + "/" + transferMethod
}
