// Package transport implements the distributed Transport collaborator
// (spec.md §6): isend_detached/irecv_detached over gRPC between peer
// daemons, using a raw-bytes codec (codec.go) so handle payloads — which
// have no fixed schema — never need hand-maintained protobuf descriptors.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/fluxrt/pkg/log"
	"github.com/cuemby/fluxrt/pkg/metrics"
)

func newTCPListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// wireMessage is the JSON payload carried inside every Frame.
type wireMessage struct {
	Tag      string `json:"tag"`
	FromRank int    `json:"from_rank"`
	Data     []byte `json:"data"`
}

// RecvFunc is invoked once for a matching irecv_detached registration, with
// the received bytes. Transport always passes a nil error; a registration
// whose transfer never arrives is never invoked.
type RecvFunc func(data []byte, err error)

// Transport is this process's peer-to-peer data-movement endpoint: a grpc
// server accepting incoming transfers, and client connections to every
// other peer for outgoing ones.
type Transport struct {
	rank int

	server   *grpc.Server
	listener string

	mu    sync.Mutex
	conns map[int]*grpc.ClientConn
	addrs map[int]string

	waitersMu sync.Mutex
	waiters   map[string][]RecvFunc
	inbox     map[string][][]byte
}

// New creates a Transport for this process's rank, with addrs giving every
// peer's dial target indexed by rank (addrs[rank] is this process's own
// listen address).
func New(rank int, addrs []string) *Transport {
	t := &Transport{
		rank:    rank,
		conns:   make(map[int]*grpc.ClientConn),
		addrs:   make(map[int]string),
		waiters: make(map[string][]RecvFunc),
		inbox:   make(map[string][][]byte),
	}
	for r, a := range addrs {
		t.addrs[r] = a
	}
	return t
}

// ServeTCP starts the grpc server listening on a TCP address and blocks
// until Stop is called. It registers this Transport against the hand-written
// ServiceDesc exactly as a generated RegisterTransportServer would.
func (t *Transport) ServeTCP(listenAddr string) error {
	lis, err := newTCPListener(listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}
	t.server = grpc.NewServer()
	t.server.RegisterService(&ServiceDesc, streamServerAdapter{t})

	log.WithComponent("transport").Info().Str("addr", listenAddr).Msg("serving")
	return t.server.Serve(lis)
}

// Stop gracefully stops the server and closes outbound connections.
func (t *Transport) Stop() {
	if t.server != nil {
		t.server.GracefulStop()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
}

// streamServerAdapter satisfies streamServer without exposing handleTransfer
// on Transport's own exported surface.
type streamServerAdapter struct{ t *Transport }

func (a streamServerAdapter) handleTransfer(stream grpc.ServerStream) error {
	for {
		var f Frame
		if err := stream.RecvMsg(&f); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var msg wireMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return fmt.Errorf("transport: decode wire message: %w", err)
		}
		a.t.deliver(msg)
	}
}

func (t *Transport) deliver(msg wireMessage) {
	metrics.TransferReceivedTotal.WithLabelValues(rankLabel(msg.FromRank)).Inc()

	t.waitersMu.Lock()
	defer t.waitersMu.Unlock()
	if fns, ok := t.waiters[msg.Tag]; ok && len(fns) > 0 {
		fn := fns[0]
		t.waiters[msg.Tag] = fns[1:]
		go fn(msg.Data, nil)
		return
	}
	// No registered waiter yet: buffer until irecv_detached is called for
	// this tag, matching the out-of-order arrival the distributed admission
	// layer tolerates (§4.5).
	t.inbox[msg.Tag] = append(t.inbox[msg.Tag], msg.Data)
}

// IrecvDetached registers interest in the next transfer tagged tag,
// invoking done asynchronously once it arrives (or immediately if a
// matching transfer already arrived and is buffered).
func (t *Transport) IrecvDetached(tag string, done RecvFunc) {
	t.waitersMu.Lock()
	if queued := t.inbox[tag]; len(queued) > 0 {
		data := queued[0]
		t.inbox[tag] = queued[1:]
		t.waitersMu.Unlock()
		go done(data, nil)
		return
	}
	t.waiters[tag] = append(t.waiters[tag], done)
	t.waitersMu.Unlock()
}

// IsendDetached opens a client stream to peerRank, sends data tagged tag,
// and invokes done once the send completes (or fails).
func (t *Transport) IsendDetached(ctx context.Context, peerRank int, tag string, data []byte, done func(error)) {
	conn, err := t.dial(peerRank)
	if err != nil {
		go done(fmt.Errorf("transport: dial rank %d: %w", peerRank, err))
		return
	}

	go func() {
		stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod())
		if err != nil {
			done(fmt.Errorf("transport: open stream to rank %d: %w", peerRank, err))
			return
		}

		payload, err := json.Marshal(wireMessage{Tag: tag, FromRank: t.rank, Data: data})
		if err != nil {
			done(err)
			return
		}
		if err := stream.SendMsg(&Frame{Payload: payload}); err != nil {
			done(fmt.Errorf("transport: send to rank %d: %w", peerRank, err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			done(fmt.Errorf("transport: close send to rank %d: %w", peerRank, err))
			return
		}
		metrics.TransferSentTotal.WithLabelValues(rankLabel(peerRank)).Inc()
		done(nil)
	}()
}

func (t *Transport) dial(peerRank int) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[peerRank]; ok {
		return c, nil
	}
	addr, ok := t.addrs[peerRank]
	if !ok {
		return nil, fmt.Errorf("no address configured for rank %d", peerRank)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	t.conns[peerRank] = conn
	return conn, nil
}

func rankLabel(rank int) string {
	return fmt.Sprintf("%d", rank)
}
