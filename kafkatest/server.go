package kafkatest

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/optiopay/kafka-client/proto"
)

const (
	AnyRequest      = -1
	ProduceRequest  = proto.ProduceReqKind
	FetchRequest    = proto.FetchReqKind
	MetadataRequest = proto.MetadataReqKind
)

type Serializable interface {
	Bytes() ([]byte, error)
}

// RequestHandler returns response to given request. Returning nil makes the
// server send no response at all.
type RequestHandler func(request Serializable) (response Serializable)

// Server is a single fake broker of a Cluster. It speaks the Kafka wire
// protocol, so any client can connect to it. Requests of every connection
// are served concurrently, which means responses are not necessarily written
// in request order.
type Server struct {
	cluster *Cluster
	nodeID  int32

	mu        sync.RWMutex
	ln        net.Listener
	conns     map[net.Conn]struct{}
	handlers  map[int16]RequestHandler
	processed map[int16]int
}

func newServer(cluster *Cluster, nodeID int32) *Server {
	srv := &Server{
		cluster:   cluster,
		nodeID:    nodeID,
		conns:     make(map[net.Conn]struct{}),
		handlers:  make(map[int16]RequestHandler),
		processed: make(map[int16]int),
	}
	srv.handlers[AnyRequest] = srv.defaultRequestHandler
	return srv
}

// NodeID returns broker id, as reported in metadata responses.
func (srv *Server) NodeID() int32 {
	return srv.nodeID
}

// Handle registers handler for given message kind. Handler registered with
// AnyRequest kind will be used only if there is no precise handler for the
// kind.
func (srv *Server) Handle(reqKind int16, handler RequestHandler) {
	srv.mu.Lock()
	srv.handlers[reqKind] = handler
	srv.mu.Unlock()
}

// DefaultHandler returns the handler serving requests from the cluster logs.
// Custom handlers can use it to pass requests through.
func (srv *Server) DefaultHandler() RequestHandler {
	return srv.defaultRequestHandler
}

// Processed returns number of requests of given kind the server received.
// Use AnyRequest to get number of all requests.
func (srv *Server) Processed(reqKind int16) int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	if reqKind == AnyRequest {
		total := 0
		for _, n := range srv.processed {
			total += n
		}
		return total
	}
	return srv.processed[reqKind]
}

func (srv *Server) Addr() string {
	return srv.ln.Addr().String()
}

func (srv *Server) broker() *proto.Broker {
	addr := srv.ln.Addr().(*net.TCPAddr)
	return &proto.Broker{
		NodeID: srv.nodeID,
		Host:   addr.IP.String(),
		Port:   uint16(addr.Port),
	}
}

func (srv *Server) start() error {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "cannot start server")
	}
	srv.ln = ln

	go func() {
		for {
			client, err := ln.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.conns[client] = struct{}{}
			srv.mu.Unlock()
			go srv.handleClient(client)
		}
	}()
	return nil
}

// Close stops accepting connections and closes all client connections.
func (srv *Server) Close() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_ = srv.ln.Close()
	for conn := range srv.conns {
		_ = conn.Close()
	}
}

// DropConnections closes all current client connections. The server still
// accepts new ones.
func (srv *Server) DropConnections() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for conn := range srv.conns {
		_ = conn.Close()
	}
}

func (srv *Server) handleClient(c net.Conn) {
	defer func() {
		srv.mu.Lock()
		delete(srv.conns, c)
		srv.mu.Unlock()
		_ = c.Close()
	}()

	var wmu sync.Mutex
	for {
		kind, b, err := proto.ReadReq(c)
		if err != nil {
			return
		}
		srv.mu.Lock()
		srv.processed[kind]++
		fn, ok := srv.handlers[kind]
		if !ok {
			fn, ok = srv.handlers[AnyRequest]
		}
		srv.mu.Unlock()

		if !ok {
			panic(fmt.Sprintf("no handler for %d", kind))
		}

		var request Serializable
		switch kind {
		case FetchRequest:
			request, err = proto.ReadFetchReq(b)
		case ProduceRequest:
			request, err = proto.ReadProduceReq(b)
		case MetadataRequest:
			request, err = proto.ReadMetadataReq(b)
		default:
			err = errors.Errorf("unsupported request kind %d", kind)
		}
		if err != nil {
			panic(fmt.Sprintf("could not read message %d: %s", kind, err))
		}

		go func() {
			response := fn(request)
			if response == nil {
				return
			}
			b, err := response.Bytes()
			if err != nil {
				panic(fmt.Sprintf("cannot serialize %T: %s", response, err))
			}
			wmu.Lock()
			_, _ = c.Write(b)
			wmu.Unlock()
		}()
	}
}

func (srv *Server) defaultRequestHandler(request Serializable) Serializable {
	switch req := request.(type) {
	case *proto.FetchReq:
		return srv.fetch(req)
	case *proto.ProduceReq:
		resp := srv.cluster.produce(srv.nodeID, req)
		if req.RequiredAcks == proto.RequiredAcksNone {
			return nil
		}
		return resp
	case *proto.MetadataReq:
		return srv.cluster.metadata(req.CorrelationID, req.Topics)
	default:
		panic(fmt.Sprintf("unknown message type: %T", req))
	}
}

// fetch waits up to request max wait time for at least min bytes of
// messages.
func (srv *Server) fetch(req *proto.FetchReq) *proto.FetchResp {
	deadline := time.NewTimer(req.MaxWaitTime)
	defer deadline.Stop()
	for {
		changed := srv.cluster.changed()
		resp, size := srv.cluster.fetch(srv.nodeID, req)
		if size >= int(req.MinBytes) {
			return resp
		}
		select {
		case <-changed:
		case <-deadline.C:
			resp, _ := srv.cluster.fetch(srv.nodeID, req)
			return resp
		}
	}
}
