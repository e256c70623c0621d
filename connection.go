package kafka

import (
	"bufio"
	"context"
	"math"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/optiopay/kafka-client/proto"
)

// newDialer returns dialer used for all broker connections. When proxyURL is
// set, connections are made through that proxy.
func newDialer(timeout time.Duration, proxyURL string) (proxy.ContextDialer, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if proxyURL == "" {
		return dialer, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid proxy url")
	}
	d, err := proxy.FromURL(u, dialer)
	if err != nil {
		return nil, errors.Wrapf(err, "proxy %s", u.Redacted())
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd, nil
	}
	return contextDialer{d}, nil
}

// contextDialer adapts dialers that do not support context.
type contextDialer struct {
	proxy.Dialer
}

func (d contextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		conn, err := d.Dial(network, address)
		resc <- result{conn, err}
	}()
	select {
	case res := <-resc:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resc; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// connection to a single broker. It is dialed lazily, on the first request.
// Many requests can be in flight at the same time; responses are matched to
// waiting callers by correlation id.
type connection struct {
	addr    HostPort
	dialer  proxy.ContextDialer
	conf    *ClientConf
	logger  Logger
	metrics *metrics

	dialMu sync.Mutex

	// wmu serializes writes so that frames are never interleaved
	wmu sync.Mutex
	bw  *bufio.Writer

	mu      sync.Mutex
	rw      net.Conn
	respc   map[int32]chan []byte
	stopErr error

	lastIDMu sync.Mutex
	lastID   int32
}

func newConnection(addr HostPort, dialer proxy.ContextDialer, conf *ClientConf, logger Logger, m *metrics) *connection {
	return &connection{
		addr:    addr,
		dialer:  dialer,
		conf:    conf,
		logger:  logger,
		metrics: m,
		respc:   make(map[int32]chan []byte),
	}
}

// IsConnected returns true if the connection was dialed and is still usable.
func (c *connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rw != nil && c.stopErr == nil
}

// dead returns true once the connection failed or was closed. Dead
// connection is never reused.
func (c *connection) dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopErr != nil
}

// connect dials the broker unless already connected.
func (c *connection) connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.stopErr != nil {
		err := c.stopErr
		c.mu.Unlock()
		return err
	}
	if c.rw != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.conf.DialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dctx, "tcp", c.addr.String())
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.addr)
	}

	c.mu.Lock()
	if c.stopErr != nil {
		err := c.stopErr
		c.mu.Unlock()
		_ = conn.Close()
		return err
	}
	c.rw = conn
	c.bw = bufio.NewWriterSize(conn, c.conf.WriteBufferSize)
	c.mu.Unlock()

	c.metrics.connections.Inc()
	c.logger.Debug("connected", "addr", c.addr.String())
	go c.readRespLoop(conn)
	return nil
}

// nextID generates correlation IDs, making sure they are always in order
// and within the scope of request-response mapping array.
func (c *connection) nextID() int32 {
	c.lastIDMu.Lock()
	defer c.lastIDMu.Unlock()

	c.lastID++
	if c.lastID == math.MaxInt32 {
		c.lastID = 1
	}
	return c.lastID
}

// pending returns number of requests waiting for a response.
func (c *connection) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.respc)
}

// readRespLoop constantly reads response frames from the socket and passes
// them to the caller waiting for given correlation id.
func (c *connection) readRespLoop(conn net.Conn) {
	defer c.metrics.connections.Dec()
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for id, rc := range c.respc {
			delete(c.respc, id)
			close(rc)
		}
	}()

	rd := bufio.NewReaderSize(conn, c.conf.ReadBufferSize)
	for {
		// idle connection must not time out, only one that waits for
		// responses
		deadline := time.Time{}
		if c.conf.ReadTimeout > 0 && c.pending() > 0 {
			deadline = time.Now().Add(c.conf.ReadTimeout)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			c.logger.Error("SetReadDeadline failed", "addr", c.addr.String(), "error", err)
		}

		correlationID, b, err := proto.ReadResp(rd)
		if err != nil {
			c.shutdown(errors.Wrapf(err, "read from %s", c.addr))
			return
		}

		c.mu.Lock()
		rc, ok := c.respc[correlationID]
		delete(c.respc, correlationID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response to unknown request",
				"addr", c.addr.String(),
				"correlationID", correlationID)
			continue
		}
		rc <- b
		close(rc)
	}
}

// shutdown marks connection as unusable and closes the socket. First error
// wins.
func (c *connection) shutdown(err error) {
	c.mu.Lock()
	if c.stopErr == nil {
		c.stopErr = err
		if !errors.Is(err, ErrClosed) {
			c.logger.Warn("connection failed", "addr", c.addr.String(), "error", err)
		}
	}
	rw := c.rw
	c.mu.Unlock()
	if rw != nil {
		_ = rw.Close()
	}
}

// respWaiter registers listener to response message with given correlationID
// and returns channel that single response message will be pushed to once it
// arrives. After pushing response message, channel is closed.
//
// Upon connection close, all unconsumed channels are closed.
func (c *connection) respWaiter(correlationID int32) (chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopErr != nil {
		return nil, c.stopErr
	}
	if _, ok := c.respc[correlationID]; ok {
		c.logger.Error("correlation conflict", "addr", c.addr.String(), "correlationID", correlationID)
		return nil, errors.Errorf("correlation conflict: %d", correlationID)
	}
	respc := make(chan []byte, 1)
	c.respc[correlationID] = respc
	return respc, nil
}

// releaseWaiter removes response channel from waiters pool, so that a late
// response is dropped instead of being mistaken for another one. Calling
// this method for unknown correlationID has no effect.
func (c *connection) releaseWaiter(correlationID int32) {
	c.mu.Lock()
	delete(c.respc, correlationID)
	c.mu.Unlock()
}

func (c *connection) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopErr == nil {
		return ErrClosed
	}
	return c.stopErr
}

// Close closes underlying transport connection and cancels all pending
// response waiters.
func (c *connection) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *connection) writeReq(ctx context.Context, req proto.Request) error {
	deadline := time.Now().Add(c.conf.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	rw, bw := c.rw, c.bw
	c.mu.Unlock()
	if rw == nil {
		return ErrClosed
	}

	errc := make(chan error, 1)
	go func() {
		errc <- c.writeFrame(ctx, rw, bw, req, deadline)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		// writer keeps going on its own and shuts the connection down if
		// the frame cannot be written whole
		return ctx.Err()
	}
}

// writeFrame writes the whole request or nothing. Once a write fails the
// stream position is unknown, so the connection is shut down, even if the
// caller no longer waits for the result.
func (c *connection) writeFrame(ctx context.Context, rw net.Conn, bw *bufio.Writer, req proto.Request, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := rw.SetWriteDeadline(deadline)
	if err == nil {
		if _, err = req.WriteTo(bw); err == nil {
			err = bw.Flush()
		}
	}
	if err != nil {
		c.logger.Error("cannot write", "addr", c.addr.String(), "error", err)
		c.shutdown(errors.Wrapf(err, "write to %s", c.addr))
	}
	return err
}

// roundTrip sends request and waits for the response frame. With expectResp
// false it returns as soon as the request is written.
func (c *connection) roundTrip(ctx context.Context, correlationID int32, req proto.Request, expectResp bool) ([]byte, error) {
	kind := req.Kind()
	c.metrics.requestSent(kind)
	start := time.Now()

	b, err := c.doRoundTrip(ctx, correlationID, req, expectResp)
	if err != nil {
		c.metrics.requestFailed(kind)
		return nil, err
	}
	c.metrics.requestDone(kind, time.Since(start))
	return b, nil
}

func (c *connection) doRoundTrip(ctx context.Context, correlationID int32, req proto.Request, expectResp bool) ([]byte, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if !expectResp {
		return nil, c.writeReq(ctx, req)
	}

	respc, err := c.respWaiter(correlationID)
	if err != nil {
		return nil, errors.Wrap(err, "wait for response")
	}
	if err := c.writeReq(ctx, req); err != nil {
		c.releaseWaiter(correlationID)
		return nil, err
	}

	timer := time.NewTimer(c.conf.RequestTimeout)
	defer timer.Stop()
	select {
	case b, ok := <-respc:
		if !ok {
			return nil, c.err()
		}
		return b, nil
	case <-timer.C:
		c.releaseWaiter(correlationID)
		return nil, errors.Wrapf(proto.ErrRequestTimeout, "no response from %s", c.addr)
	case <-ctx.Done():
		c.releaseWaiter(correlationID)
		return nil, ctx.Err()
	}
}

// Metadata sends given metadata request to kafka node and returns related
// metadata response.
// Calling this method on closed connection will always return ErrClosed.
func (c *connection) Metadata(ctx context.Context, req *proto.MetadataReq) (*proto.MetadataResp, error) {
	req.CorrelationID = c.nextID()
	b, err := c.roundTrip(ctx, req.CorrelationID, req, true)
	if err != nil {
		return nil, err
	}
	return proto.ReadMetadataResp(b)
}

// Produce sends given produce request to kafka node and returns related
// response. Sending request with no ACKs flag will result with returning nil
// right after sending request, without waiting for response.
// Calling this method on closed connection will always return ErrClosed.
func (c *connection) Produce(ctx context.Context, req *proto.ProduceReq) (*proto.ProduceResp, error) {
	req.CorrelationID = c.nextID()
	expectResp := req.RequiredAcks != proto.RequiredAcksNone
	b, err := c.roundTrip(ctx, req.CorrelationID, req, expectResp)
	if err != nil || !expectResp {
		return nil, err
	}
	return proto.ReadProduceResp(b)
}

// Fetch sends given fetch request to kafka node and returns related response.
// Calling this method on closed connection will always return ErrClosed.
func (c *connection) Fetch(ctx context.Context, req *proto.FetchReq) (*proto.FetchResp, error) {
	req.CorrelationID = c.nextID()
	b, err := c.roundTrip(ctx, req.CorrelationID, req, true)
	if err != nil {
		return nil, err
	}
	return proto.ReadFetchResp(b)
}
