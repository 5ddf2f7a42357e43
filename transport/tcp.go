package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
)

// streamConnectTimeout bounds the initial dial.
const streamConnectTimeout = 10 * time.Second

// streamWriteTimeout bounds a single frame write.
const streamWriteTimeout = 5 * time.Second

// StreamConn is a TCP or Unix-socket transport towards one server.
// Frames are reassembled from the byte stream using the total length
// in each KNXnet/IP header.
//
// Thread Safety: all methods are safe for concurrent use.
type StreamConn struct {
	conn net.Conn

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(knxnet.Service)
	onClose   func(error)

	loggerMu sync.RWMutex
	logger   knx.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialTCP connects to a server over TCP.
func DialTCP(ctx context.Context, server string) (*StreamConn, error) {
	return dialStream(ctx, "tcp4", server)
}

// DialUnix connects to a server over a Unix stream socket. It
// behaves exactly like the TCP transport.
func DialUnix(ctx context.Context, path string) (*StreamConn, error) {
	return dialStream(ctx, "unix", path)
}

func dialStream(ctx context.Context, network, address string) (*StreamConn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, streamConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %q: %w", knx.ErrConnectionFailed, network, address, err)
	}

	c := &StreamConn{
		conn: conn,
		done: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// Send implements ClientConn.
func (c *StreamConn) Send(srv knxnet.Service) error {
	if c.isClosed() {
		return knx.ErrPortClosed
	}

	frame, err := knxnet.Pack(srv)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %w", knx.ErrIO, err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", knx.ErrIO, err)
	}
	return nil
}

// SetHandler implements ClientConn.
func (c *StreamConn) SetHandler(handler func(knxnet.Service)) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// SetOnClose implements ClientConn.
func (c *StreamConn) SetOnClose(onClose func(error)) {
	c.handlerMu.Lock()
	c.onClose = onClose
	c.handlerMu.Unlock()
}

// SetLogger implements ClientConn.
func (c *StreamConn) SetLogger(logger knx.Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// ControlHPAI implements ClientConn: streams always advertise the
// zero TCP HPAI.
func (c *StreamConn) ControlHPAI() knxnet.HPAI { return knxnet.TCPHPAI() }

// Close implements ClientConn.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// receiveLoop reassembles frames from the stream: read the 6-byte
// header, decode the total length, then read the remainder. A peer
// disconnect kills the transport.
func (c *StreamConn) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if _, err := io.ReadFull(c.conn, buf[:knxnet.HeaderSize]); err != nil {
			c.readFailed(err)
			return
		}

		h, err := knxnet.DecodeHeader(buf[:knxnet.HeaderSize])
		if err != nil {
			// The stream is out of sync; there is no way to resync.
			c.fail(fmt.Errorf("%w: %w", knx.ErrIO, err))
			return
		}

		total := int(h.TotalLength)
		if total > len(buf) {
			c.fail(fmt.Errorf("%w: frame of %d bytes exceeds the %d byte limit", knx.ErrIO, total, len(buf)))
			return
		}

		if _, err := io.ReadFull(c.conn, buf[knxnet.HeaderSize:total]); err != nil {
			c.readFailed(err)
			return
		}

		srv, err := knxnet.Unpack(buf[:total])
		if err != nil {
			c.logDebug("dropping malformed frame", "error", err)
			continue
		}

		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(srv)
		}
	}
}

// readFailed classifies a read error: silent on local close, fatal
// otherwise. EOF means the peer disconnected.
func (c *StreamConn) readFailed(err error) {
	if c.isClosed() {
		return
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		c.fail(fmt.Errorf("%w: peer closed the connection", knx.ErrConnectionClosed))
		return
	}
	c.fail(fmt.Errorf("%w: %w", knx.ErrIO, err))
}

func (c *StreamConn) fail(err error) {
	c.handlerMu.RLock()
	onClose := c.onClose
	c.handlerMu.RUnlock()

	c.logWarn("transport failed", "error", err)
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	if onClose != nil {
		onClose(err)
	}
}

func (c *StreamConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *StreamConn) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *StreamConn) logWarn(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
