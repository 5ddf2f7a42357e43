package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
)

// maxDatagramSize bounds a single KNXnet/IP datagram.
const maxDatagramSize = 1024

// readDeadlineSlice is how long a blocking read waits before
// re-checking for shutdown.
const readDeadlineSlice = 30 * time.Second

// ClientConn is the transport contract the session layer builds on:
// send a service to the peer, receive parsed services through a
// handler, learn about transport death through the close callback.
type ClientConn interface {
	// Send serializes and transmits one service to the peer.
	Send(srv knxnet.Service) error

	// SetHandler registers the receiver for parsed inbound services.
	// Must be called before traffic is expected.
	SetHandler(handler func(knxnet.Service))

	// SetOnClose registers a callback invoked once when the
	// transport dies for any reason other than Close.
	SetOnClose(onClose func(err error))

	// SetLogger attaches an optional logger.
	SetLogger(logger knx.Logger)

	// ControlHPAI returns the local endpoint descriptor to advertise
	// in connect and connection-state requests.
	ControlHPAI() knxnet.HPAI

	// Close shuts the transport down. Idempotent.
	Close() error
}

// UDPConn is a datagram transport towards one server.
//
// Thread Safety: all methods are safe for concurrent use.
type UDPConn struct {
	conn   *net.UDPConn
	server *net.UDPAddr

	// nat makes the local HPAI the route-back NAT HPAI and disables
	// source filtering on inbound datagrams.
	nat bool

	handlerMu sync.RWMutex
	handler   func(knxnet.Service)
	onClose   func(error)

	loggerMu sync.RWMutex
	logger   knx.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialUDP binds a local UDP endpoint (random port unless local is
// non-empty) and points it at the server control endpoint.
//
// The receive loop starts immediately; register a handler before the
// first request is sent.
func DialUDP(server string, local string, nat bool) (*UDPConn, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", knx.ErrConnectionFailed, server, err)
	}

	var localAddr *net.UDPAddr
	if local != "" {
		if localAddr, err = net.ResolveUDPAddr("udp4", local); err != nil {
			return nil, fmt.Errorf("%w: resolve local %q: %w", knx.ErrConnectionFailed, local, err)
		}
	}

	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind: %w", knx.ErrConnectionFailed, err)
	}

	c := &UDPConn{
		conn:   conn,
		server: serverAddr,
		nat:    nat,
		done:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// Send implements ClientConn.
func (c *UDPConn) Send(srv knxnet.Service) error {
	if c.isClosed() {
		return knx.ErrPortClosed
	}

	frame, err := knxnet.Pack(srv)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDP(frame, c.server); err != nil {
		return fmt.Errorf("%w: %w", knx.ErrIO, err)
	}
	return nil
}

// SetHandler implements ClientConn.
func (c *UDPConn) SetHandler(handler func(knxnet.Service)) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// SetOnClose implements ClientConn.
func (c *UDPConn) SetOnClose(onClose func(error)) {
	c.handlerMu.Lock()
	c.onClose = onClose
	c.handlerMu.Unlock()
}

// SetLogger implements ClientConn.
func (c *UDPConn) SetLogger(logger knx.Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// ControlHPAI implements ClientConn. In NAT mode it is the zero NAT
// HPAI; otherwise the bound local address.
func (c *UDPConn) ControlHPAI() knxnet.HPAI {
	if c.nat {
		return knxnet.NATHPAI()
	}
	local, _ := c.conn.LocalAddr().(*net.UDPAddr)
	return knxnet.HPAIFromUDPAddr(local)
}

// LocalAddr returns the bound local socket address.
func (c *UDPConn) LocalAddr() *net.UDPAddr {
	local, _ := c.conn.LocalAddr().(*net.UDPAddr)
	return local
}

// Close implements ClientConn.
func (c *UDPConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// receiveLoop reads datagrams, parses them and dispatches to the
// handler. It exits when the socket closes.
func (c *UDPConn) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(readDeadlineSlice)); err != nil {
			c.fail(fmt.Errorf("%w: set deadline: %w", knx.ErrIO, err))
			return
		}

		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.isClosed() {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			c.fail(fmt.Errorf("%w: %w", knx.ErrIO, err))
			return
		}

		// Outside NAT mode only the configured server may talk to us.
		if !c.nat && !udpAddrEqual(from, c.server) {
			c.logDebug("dropping datagram from unexpected source", "from", from.String())
			continue
		}

		srv, err := knxnet.Unpack(buf[:n])
		if err != nil {
			c.logDebug("dropping malformed datagram", "error", err)
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

// fail reports a fatal transport error exactly once and closes the
// socket.
func (c *UDPConn) fail(err error) {
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

func (c *UDPConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *UDPConn) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *UDPConn) logWarn(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
