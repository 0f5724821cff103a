package network

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/grid/membership"
)

const writeQueueSize = 1024

// Connection wraps a single socket to a peer. It is created unbound, either
// by accepting an inbound socket or by dialing out, and becomes bound once
// the logical address of the peer is known. Writes are queued and flushed
// by a dedicated goroutine, reads are dispatched to the manager.
type Connection struct {
	conn    net.Conn
	manager *Manager
	logger  log.Logger

	mut      sync.RWMutex
	endpoint membership.Address

	writeq    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(conn net.Conn, manager *Manager) *Connection {
	return &Connection{
		conn:    conn,
		manager: manager,
		logger:  log.With(manager.logger, "remote", conn.RemoteAddr()),
		writeq:  make(chan []byte, writeQueueSize),
		closed:  make(chan struct{}),
	}
}

func (c *Connection) start() {
	c.wg.Add(2)

	go c.readLoop()
	go c.writeLoop()
}

// Endpoint returns the logical address of the peer, or zero address if the
// bind handshake has not happened yet.
func (c *Connection) Endpoint() membership.Address {
	c.mut.RLock()
	defer c.mut.RUnlock()

	return c.endpoint
}

func (c *Connection) setEndpoint(addr membership.Address) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.endpoint = addr
}

// Live returns true until the connection is closed.
func (c *Connection) Live() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Send queues a packet for writing. It never blocks: if the connection is
// closed or its write queue is full, the packet is dropped and false is
// returned.
func (c *Connection) Send(p *Packet) bool {
	return c.enqueue(EncodeFrame(p), p.Op)
}

func (c *Connection) enqueue(frame []byte, op Op) bool {
	if !c.Live() {
		return false
	}

	select {
	case c.writeq <- frame:
		c.manager.metrics.PacketsSent.WithLabelValues(op.String()).Inc()
		return true
	default:
		c.manager.metrics.PacketsDropped.Inc()
		level.Warn(c.logger).Log("msg", "write queue is full, packet dropped", "op", op)

		return false
	}
}

// Close closes the underlying socket. It is safe to call multiple times.
func (c *Connection) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})

	return err
}

func (c *Connection) String() string {
	if ep := c.Endpoint(); !ep.IsZero() {
		return "Connection [" + ep.String() + "]"
	}

	return "Connection [" + c.conn.RemoteAddr().String() + "] unbound"
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer c.manager.Remove(c)

	reader := NewFrameReader(bufio.NewReader(c.conn), c.manager.maxFrameSize)

	for {
		p, err := reader.ReadPacket()
		if err != nil {
			if c.Live() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				level.Warn(c.logger).Log("msg", "failed to read packet", "err", err)
			}

			return
		}

		p.Conn = c
		c.manager.metrics.PacketsReceived.WithLabelValues(p.Op.String()).Inc()

		c.manager.dispatch(c, p)
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	w := bufio.NewWriter(c.conn)

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.writeq:
			if _, err := w.Write(frame); err != nil {
				c.writeFailed(err)
				return
			}

			// Coalesce whatever else is already queued into the same flush.
			for drained := false; !drained; {
				select {
				case frame := <-c.writeq:
					if _, err := w.Write(frame); err != nil {
						c.writeFailed(err)
						return
					}
				default:
					drained = true
				}
			}

			if err := w.Flush(); err != nil {
				c.writeFailed(err)
				return
			}
		}
	}
}

func (c *Connection) writeFailed(err error) {
	if c.Live() {
		level.Warn(c.logger).Log("msg", "failed to write packet", "err", err)
	}

	// Closing the socket unblocks the reader, which removes the connection.
	c.Close()
}
