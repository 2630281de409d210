package bearer

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// PacketConfig configures a PacketBearer.
type PacketConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new UDP socket is opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., "127.0.0.1:7100").
	// Ignored if Conn is provided.
	ListenAddr string

	// Peers receive every frame sent. A datagram socket has no broadcast
	// range, so the simulated neighborhood is listed explicitly.
	Peers []net.Addr

	// Handler is called for each received frame.
	// Required.
	Handler Handler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// PacketBearer tunnels mesh frames over a net.PacketConn, one frame per
// datagram.
type PacketBearer struct {
	conn    net.PacketConn
	handler Handler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	peers   []net.Addr
	started bool
	closed  bool
}

// NewPacketBearer creates a packet bearer. Call Start to begin receiving.
func NewPacketBearer(config PacketConfig) (*PacketBearer, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	b := &PacketBearer{
		conn:    config.Conn,
		handler: config.Handler,
		closeCh: make(chan struct{}),
		peers:   append([]net.Addr(nil), config.Peers...),
	}

	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("mesh-bearer")
	}

	if b.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		b.conn = conn
	}

	return b, nil
}

// Start begins the read loop.
func (b *PacketBearer) Start() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()

	if b.log != nil {
		b.log.Infof("starting packet bearer on %s", b.conn.LocalAddr())
	}

	b.wg.Add(1)
	go b.readLoop()
	return nil
}

// AddPeer adds a destination for sent frames.
func (b *PacketBearer) AddPeer(addr net.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers = append(b.peers, addr)
}

// LocalAddr returns the local socket address.
func (b *PacketBearer) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

// Send writes data to every peer. The first write error is returned after
// all peers were attempted.
func (b *PacketBearer) Send(data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	peers := b.peers
	b.mu.RUnlock()

	if err := checkFrame(data); err != nil {
		return err
	}

	var first error
	for _, addr := range peers {
		if _, err := b.conn.WriteTo(data, addr); err != nil {
			if b.log != nil {
				b.log.Warnf("send to %v failed: %v", addr, err)
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Close closes the socket and waits for the read loop to exit.
func (b *PacketBearer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	b.mu.Unlock()

	if b.log != nil {
		b.log.Info("stopping packet bearer")
	}

	close(b.closeCh)

	// Unblock a pending read.
	_ = b.conn.SetReadDeadline(time.Now())
	err := b.conn.Close()
	b.wg.Wait()
	return err
}

func (b *PacketBearer) readLoop() {
	defer b.wg.Done()

	buf := make([]byte, 2*MaxFrameSize)

	for {
		select {
		case <-b.closeCh:
			return
		default:
		}

		n, addr, err := b.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.closeCh:
				return
			default:
				if b.log != nil {
					b.log.Warnf("read error: %v", err)
				}
				continue
			}
		}

		if err := checkFrame(buf[:n]); err != nil {
			if b.log != nil {
				b.log.Debugf("ignoring datagram from %v: %v", addr, err)
			}
			continue
		}

		if b.log != nil {
			b.log.Tracef("received %d bytes from %v", n, addr)
		}
		b.handler(Frame{Data: clone(buf[:n])})
	}
}
