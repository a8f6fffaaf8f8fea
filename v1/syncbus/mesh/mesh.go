package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/mirkobrombin/go-huddle/v1/syncbus"
)

const channelBuffer = 256

// Options configures the mesh bus.
type Options struct {
	Port          int
	Interface     string
	Group         string
	Peers         []string      // Static seeds for unicast delivery
	AdvertiseAddr string        // Address to advertise to other peers (e.g. "127.0.0.1:7946")
	Heartbeat     time.Duration // Interval for node heartbeats (default 5s)
	PeerTimeout   time.Duration // Unicast peers unheard for this long are forgotten (default 60s)
}

// Bus implements syncbus.Bus over UDP multicast with loopback enabled, so every
// process on the host that joined the group hears every datagram. Known peers
// also get a unicast copy, which means receivers can see duplicates.
type Bus struct {
	opts      Options
	nodeID    [16]byte
	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr

	mu     sync.RWMutex
	subs   map[string][]chan syncbus.Event
	closed bool

	peersMu      sync.RWMutex
	knownPeers   map[string]time.Time
	resolvedAddr map[string]*net.UDPAddr

	published atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus joins the multicast group and starts the listener.
func NewBus(opts Options) (*Bus, error) {
	if opts.Port == 0 {
		opts.Port = 7946
	}
	if opts.Group == "" {
		opts.Group = "239.0.0.1"
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.PeerTimeout == 0 {
		opts.PeerTimeout = 60 * time.Second
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to resolve multicast address: %w", err)
	}

	// Several instances on one host bind the same port.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 15, 1) // SO_REUSEPORT
			})
		},
	}

	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to listen on port %d: %w", opts.Port, err)
	}

	pconn := ipv4.NewPacketConn(c)

	var iface *net.Interface
	if opts.Interface != "" {
		iface, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: failed to find interface %s: %w", opts.Interface, err)
		}
	}

	if err := pconn.JoinGroup(iface, addr); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mesh: failed to join group %s: %w", opts.Group, err)
	}

	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: failed to set multicast interface: %w", err)
		}
	}

	_ = pconn.SetMulticastLoopback(true)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		opts:         opts,
		nodeID:       uuid.New(),
		conn:         c,
		pconn:        pconn,
		groupAddr:    addr,
		subs:         make(map[string][]chan syncbus.Event),
		knownPeers:   make(map[string]time.Time),
		resolvedAddr: make(map[string]*net.UDPAddr),
		ctx:          ctx,
		cancel:       cancel,
	}

	b.wg.Add(3)
	go b.listen()
	go b.heartbeatLoop()
	go b.cleanupPeers()

	return b, nil
}

// Publish sends data to the multicast group and to known unicast peers.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return syncbus.ErrBusClosed
	}

	p := packet{Magic: magicByte, Type: typeData, NodeID: b.nodeID, Topic: topic, Data: data}
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		return ErrPacketTooLarge
	}
	return b.broadcast(buf[:n])
}

// broadcast sends the packet payload to multicast group and known unicast peers.
func (b *Bus) broadcast(payload []byte) error {
	_, err := b.conn.WriteTo(payload, b.groupAddr)
	if err == nil {
		b.published.Add(1)
	}

	b.peersMu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(b.resolvedAddr))
	for _, addr := range b.resolvedAddr {
		addrs = append(addrs, addr)
	}
	b.peersMu.RUnlock()

	for _, addr := range addrs {
		_, _ = b.conn.WriteTo(payload, addr)
	}

	for _, peer := range b.opts.Peers {
		b.peersMu.RLock()
		_, known := b.resolvedAddr[peer]
		b.peersMu.RUnlock()
		if known {
			continue
		}
		addr, rerr := net.ResolveUDPAddr("udp4", peer)
		if rerr != nil {
			continue
		}
		_, _ = b.conn.WriteTo(payload, addr)
	}

	return err
}

// Subscribe registers a channel receiving every datagram published on topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, channelBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncbus.ErrBusClosed
	}
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unsubscribe(context.Background(), topic, ch)
		case <-b.ctx.Done():
		}
	}()

	return ch, nil
}

// Unsubscribe removes a channel from topic subscriptions.
func (b *Bus) Unsubscribe(ctx context.Context, topic string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[topic]
	if !ok {
		return nil
	}
	for i, c := range subs {
		if c == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// IsHealthy returns true while the UDP socket is open.
func (b *Bus) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed && b.conn != nil
}

func (b *Bus) listen() {
	defer b.wg.Done()
	buf := make([]byte, maxPacket)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		n, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		var p packet
		if err := p.unmarshal(buf[:n]); err != nil {
			continue
		}
		if p.NodeID == b.nodeID {
			continue
		}
		b.received.Add(1)

		switch p.Type {
		case typeHeartbeat:
			b.observePeer(p.Addr)
		case typeData:
			b.deliver(p.Topic, p.Data)
		}
	}
}

func (b *Bus) observePeer(addr string) {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	b.knownPeers[addr] = time.Now()
	if _, ok := b.resolvedAddr[addr]; !ok {
		if rAddr, err := net.ResolveUDPAddr("udp4", addr); err == nil {
			b.resolvedAddr[addr] = rAddr
		}
	}
}

func (b *Bus) deliver(topic string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	evt := syncbus.Event{Topic: topic, Data: data}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close leaves the group and closes every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, c := range subs {
			close(c)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.cancel()
	err := b.conn.Close()
	b.wg.Wait()
	return err
}

func (b *Bus) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			addr := b.opts.AdvertiseAddr
			if addr == "" {
				addr = b.conn.LocalAddr().String()
			}
			p := packet{Magic: magicByte, Type: typeHeartbeat, NodeID: b.nodeID, Addr: addr}
			buf := bufferPool.Get().([]byte)
			if n, err := p.marshal(buf); err == nil {
				_ = b.broadcast(buf[:n])
			}
			bufferPool.Put(buf)
		}
	}
}

func (b *Bus) cleanupPeers() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.PeerTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.peersMu.Lock()
			now := time.Now()
			for addr, lastSeen := range b.knownPeers {
				if now.Sub(lastSeen) > b.opts.PeerTimeout {
					delete(b.knownPeers, addr)
					delete(b.resolvedAddr, addr)
				}
			}
			b.peersMu.Unlock()
		}
	}
}

// Metrics returns the published, received and dropped counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.received.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Peers returns the unicast addresses heard from recently.
func (b *Bus) Peers() []string {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()

	peers := make([]string, 0, len(b.knownPeers))
	for addr := range b.knownPeers {
		peers = append(peers, addr)
	}
	return peers
}
