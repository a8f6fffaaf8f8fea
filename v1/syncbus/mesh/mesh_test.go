package mesh

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func findMulticastInterface() *net.Interface {
	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagLoopback == 0 {
			return &ifi
		}
	}
	return nil
}

func newNode(t *testing.T, opts Options) *Bus {
	t.Helper()
	node, err := NewBus(opts)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	t.Cleanup(func() { _ = node.Close() })
	return node
}

func TestMeshIntegration(t *testing.T) {
	ifaceName := ""
	if ifi := findMulticastInterface(); ifi != nil {
		ifaceName = ifi.Name
	}
	opts := Options{
		Port:      8000 + (int(time.Now().Unix()) % 1000),
		Group:     "239.0.0.1",
		Interface: ifaceName,
	}
	nodeA := newNode(t, opts)
	nodeB := newNode(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	chB, err := nodeB.Subscribe(ctx, "huddle.events")
	if err != nil {
		t.Fatalf("subscribe on nodeB: %v", err)
	}

	if err := nodeA.Publish(ctx, "huddle.events", []byte("announce")); err != nil {
		t.Fatalf("publish from nodeA: %v", err)
	}

	select {
	case evt := <-chB:
		if string(evt.Data) != "announce" {
			t.Errorf("expected payload announce, got %q", evt.Data)
		}
	case <-ctx.Done():
		t.Skip("multicast delivery not available in this environment")
	}
}

func TestMeshLoopbackFiltered(t *testing.T) {
	node := newNode(t, Options{
		Port:  8000 + (int(time.Now().Unix()) % 1000) + 1,
		Group: "239.0.0.1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	ch, err := node.Subscribe(ctx, "loop")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := node.Publish(ctx, "loop", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("node received its own datagram: %+v", evt)
		}
	case <-ctx.Done():
	}
}

func TestMeshPublishTooLarge(t *testing.T) {
	node := newNode(t, Options{Port: 8000 + (int(time.Now().Unix()) % 1000) + 2})
	if err := node.Publish(context.Background(), "t", make([]byte, maxPacket)); err != ErrPacketTooLarge {
		t.Fatalf("expected ErrPacketTooLarge got %v", err)
	}
}

func TestMeshGossip(t *testing.T) {
	portA := 9000 + (int(time.Now().Unix()) % 100)
	portB := portA + 1
	addrA := fmt.Sprintf("127.0.0.1:%d", portA)

	nodeA := newNode(t, Options{Port: portA, AdvertiseAddr: addrA, Heartbeat: 100 * time.Millisecond})
	optsB := Options{
		Port:          portB,
		AdvertiseAddr: fmt.Sprintf("127.0.0.1:%d", portB),
		Peers:         []string{addrA},
		Heartbeat:     100 * time.Millisecond,
	}
	newNode(t, optsB)

	found := false
	for i := 0; i < 20 && !found; i++ {
		for _, p := range nodeA.Peers() {
			if p == optsB.AdvertiseAddr {
				found = true
				break
			}
		}
		if !found {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if !found {
		t.Errorf("nodeA did not discover nodeB via gossip (peers: %v)", nodeA.Peers())
	}
}

func TestMeshCloseIsIdempotent(t *testing.T) {
	node, err := NewBus(Options{Port: 8000 + (int(time.Now().Unix()) % 1000) + 3})
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	ch, err := node.Subscribe(context.Background(), "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := node.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected subscription closed")
	}
	if node.IsHealthy() {
		t.Fatal("closed node reported healthy")
	}
	if err := node.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
