// Package presets wires a Coordinator to one of the bus backends so a node
// can be started with a single call.
package presets

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-huddle/v1/config"
	"github.com/mirkobrombin/go-huddle/v1/coord"
	"github.com/mirkobrombin/go-huddle/v1/syncbus"
	buskafka "github.com/mirkobrombin/go-huddle/v1/syncbus/kafka"
	busmesh "github.com/mirkobrombin/go-huddle/v1/syncbus/mesh"
	busnats "github.com/mirkobrombin/go-huddle/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-huddle/v1/syncbus/redis"
)

// Node is a Coordinator together with the bus and clients it owns.
type Node struct {
	*coord.Coordinator
	Bus syncbus.Bus

	closers []func() error
}

// Close runs Cleanup, then closes the bus and any client the preset opened.
func (n *Node) Close(ctx context.Context) error {
	err := n.Coordinator.Cleanup(ctx)
	if n.Bus != nil {
		err = multierr.Append(err, n.Bus.Close())
	}
	for _, c := range n.closers {
		err = multierr.Append(err, c())
	}
	n.closers = nil
	return err
}

func newNode(bus syncbus.Bus, opts []coord.Option, closers ...func() error) (*Node, error) {
	c, err := coord.New(bus, opts...)
	if err != nil {
		var closeErr error
		if bus != nil {
			closeErr = bus.Close()
		}
		for _, cl := range closers {
			closeErr = multierr.Append(closeErr, cl())
		}
		return nil, multierr.Append(err, closeErr)
	}
	return &Node{Coordinator: c, Bus: bus, closers: closers}, nil
}

// NewStandalone returns a node without any bus. It is always primary and
// every lease succeeds locally.
func NewStandalone(opts ...coord.Option) (*Node, error) {
	return newNode(nil, opts)
}

// NewInProcess returns a node on a bus shared with other nodes of the same
// process. The bus is not closed by the node.
func NewInProcess(bus *syncbus.InMemoryBus, opts ...coord.Option) (*Node, error) {
	c, err := coord.New(bus, opts...)
	if err != nil {
		return nil, err
	}
	return &Node{Coordinator: c}, nil
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis returns a node broadcasting over Redis pub/sub.
func NewRedis(ro RedisOptions, opts ...coord.Option) (*Node, error) {
	bus, closer := openRedis(ro)
	return newNode(bus, opts, closer)
}

func openRedis(ro RedisOptions) (syncbus.Bus, func() error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})
	return busredis.NewBus(busredis.Options{Client: client}), client.Close
}

// NewNATS returns a node broadcasting over core NATS subjects.
func NewNATS(url string, opts ...coord.Option) (*Node, error) {
	bus, closer, err := openNATS(url)
	if err != nil {
		return nil, err
	}
	return newNode(bus, opts, closer)
}

func openNATS(url string) (syncbus.Bus, func() error, error) {
	conn, err := nats.Connect(url, nats.Name("huddle"))
	if err != nil {
		return nil, nil, fmt.Errorf("presets: connect nats: %w", err)
	}
	return busnats.NewBus(conn), func() error {
		conn.Close()
		return nil
	}, nil
}

// NewKafka returns a node broadcasting over a single-partition Kafka topic.
func NewKafka(brokers []string, opts ...coord.Option) (*Node, error) {
	bus, err := openKafka(brokers)
	if err != nil {
		return nil, err
	}
	return newNode(bus, opts)
}

func openKafka(brokers []string) (syncbus.Bus, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "huddle"
	bus, err := buskafka.NewBus(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("presets: connect kafka: %w", err)
	}
	return bus, nil
}

// NewMesh returns a node broadcasting over UDP multicast on the host.
func NewMesh(mo busmesh.Options, opts ...coord.Option) (*Node, error) {
	bus, err := openMesh(mo)
	if err != nil {
		return nil, err
	}
	return newNode(bus, opts)
}

func openMesh(mo busmesh.Options) (syncbus.Bus, error) {
	bus, err := busmesh.NewBus(mo)
	if err != nil {
		return nil, fmt.Errorf("presets: open mesh: %w", err)
	}
	return bus, nil
}

// FromConfig builds the node described by cfg. A positive breaker threshold
// wraps the bus in a circuit breaker. Backend failures surface here; once
// built, bus outages only degrade the node to local operation.
func FromConfig(cfg config.Config, log *zap.Logger, extra ...coord.Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := append([]coord.Option{coord.WithConfig(cfg.Coord()), coord.WithLogger(log)}, extra...)

	var (
		bus     syncbus.Bus
		closers []func() error
		err     error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		return NewStandalone(opts...)
	case config.BackendRedis:
		var closer func() error
		bus, closer = openRedis(RedisOptions(cfg.Redis))
		closers = append(closers, closer)
	case config.BackendNATS:
		var closer func() error
		bus, closer, err = openNATS(cfg.NATS.URL)
		closers = append(closers, closer)
	case config.BackendKafka:
		bus, err = openKafka(cfg.Kafka.Brokers)
	case config.BackendMesh:
		bus, err = openMesh(busmesh.Options{
			Port:      cfg.Mesh.Port,
			Group:     cfg.Mesh.Group,
			Interface: cfg.Mesh.Interface,
			Peers:     cfg.Mesh.Peers,
		})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Threshold > 0 {
		bus = syncbus.NewCircuitBreaker(bus, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	}
	return newNode(bus, opts, closers...)
}
