// Package node runs one transport and one engine per configured oracle
// under a single identity.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"github.com/olebedev/emitter"

	"github.com/nmxmxh/openstar/internal/identity"
	"github.com/nmxmxh/openstar/kernel/core/engine"
	"github.com/nmxmxh/openstar/kernel/core/mesh/transport"
	"github.com/nmxmxh/openstar/kernel/core/oracle/chain"
	"github.com/nmxmxh/openstar/kernel/core/oracle/ledger"
	"github.com/nmxmxh/openstar/kernel/utils"
)

// Config holds node configuration
type Config struct {
	IdentityPath    string        `json:"identity_path" mapstructure:"identity_path"`
	Oracles         []string      `json:"oracles" mapstructure:"oracles"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	StatusInterval  time.Duration `json:"status_interval" mapstructure:"status_interval"`

	Log       utils.LoggerConfig `json:"log" mapstructure:"log"`
	Transport transport.Config   `json:"transport" mapstructure:"transport"`
	Engine    engine.Config      `json:"engine" mapstructure:"engine"`
	Miner     chain.MinerConfig  `json:"miner" mapstructure:"miner"`
}

// DefaultConfig returns sensible production defaults
func DefaultConfig() Config {
	return Config{
		IdentityPath:    "openstar_identity.json",
		Oracles:         []string{ledger.CoinName, chain.BlockchainName},
		ShutdownTimeout: 10 * time.Second,
		StatusInterval:  30 * time.Second,
		Log:             utils.DefaultLoggerConfig(),
		Transport:       transport.DefaultConfig(),
		Engine:          engine.DefaultConfig(),
		Miner:           chain.DefaultMinerConfig(),
	}
}

// WithDefaults fills every zero field of config from DefaultConfig.
func WithDefaults(config Config) (Config, error) {
	if err := mergo.Merge(&config, DefaultConfig()); err != nil {
		return config, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return config, nil
}

// Report is the status of one oracle.
type Report struct {
	engine.Status
	Transport transport.Stats `json:"transport"`
}

type service struct {
	oracle    string
	transport *transport.Transport
	status    func(context.Context) (engine.Status, error)
}

// Node owns the services of one process.
type Node struct {
	config   Config
	identity *identity.KeyManager
	logger   *slog.Logger
	shutdown *utils.GracefulShutdown
	opts     []transport.Option

	mu       sync.Mutex
	services []service
}

// New creates a node. Transport options apply to every oracle's transport.
func New(config Config, id *identity.KeyManager, logger *slog.Logger, opts ...transport.Option) (*Node, error) {
	if id == nil {
		return nil, errors.New("identity is required")
	}
	if logger == nil {
		logger = utils.DefaultLogger("node")
	}
	config, err := WithDefaults(config)
	if err != nil {
		return nil, err
	}
	logger = logger.With("node_id", id.Address().Short())
	return &Node{
		config:   config,
		identity: id,
		logger:   logger,
		shutdown: utils.NewGracefulShutdown(config.ShutdownTimeout, logger.With("component", "shutdown")),
		opts:     opts,
	}, nil
}

// Config returns the effective configuration.
func (n *Node) Config() Config {
	return n.config
}

// Start launches every configured oracle. On error the oracles already
// started are stopped again.
func (n *Node) Start(ctx context.Context) error {
	if len(n.config.Oracles) == 0 {
		return errors.New("no oracles configured")
	}
	for _, name := range n.config.Oracles {
		var err error
		switch strings.ToUpper(name) {
		case ledger.CoinName, "COIN":
			err = launch(ctx, n, ledger.CoinName, func(h engine.Handle[ledger.State]) engine.Oracle[ledger.State] {
				return ledger.NewCoin(h, n.logger)
			})
		case chain.BlockchainName, "BLOCKCHAIN":
			err = launch(ctx, n, chain.BlockchainName, func(h engine.Handle[chain.State]) engine.Oracle[chain.State] {
				return chain.NewBlockchain(h, n.config.Miner, n.logger)
			})
		default:
			err = fmt.Errorf("unknown oracle %q", name)
		}
		if err != nil {
			_ = n.Stop(context.Background())
			return err
		}
	}
	n.logger.Info("node started", "address", string(n.identity.Address()), "oracles", len(n.services))
	return nil
}

func launch[S any](ctx context.Context, n *Node, name string, build func(engine.Handle[S]) engine.Oracle[S]) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.services {
		if s.oracle == name {
			return fmt.Errorf("oracle %s configured twice", name)
		}
	}

	tr, err := transport.New(name, n.identity, n.config.Transport, n.logger, n.opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	e := engine.New[S](tr, n.identity, n.config.Engine, n.logger)
	oracle := build(e.Handle())

	if err := tr.Start(ctx, e); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	n.shutdown.Register(name+" transport", tr.Stop)

	if err := e.Start(ctx, oracle); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	n.shutdown.Register(name+" engine", func() error {
		e.Stop()
		return nil
	})

	go watchEvents(ctx, e.Events(), n.logger.With("oracle", name))
	n.services = append(n.services, service{oracle: name, transport: tr, status: e.Status})
	return nil
}

func watchEvents(ctx context.Context, events *emitter.Emitter, logger *slog.Logger) {
	ch := events.On("*")
	defer events.Off("*", ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.OriginalTopic {
			case engine.EventConnected, engine.EventStateAdopted:
				logger.Info("engine event", "topic", ev.OriginalTopic, "args", ev.Args)
			default:
				logger.Debug("engine event", "topic", ev.OriginalTopic, "args", ev.Args)
			}
		}
	}
}

// Reports returns the status of every running oracle.
func (n *Node) Reports(ctx context.Context) ([]Report, error) {
	n.mu.Lock()
	services := append([]service(nil), n.services...)
	n.mu.Unlock()

	reports := make([]Report, 0, len(services))
	for _, s := range services {
		st, err := s.status(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.oracle, err)
		}
		reports = append(reports, Report{Status: st, Transport: s.transport.Stats()})
	}
	return reports, nil
}

// Stop shuts every oracle down, engines before their transports.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	n.services = nil
	n.mu.Unlock()
	return n.shutdown.Shutdown(ctx)
}
