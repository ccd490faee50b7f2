// Package bridge owns the bridge process lifecycle.
//
// Ownership boundary:
// - building codecs, registry and relay engine from ServiceConfig
// - the single control loop that steps the engine and runs queued commands
// - host-link TCP, HTTP admin and websocket event surfaces
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/codec/meshcore"
	"github.com/danmuck/meshbridge/internal/codec/meshtastic"
	"github.com/danmuck/meshbridge/internal/hostlink"
	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/danmuck/meshbridge/internal/radio"
	"github.com/danmuck/meshbridge/internal/radio/sim"
	"github.com/danmuck/meshbridge/internal/registry"
	"github.com/danmuck/meshbridge/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidStatsInterval = errors.New("bridge: invalid stats interval")
	ErrInvalidPollInterval  = errors.New("bridge: invalid poll interval")
	ErrBridgeIDRequired     = errors.New("bridge: id required")
	ErrServiceStopped       = errors.New("bridge: service stopped")
)

// ProtocolConfig overrides one protocol's compiled-in defaults.
type ProtocolConfig struct {
	Modulation radio.Modulation
	RawRelay   bool
}

// ServiceConfig configures the bridge runtime.
type ServiceConfig struct {
	ID            string
	Relay         relay.Config
	Protocols     map[codec.ID]ProtocolConfig
	HostLinkAddr  string
	HTTPAddr      string
	CORSOrigins   []string
	StatsInterval time.Duration
	PollInterval  time.Duration
	QueueSize     int
	Platform      uint8
	Sim           sim.Config
}

// Bridge service defaults: sim radio, both protocols at their presets.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:    "bridge.local",
		Relay: relay.DefaultConfig(),
		Protocols: map[codec.ID]ProtocolConfig{
			codec.MeshCore:   {Modulation: meshcore.DefaultModulation()},
			codec.Meshtastic: {Modulation: meshtastic.DefaultModulation()},
		},
		HostLinkAddr:  "127.0.0.1:7373",
		HTTPAddr:      "127.0.0.1:8088",
		StatsInterval: 30 * time.Second,
		PollInterval:  2 * time.Millisecond,
		QueueSize:     32,
		Platform:      sim.PlatformID,
		Sim:           sim.DefaultConfig(),
	}
}

type command struct {
	fn   func(*relay.Engine) error
	done chan error
}

// Service runs the relay engine and its control surfaces.
type Service struct {
	cfg     ServiceConfig
	radio   radio.Transceiver
	sim     *sim.Radio
	codecs  *codec.Set
	reg     *registry.Registry
	engine  *relay.Engine
	hub     *Hub
	link    *hostlink.Server
	router  *gin.Engine
	cmds    chan command
	stopped chan struct{}
	started time.Time
}

// Bridge service constructor using the simulated radio from cfg.Sim.
func NewServiceWithConfig(cfg ServiceConfig) (*Service, error) {
	return NewServiceWithRadio(cfg, sim.New(cfg.Sim))
}

// Bridge service constructor using an explicit transceiver.
func NewServiceWithRadio(cfg ServiceConfig, t radio.Transceiver) (*Service, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, ErrBridgeIDRequired
	}
	if cfg.StatsInterval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatsInterval, cfg.StatsInterval)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPollInterval, cfg.PollInterval)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultServiceConfig().QueueSize
	}

	set, err := codec.NewSet(
		meshcore.New(meshcore.WithPolicy(policyFor(cfg, codec.MeshCore))),
		meshtastic.New(meshtastic.WithPolicy(policyFor(cfg, codec.Meshtastic))),
	)
	if err != nil {
		return nil, err
	}
	reg := registry.FromCodecs(set)
	for id, pc := range cfg.Protocols {
		if pc.Modulation.FrequencyHz == 0 {
			continue
		}
		if err := validateModulation(t, pc.Modulation); err != nil {
			return nil, fmt.Errorf("bridge: protocol %s: %w", set.Name(id), err)
		}
		if err := reg.SetConfig(id, pc.Modulation); err != nil {
			return nil, err
		}
	}
	reg.SetObserver(func(_ codec.ID, name string, ev registry.Event) {
		observability.RecordRelayEvent(name, ev.String())
	})

	s := &Service{
		cfg:     cfg,
		radio:   t,
		codecs:  set,
		reg:     reg,
		hub:     NewHub(set),
		cmds:    make(chan command, cfg.QueueSize),
		stopped: make(chan struct{}),
		started: time.Now(),
	}
	if sr, ok := t.(*sim.Radio); ok {
		s.sim = sr
	}
	s.link = hostlink.NewServer(hostlink.NewDispatcher(s, cfg.Platform))
	s.engine, err = relay.NewEngine(relay.Deps{
		Radio:    t,
		Codecs:   set,
		Registry: reg,
		Sink:     sinks{s.hub, s.link},
	}, cfg.Relay)
	if err != nil {
		return nil, err
	}
	observability.RegisterMetrics()
	s.router = s.newRouter()
	return s, nil
}

func policyFor(cfg ServiceConfig, id codec.ID) codec.Policy {
	if cfg.Protocols[id].RawRelay {
		return codec.PolicyRawRelay
	}
	return codec.PolicyStrict
}

func validateModulation(t radio.Transceiver, m radio.Modulation) error {
	if !radio.ValidBandwidth(m.Bandwidth) {
		return fmt.Errorf("%w: %d", radio.ErrInvalidBandwidth, m.Bandwidth)
	}
	return radio.ValidateFrequency(t, m.FrequencyHz)
}

// sinks fans one event out to several consumers.
type sinks []relay.Sink

func (ss sinks) Emit(ev relay.Event) {
	for _, s := range ss {
		s.Emit(ev)
	}
}

// Bridge runtime entrypoint that blocks until process signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve brings the radio up and runs the control loop until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	s.bootstrap()
	return s.serve(ctx)
}

func (s *Service) Router() *gin.Engine        { return s.router }
func (s *Service) HostLink() *hostlink.Server { return s.link }
func (s *Service) Hub() *Hub                  { return s.hub }

// Sim returns the simulated radio, or nil on hardware.
func (s *Service) Sim() *sim.Radio { return s.sim }

func (s *Service) bootstrap() {
	s.engine.Start()
	info := s.engine.Info()
	log.Info().
		Str("bridge", s.cfg.ID).
		Str("listen", info.ListenName).
		Str("state", info.State).
		Bool("auto_switch", info.AutoSwitch).
		Msg("bridge.Service.bootstrap ready")
}

func (s *Service) serve(ctx context.Context) error {
	defer close(s.stopped)
	defer s.hub.CloseAll()

	linkErr := make(chan error, 1)
	httpErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.HostLinkAddr); addr != "" {
		go func() { linkErr <- s.link.Serve(ctx, addr) }()
	}
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		go func() { httpErr <- s.serveHTTP(ctx, addr) }()
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	stats := time.NewTicker(s.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("bridge", s.cfg.ID).Msg("bridge.Service.serve shutdown")
			return nil
		case err := <-linkErr:
			if err != nil {
				return fmt.Errorf("bridge: host link: %w", err)
			}
		case err := <-httpErr:
			if err != nil {
				return fmt.Errorf("bridge: http: %w", err)
			}
		case cmd := <-s.cmds:
			cmd.done <- cmd.fn(s.engine)
		case <-poll.C:
			s.engine.Step(ctx)
		case <-stats.C:
			s.logStats()
		}
	}
}

// Do runs fn on the control loop between frames. It implements
// hostlink.Runner.
func (s *Service) Do(ctx context.Context, fn func(*relay.Engine) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-s.stopped:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) logStats() {
	info := s.engine.Info()
	for _, p := range info.Protocols {
		log.Info().
			Str("protocol", p.Name).
			Uint32("rx", p.Stats.RxCount).
			Uint32("tx", p.Stats.TxCount).
			Uint32("parse_errors", p.Stats.ParseErrors).
			Uint32("conversion_errors", p.Stats.ConversionErrors).
			Msg("bridge.Service.stats")
	}
	log.Info().
		Str("listen", info.ListenName).
		Str("state", info.State).
		Int("hostlink_clients", s.link.Clients()).
		Int("event_subscribers", s.hub.Subscribers()).
		Msg("bridge.Service.heartbeat")
}
