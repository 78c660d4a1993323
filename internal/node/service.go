// Package node wires together one node's full stack: the mesh radio
// transport, the GPIO drivers bound by its persisted configuration, the
// command router, the config-apply pipeline, and the MQTT bridge. It is
// the process-level equivalent of a relay.Service: Start brings the
// whole node up in dependency order, Stop tears it down, and IsRunning
// reports the current lifecycle state.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/bridge"
	"github.com/fernwood-iot/meshnode/internal/cfgapply"
	"github.com/fernwood-iot/meshnode/internal/config"
	"github.com/fernwood-iot/meshnode/internal/driver/gpio"
	"github.com/fernwood-iot/meshnode/internal/driver/gpio/simpin"
	"github.com/fernwood-iot/meshnode/internal/driver/input"
	"github.com/fernwood-iot/meshnode/internal/driver/pwm"
	"github.com/fernwood-iot/meshnode/internal/driver/relay"
	"github.com/fernwood-iot/meshnode/internal/logging"
	"github.com/fernwood-iot/meshnode/internal/mesh"
	"github.com/fernwood-iot/meshnode/internal/mesh/meshsim"
	"github.com/fernwood-iot/meshnode/internal/nodecfg"
	"github.com/fernwood-iot/meshnode/internal/nodecfg/filestore"
	"github.com/fernwood-iot/meshnode/internal/router"
	"github.com/fernwood-iot/meshnode/internal/transport/serialradio"
)

// Service owns one node's live stack: drivers, mesh link, router,
// config-apply pipeline, and MQTT bridge.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.RWMutex
	running bool

	store    nodecfg.Store
	resolver gpio.Resolver
	radio    mesh.Radio
	serial   *serialradio.Radio

	relayDrv *relay.Driver
	pwmDrv   *pwm.Driver
	inputDrv *input.Driver

	device  string
	link    *mesh.Link
	bridge  *bridge.Bridge
	router  *router.Router
	applier *cfgapply.Applier
}

// New constructs a Service from process configuration. It performs no
// I/O itself; Start does all hardware and network setup so Stop always
// has a matching, torn-down counterpart for anything Start began.
func New(cfg *config.Config) (*Service, error) {
	return &Service{
		cfg:    cfg,
		logger: logging.With(zap.String("component", "node")),
		store:  filestore.New(cfg.Store.Path),
	}, nil
}

// Start brings the node's full stack up: resolver and radio selection,
// persisted config load-or-default, driver initialization, and the
// bridge/mesh-link/router/config-apply wiring, in that order. It
// connects to the broker last so nothing can publish before the rest
// of the node is ready to serve what the broker asks of it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("node: service is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting node service", zap.String("transport", s.cfg.Mesh.Transport))

	resolver, err := s.initResolver()
	if err != nil {
		return s.failStart(fmt.Errorf("init gpio resolver: %w", err))
	}
	s.resolver = resolver

	radio, err := s.initRadio()
	if err != nil {
		return s.failStart(fmt.Errorf("init mesh radio: %w", err))
	}
	s.radio = radio

	nc, err := s.loadOrDefaultConfig(radio.SelfMAC())
	if err != nil {
		return s.failStart(fmt.Errorf("load node config: %w", err))
	}

	if err := s.initDrivers(nc); err != nil {
		return s.failStart(fmt.Errorf("init drivers: %w", err))
	}

	s.wireStack(nc)

	if err := s.link.Init(); err != nil {
		s.closeDrivers()
		return s.failStart(fmt.Errorf("init mesh link: %w", err))
	}

	if err := s.bridge.Connect(ctx); err != nil {
		s.link.Close()
		s.closeDrivers()
		return s.failStart(fmt.Errorf("connect to broker: %w", err))
	}

	s.logger.Info("node service started", zap.String("device", nc.DeviceName))
	return nil
}

// Stop tears the node down in the reverse of Start's order. It is
// idempotent and safe to call on a Service that never finished Start.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.logger.Info("stopping node service")

	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			s.logger.Error("error closing broker connection", zap.Error(err))
		}
	}
	if s.link != nil {
		s.link.Close()
	}
	if s.serial != nil {
		if err := s.serial.Close(); err != nil {
			s.logger.Error("error closing serial radio", zap.Error(err))
		}
	}
	s.closeDrivers()

	s.logger.Info("node service stopped")
	return nil
}

// IsRunning reports whether the service has completed Start and not yet
// been Stopped.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Router returns the node's command router, for the TUI and diagnostics
// surfaces that need to read driver state directly.
func (s *Service) Router() *router.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// Link returns the node's mesh link, for diagnostics surfaces that want
// its routing snapshot or role.
func (s *Service) Link() *mesh.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

// ChannelState is one channel's current reading, rendered generically
// so the TUI need not know relay/PWM/input apart.
type ChannelState struct {
	Channel int
	Value   string
}

// Snapshot is a point-in-time read of everything the diagnostics TUI
// displays: this node's identity and mesh role, its current peer table,
// and every channel's live state.
type Snapshot struct {
	Device string
	Role   string
	Peers  []string
	Relays []ChannelState
	PWM    []ChannelState
	Inputs []ChannelState
}

// Snapshot reads the node's current state. Safe to call concurrently
// with Start/Stop; returns the zero Snapshot before Start completes.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	snap.Device = s.device
	if s.link != nil {
		if s.link.IsRoot() {
			snap.Role = "ROOT"
		} else {
			snap.Role = "FOLLOWER"
		}
		snap.Peers = s.link.Snapshot()
	}
	if s.relayDrv != nil {
		for ch := 0; ch < s.relayDrv.ChannelCount(); ch++ {
			value := "off"
			if s.relayDrv.IsOn(ch) {
				value = "on"
			}
			snap.Relays = append(snap.Relays, ChannelState{Channel: ch, Value: value})
		}
	}
	if s.pwmDrv != nil {
		for ch := 0; ch < s.pwmDrv.ChannelCount(); ch++ {
			snap.PWM = append(snap.PWM, ChannelState{Channel: ch, Value: fmt.Sprintf("%d", s.pwmDrv.GetDuty(ch))})
		}
	}
	if s.inputDrv != nil {
		for ch := 0; ch < s.inputDrv.ChannelCount(); ch++ {
			snap.Inputs = append(snap.Inputs, ChannelState{Channel: ch, Value: fmt.Sprintf("%d", s.inputDrv.GetLevel(ch))})
		}
	}
	return snap
}

func (s *Service) failStart(err error) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

func (s *Service) initResolver() (gpio.Resolver, error) {
	if s.cfg.Mesh.Transport == "simulate" {
		return simpin.NewResolver(), nil
	}
	return gpio.NewHostResolver()
}

func (s *Service) initRadio() (mesh.Radio, error) {
	if s.cfg.Mesh.Transport == "simulate" {
		return s.initSimRadio()
	}
	return s.initSerialRadio()
}

func (s *Service) initSerialRadio() (mesh.Radio, error) {
	r, err := serialradio.Open(s.logger, serialradio.Config{
		Port: s.cfg.Mesh.SerialPort,
		Baud: s.cfg.Mesh.SerialBaud,
	})
	if err != nil {
		return nil, err
	}
	s.serial = r
	return r, nil
}

// initSimRadio creates a standalone simulated mesh for this node to run
// against when no coprocessor is attached. A lone node on its own bus
// has no peers to elect a root from, so it immediately declares itself
// root of its own single-node mesh.
func (s *Service) initSimRadio() (mesh.Radio, error) {
	meshID, err := s.simMeshID()
	if err != nil {
		return nil, err
	}
	mac, err := randomMAC()
	if err != nil {
		return nil, err
	}

	bus := meshsim.NewBus(meshID)
	r := bus.Radio(mac)
	bus.SetRoot(mac, []mesh.MAC{mac})
	return r, nil
}

func (s *Service) simMeshID() (mesh.MeshID, error) {
	if s.cfg.Mesh.ID != "" {
		return mesh.ParseMeshID(s.cfg.Mesh.ID)
	}
	var id mesh.MeshID
	if _, err := rand.Read(id[:]); err != nil {
		return mesh.MeshID{}, err
	}
	return id, nil
}

func randomMAC() (mesh.MAC, error) {
	var mac mesh.MAC
	if _, err := rand.Read(mac[:]); err != nil {
		return mesh.MAC{}, err
	}
	return mac, nil
}

// loadOrDefaultConfig loads the persisted I/O binding, falling back to
// the zero-channel default derived from the radio's own MAC on first
// boot. An operator-supplied device.name overrides whatever name the
// loaded or defaulted record carries.
func (s *Service) loadOrDefaultConfig(mac mesh.MAC) (nodecfg.Cfg, error) {
	nc, ok, err := s.store.Get()
	if err != nil {
		return nodecfg.Cfg{}, err
	}
	if !ok {
		nc = nodecfg.Default(mac)
		s.logger.Info("no persisted config found, starting from default", zap.String("device", nc.DeviceName))
	}
	if s.cfg.Device.Name != "" {
		nc.DeviceName = s.cfg.Device.Name
	}
	return nc, nil
}

func (s *Service) initDrivers(nc nodecfg.Cfg) error {
	relayDrv, err := relay.Init(s.resolver, nc.Relays.Pins, nc.Relays.ActiveLowMask, nc.Relays.OpenDrainMask, nc.Relays.AutoOffSec)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	s.relayDrv = relayDrv

	pwmDrv, err := pwm.Init(s.resolver, nc.PWM.Pins, nc.PWM.InvertedMask, nc.PWM.FreqHz)
	if err != nil {
		s.relayDrv.Deinit()
		return fmt.Errorf("pwm: %w", err)
	}
	s.pwmDrv = pwmDrv

	inputDrv, err := input.Init(s.resolver, nc.Inputs.Pins, nc.Inputs.PullupMask, nc.Inputs.PulldownMask, nc.Inputs.InvertedMask, nodecfg.DefaultDebounceMs, nc.Inputs.DebounceMs)
	if err != nil {
		s.pwmDrv.Deinit()
		s.relayDrv.Deinit()
		return fmt.Errorf("input: %w", err)
	}
	s.inputDrv = inputDrv

	return nil
}

func (s *Service) closeDrivers() {
	if s.inputDrv != nil {
		s.inputDrv.Deinit()
	}
	if s.pwmDrv != nil {
		s.pwmDrv.Deinit()
	}
	if s.relayDrv != nil {
		s.relayDrv.Deinit()
	}
}

// wireStack constructs the bridge, mesh link, router, and config-apply
// pipeline and wires them to each other. The bridge is built first with
// its router/applier/role dependents nil, since each of those needs the
// bridge itself (as Publisher) to exist before it can be built; once
// the link and router/applier are constructed, they are wired back into
// the bridge through its Set* methods.
func (s *Service) wireStack(nc nodecfg.Cfg) {
	device := nc.DeviceName

	br := bridge.New(s.logger, bridge.Config{
		Broker:      s.cfg.Broker.URL,
		ClientID:    s.cfg.Broker.ClientID,
		Username:    s.cfg.Broker.Username,
		Password:    s.cfg.Broker.Password,
		LocalDevice: device,
		Prefix:      s.cfg.Broker.Prefix,
	}, nil, nil, nil, nil)

	link := mesh.New(mesh.Options{
		Radio:       s.radio,
		Publisher:   br,
		LocalDevice: device,
	})

	rtr := router.New(s.logger, device, s.relayDrv, s.pwmDrv, s.inputDrv, link, link, br)

	applier := cfgapply.New(s.logger, device, s.resolver, s.store, br, link, &processRebooter{logger: s.logger}, nc, s.relayDrv, s.pwmDrv, s.inputDrv)

	link.RegisterRx(rtr.HandleMeshRequest, rtr.HandleMeshEvent)

	br.SetRouter(rtr)
	br.SetConfigApplier(applier)
	br.SetRole(link)
	br.SetRootObserver(link)

	s.device = device
	s.link = link
	s.bridge = br
	s.router = rtr
	s.applier = applier
}

// processRebooter restarts the node by exiting the process under a
// supervisor. There is no esp_restart equivalent for a Go service; the
// supervisor (systemd, a container runtime) is expected to restart it,
// which re-runs Start against the config Apply already persisted.
type processRebooter struct {
	logger *zap.Logger
}

func (r *processRebooter) Reboot() {
	r.logger.Warn("rebooting: exiting process for supervisor restart")
	time.Sleep(50 * time.Millisecond)
	os.Exit(0)
}
