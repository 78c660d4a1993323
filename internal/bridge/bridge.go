// Package bridge implements the MQTT-facing edge of a node: broker
// connect/reconnect, the root-vs-leaf subscription split, inbound
// Cmd/Set and Config/Set routing, retained online/offline LWT, and a
// bounded offline publish queue flushed on reconnect. Everything it
// calls into (the parser, the router, config apply) is reached through
// narrow interfaces so this package owns only the broker conversation.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/cmdmsg"
	"github.com/fernwood-iot/meshnode/internal/mesh"
	"github.com/fernwood-iot/meshnode/internal/nodecfg"
	"github.com/fernwood-iot/meshnode/internal/parser"
)

// DefaultOfflineQueueCapacity and DefaultOfflineQueueTTL are the
// offline-queue defaults.
const (
	DefaultOfflineQueueCapacity = 16
	DefaultOfflineQueueTTL      = 30 * time.Second
	defaultConnectTimeout       = 10 * time.Second
	defaultQoS                  = 1

	// DevicePrefix is the default Devices/* topic root, matching
	// router.DevicePrefix.
	DevicePrefix = "Devices"
)

// CommandRouter is the subset of router.Router the bridge drives for
// inbound commands. router.Router satisfies this directly.
type CommandRouter interface {
	HandleCommand(msg cmdmsg.Message)
}

// ConfigApplier applies a validated config patch destined for this
// node. internal/cfgapply.Applier satisfies this.
type ConfigApplier interface {
	Apply(patch nodecfg.Patch) error
}

// RoleProvider reports whether this node currently holds the root
// role, which governs the subscription set chosen on connect.
type RoleProvider interface {
	IsRoot() bool
}

// RootObserver refreshes a foreign root's seen-timestamp; mesh.Link
// satisfies this via ObserveRootCurrent.
type RootObserver interface {
	ObserveRootCurrent(root mesh.MAC)
}

// Config configures a Bridge.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	LocalDevice string
	Prefix      string // default DevicePrefix if empty

	OfflineQueueCapacity int
	OfflineQueueTTL      time.Duration
}

// Bridge is the MQTT-facing edge of one node.
type Bridge struct {
	cfg    Config
	logger *zap.Logger

	router        CommandRouter
	configApplier ConfigApplier
	role          RoleProvider
	rootObserver  RootObserver

	mu        sync.Mutex
	client    mqtt.Client
	connected bool
	outbox    *outbox
}

// SetRouter wires the command router in after construction, for the
// common case where the router itself depends on the bridge as its
// Publisher and so cannot exist before New is called. Must be called
// before Connect; the bridge does not synchronize against concurrent
// message delivery while wiring up.
func (b *Bridge) SetRouter(router CommandRouter) {
	b.router = router
}

// SetConfigApplier wires the config applier in after construction, for
// the same forward-reference reason as SetRouter.
func (b *Bridge) SetConfigApplier(configApplier ConfigApplier) {
	b.configApplier = configApplier
}

// SetRole wires the role provider in after construction; a mesh.Link
// satisfies this once constructed with this bridge as its Publisher.
func (b *Bridge) SetRole(role RoleProvider) {
	b.role = role
}

// SetRootObserver wires the root observer in after construction, for the
// same forward-reference reason as SetRouter.
func (b *Bridge) SetRootObserver(rootObserver RootObserver) {
	b.rootObserver = rootObserver
}

// New constructs a Bridge. Any of router/configApplier/role/rootObserver
// may be nil at construction and wired in later via the Set* methods,
// which every node using this package needs: the router needs the
// bridge as its Publisher, the applier needs it as both Publisher and
// the mesh link's HelloEmitter, and the mesh link needs it as its
// RetainedPublisher before it can report IsRoot.
func New(logger *zap.Logger, cfg Config, router CommandRouter, configApplier ConfigApplier, role RoleProvider, rootObserver RootObserver) *Bridge {
	if cfg.Prefix == "" {
		cfg.Prefix = DevicePrefix
	}
	return &Bridge{
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "bridge")),
		router:        router,
		configApplier: configApplier,
		role:          role,
		rootObserver:  rootObserver,
		outbox:        newOutbox(cfg.OfflineQueueCapacity, cfg.OfflineQueueTTL, time.Now),
	}
}

// Connect establishes the broker connection, installing the LWT and
// reconnect handlers. It blocks until the initial connect attempt
// settles or defaultConnectTimeout elapses.
func (b *Bridge) Connect(_ context.Context) error {
	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("meshnode-%s-%d", b.cfg.LocalDevice, time.Now().UnixNano())
	}

	willTopic := b.statusTopic()
	willPayload, err := json.Marshal(map[string]interface{}{"status": "offline"})
	if err != nil {
		return fmt.Errorf("bridge: marshal LWT payload: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(willTopic, string(willPayload), defaultQoS, true).
		SetConnectionLostHandler(b.onConnectionLost).
		SetOnConnectHandler(b.onConnect)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("bridge: connect timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("bridge: connect: %w", token.Error())
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	return nil
}

// Close disconnects from the broker after publishing a retained
// offline status, matching the online status published on connect.
func (b *Bridge) Close() error {
	b.mu.Lock()
	client := b.client
	b.connected = false
	b.mu.Unlock()

	if client == nil {
		return nil
	}

	payload, _ := json.Marshal(map[string]interface{}{"status": "offline"})
	token := client.Publish(b.statusTopic(), defaultQoS, true, payload)
	token.WaitTimeout(2 * time.Second)

	client.Disconnect(500)
	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info("connected to broker", zap.String("broker", b.cfg.Broker))

	for _, topic := range b.subscriptionTopics() {
		if token := client.Subscribe(topic, defaultQoS, b.messageHandler); token.Wait() && token.Error() != nil {
			b.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}

	rootCurrentTopic := "Mesh/+/Root/Current/+"
	if token := client.Subscribe(rootCurrentTopic, defaultQoS, b.rootCurrentHandler); token.Wait() && token.Error() != nil {
		b.logger.Error("subscribe failed", zap.String("topic", rootCurrentTopic), zap.Error(token.Error()))
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	if err := b.publishRetained(b.statusTopic(), map[string]interface{}{"status": "online"}); err != nil {
		b.logger.Error("publish online status", zap.Error(err))
	}

	b.flushOutbox()
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.logger.Warn("connection lost", zap.Error(err))
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
}

// subscriptionTopics returns the Cmd/Set and Config/Set subscription
// set for this node's current role: a wildcard-device set at root, a
// single-device set at a leaf.
func (b *Bridge) subscriptionTopics() []string {
	if b.role != nil && b.role.IsRoot() {
		return []string{
			fmt.Sprintf("%s/+/Cmd/Set", b.cfg.Prefix),
			fmt.Sprintf("%s/+/Config/Set", b.cfg.Prefix),
		}
	}
	return []string{
		fmt.Sprintf("%s/%s/Cmd/Set", b.cfg.Prefix, b.cfg.LocalDevice),
		fmt.Sprintf("%s/%s/Config/Set", b.cfg.Prefix, b.cfg.LocalDevice),
	}
}

func (b *Bridge) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	switch {
	case strings.HasSuffix(topic, "/Cmd/Set"):
		b.handleCmdSet(topic, payload)
	case strings.HasSuffix(topic, "/Config/Set"):
		b.handleConfigSet(topic, payload)
	default:
		b.logger.Debug("ignoring unrecognized topic", zap.String("topic", topic))
	}
}

func (b *Bridge) handleCmdSet(topic string, payload []byte) {
	if b.router == nil {
		return
	}
	meta := parser.Meta{
		Source:        cmdmsg.SourceMQTT,
		TopicHint:     topic,
		RxTimestampMs: uint64(time.Now().UnixMilli()),
	}
	result, perr := parser.Parse(payload, meta)
	if perr != nil {
		b.logger.Warn("command parse failed", zap.String("topic", topic), zap.Error(perr))
		return
	}
	for _, key := range result.UnknownKeys {
		b.logger.Debug("unknown command key", zap.String("topic", topic), zap.String("key", key))
	}
	b.router.HandleCommand(result.Message)
}

// handleConfigSet applies a Config JSON patch destined for this node,
// or forwards it verbatim to the target device's Config/Set topic when
// target_dev names another node.
func (b *Bridge) handleConfigSet(topic string, payload []byte) {
	patch, err := nodecfg.ParsePatch(payload)
	if err != nil {
		b.logger.Warn("config patch parse failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	if patch.TargetDev != "" && patch.TargetDev != b.cfg.LocalDevice {
		forwardTopic := fmt.Sprintf("%s/%s/Config/Set", b.cfg.Prefix, patch.TargetDev)
		if err := b.Publish(forwardTopic, false, payload); err != nil {
			b.logger.Error("forward config failed", zap.String("topic", forwardTopic), zap.Error(err))
		}
		return
	}

	if b.configApplier == nil {
		b.logger.Warn("no config applier wired; dropping config patch", zap.String("topic", topic))
		return
	}
	if err := b.configApplier.Apply(patch); err != nil {
		b.logger.Error("config apply failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *Bridge) rootCurrentHandler(_ mqtt.Client, msg mqtt.Message) {
	if b.rootObserver == nil {
		return
	}
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) == 0 {
		return
	}
	macStr := parts[len(parts)-1]
	mac, err := mesh.ParseMAC(macStr)
	if err != nil {
		b.logger.Debug("ignoring malformed root-current topic", zap.String("topic", msg.Topic()))
		return
	}
	b.rootObserver.ObserveRootCurrent(mac)
}

// Publish implements router.Publisher: publish while connected, else
// enqueue into the bounded offline outbox for a later reconnect flush.
func (b *Bridge) Publish(topic string, retained bool, payload []byte) error {
	b.mu.Lock()
	client := b.client
	connected := b.connected
	b.mu.Unlock()

	if !connected || client == nil {
		if dropped := b.outbox.Enqueue(topic, retained, payload); dropped {
			b.logger.Warn("offline queue full, dropped oldest entry", zap.String("topic", topic))
		}
		return nil
	}

	token := client.Publish(topic, defaultQoS, retained, payload)
	token.Wait()
	return token.Error()
}

func (b *Bridge) publishRetained(topic string, doc map[string]interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Publish(topic, true, raw)
}

// PublishRetained and ClearRetained satisfy mesh.RetainedPublisher, the
// narrow broker surface the root lifecycle worker needs for its retained
// Route/Current publications.
func (b *Bridge) PublishRetained(topic string, payload []byte) error {
	return b.Publish(topic, true, payload)
}

// ClearRetained removes a retained message by publishing an empty
// retained payload to the same topic, the standard MQTT idiom for
// clearing retention.
func (b *Bridge) ClearRetained(topic string) error {
	return b.Publish(topic, true, nil)
}

// flushOutbox drains the offline queue in FIFO order. A transport
// failure aborts the flush, requeueing the failed entry and everything
// still unattempted so the whole remainder retries on the next
// reconnect.
func (b *Bridge) flushOutbox() {
	entries := b.outbox.Drain()
	for i, entry := range entries {
		b.mu.Lock()
		client := b.client
		b.mu.Unlock()
		if client == nil {
			b.requeueRemainder(entries[i:])
			return
		}
		token := client.Publish(entry.topic, defaultQoS, entry.retained, entry.payload)
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("offline queue flush timed out; requeueing remainder", zap.String("topic", entry.topic))
			b.requeueRemainder(entries[i:])
			return
		}
		if token.Error() != nil {
			b.logger.Warn("offline queue flush failed; requeueing remainder", zap.String("topic", entry.topic), zap.Error(token.Error()))
			b.requeueRemainder(entries[i:])
			return
		}
	}
}

func (b *Bridge) requeueRemainder(remaining []outboxEntry) {
	for _, e := range remaining {
		b.outbox.Enqueue(e.topic, e.retained, e.payload)
	}
}

func (b *Bridge) statusTopic() string {
	return fmt.Sprintf("%s/%s/Status", b.cfg.Prefix, b.cfg.LocalDevice)
}
