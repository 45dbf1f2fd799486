package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/bort-os/bort/internal/audit"
	"github.com/bort-os/bort/internal/config"
)

// publisher is the subset of the connection manager the sink uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Sink implements [audit.Sink] over MQTT.
type Sink struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	capUSD     float64
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	pub        publisher
}

// New creates a Sink but does not connect. capUSD seeds the daily_cap
// sensor.
func New(cfg config.MQTTConfig, instanceID string, capUSD float64, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		capUSD:     capUSD,
		logger:     logger,
	}
}

// Connect dials the broker and waits up to the configured timeout for
// the first connection. autopaho keeps reconnecting in the background
// until ctx ends or [Sink.Close] is called.
func (s *Sink) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			s.publishDiscovery(ctx, cm)
			s.publishAvailability(ctx, cm, "online")
			s.publishState(ctx, cm, "daily_cap", formatUSD(s.capUSD))
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "bort-" + s.cfg.DeviceName + "-" + s.instanceID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm, s.pub = cm, cm

	timeout := time.Duration(s.cfg.ConnectTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("mqtt broker unreachable within %s: %w", timeout, err)
	}
	return nil
}

// Close publishes "offline" and disconnects.
func (s *Sink) Close(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishAvailability(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

// Record implements [audit.Sink]. High-sensitivity events are reduced
// to their kind and hat.
func (s *Sink) Record(ctx context.Context, ev audit.Event) error {
	if s.pub == nil {
		return errors.New("mqtt sink not connected")
	}
	if ev.DataSensitivity == "high" {
		ev.Lines = []string{audit.HighSensitivityLine}
		ev.Fields = nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if _, err := s.pub.Publish(ctx, &paho.Publish{
		Topic:   s.eventTopic(ev.Kind),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}

	if ev.Kind == audit.KindSpend {
		if v, ok := ev.Fields["spendTodayUsd"].(float64); ok {
			s.publishState(ctx, s.pub, "spend_today", formatUSD(v))
		}
		if v, ok := ev.Fields["capUsd"].(float64); ok {
			s.publishState(ctx, s.pub, "daily_cap", formatUSD(v))
		}
	}
	return nil
}

// PublishStatus pushes the current spend and cap sensor states.
func (s *Sink) PublishStatus(ctx context.Context, spendUSD, capUSD float64) {
	if s.pub == nil {
		return
	}
	s.publishState(ctx, s.pub, "spend_today", formatUSD(spendUSD))
	s.publishState(ctx, s.pub, "daily_cap", formatUSD(capUSD))
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// --- Topic helpers ---

func (s *Sink) baseTopic() string {
	return "bort/" + s.cfg.DeviceName
}

func (s *Sink) availabilityTopic() string {
	return s.baseTopic() + "/availability"
}

func (s *Sink) eventTopic(kind string) string {
	if kind == "" {
		kind = "other"
	}
	return s.baseTopic() + "/events/" + kind
}

func (s *Sink) stateTopic(entity string) string {
	return s.baseTopic() + "/" + entity + "/state"
}

func (s *Sink) discoveryTopic(component, entity string) string {
	return s.cfg.DiscoveryPrefix + "/" + component + "/" + s.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (s *Sink) sensorDefinitions() []sensorDef {
	avail := s.availabilityTopic()
	money := func(suffix, name, icon, stateClass string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              s.device.Name + " " + name,
				UniqueID:          s.instanceID + "_" + suffix,
				StateTopic:        s.stateTopic(suffix),
				AvailabilityTopic: avail,
				Device:            s.device,
				Icon:              icon,
				UnitOfMeasurement: "USD",
				DeviceClass:       "monetary",
				StateClass:        stateClass,
			},
		}
	}
	return []sensorDef{
		money("spend_today", "X Spend Today", "mdi:cash-clock", "total"),
		money("daily_cap", "X Daily Cap", "mdi:cash-lock", ""),
	}
}

func (s *Sink) publishDiscovery(ctx context.Context, pub publisher) {
	for _, d := range s.sensorDefinitions() {
		topic := s.discoveryTopic("sensor", d.entitySuffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			s.logger.Error("mqtt marshal discovery payload", "entity", d.entitySuffix, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			s.logger.Warn("mqtt discovery publish failed", "entity", d.entitySuffix, "topic", topic, "error", err)
		} else {
			s.logger.Debug("mqtt discovery published", "entity", d.entitySuffix, "topic", topic)
		}
	}
}

func (s *Sink) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (s *Sink) publishState(ctx context.Context, pub publisher, entity, value string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   s.stateTopic(entity),
		Payload: []byte(value),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		s.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
	}
}
