package mqtingestor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.IngestorService/client"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	api_models "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models/api"
)

// ErrorTopicPrefix is where forwarding failures are reported back to devices
const ErrorTopicPrefix = "ingestor/errors/"

// Forwarder delivers one validated reading to the API Service
type Forwarder interface {
	SubmitReading(ctx context.Context, cmd api_models.IngestCommand) (*api_models.IngestResponse, error)
}

type queuedReading struct {
	topic string
	cmd   api_models.IngestCommand
}

// Stats counts what the ingestor did with received messages
type Stats struct {
	Received  int64 `json:"received"`
	Forwarded int64 `json:"forwarded"`
	Invalid   int64 `json:"invalid"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

type Ingestor struct {
	cfg        config.MQTTConfig
	forwarder  Forwarder
	mqttClient mqtt.Client
	logger     *logger.Logger

	mu     sync.RWMutex
	closed bool
	msgCh  chan queuedReading
	wg     sync.WaitGroup

	received  atomic.Int64
	forwarded atomic.Int64
	invalid   atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func New(cfg config.MQTTConfig, queueSize int, forwarder Forwarder, log *logger.Logger) *Ingestor {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Ingestor{
		cfg:       cfg,
		forwarder: forwarder,
		msgCh:     make(chan queuedReading, queueSize),
		logger:    log.WithComponent("mqtt_ingestor"),
	}
}

// Subscription returns the topic filter, with the shared-subscription
// prefix when a group is configured
func (i *Ingestor) Subscription() string {
	if i.cfg.SharedGroup != "" {
		return fmt.Sprintf("$share/%s/%s", i.cfg.SharedGroup, i.cfg.Topic)
	}
	return i.cfg.Topic
}

func (i *Ingestor) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(i.brokerURL()).
		SetClientID(i.cfg.ClientID).
		SetOrderMatters(true).
		SetKeepAlive(i.cfg.KeepAlive).
		SetPingTimeout(i.cfg.PingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false)

	if i.cfg.BrokerUser != "" {
		opts.SetUsername(i.cfg.BrokerUser)
		opts.SetPassword(i.cfg.BrokerPass)
	}

	if i.cfg.UseTLS {
		tlsCfg, err := i.tlsConfig(i.cfg.CACertPath)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		i.logger.WarnWithError(err, "MQTT connection lost")
	}
	opts.OnConnect = func(c mqtt.Client) {
		topic := i.Subscription()
		i.logger.WithField("topic", topic).Info("MQTT connected, subscribing to topic")
		if token := c.Subscribe(topic, 1, i.onMessage); token.Wait() && token.Error() != nil {
			i.logger.WithField("topic", topic).ErrorWithError(token.Error(), "Failed to subscribe to MQTT topic")
		}
	}

	i.mqttClient = mqtt.NewClient(opts)
	if tk := i.mqttClient.Connect(); tk.WaitTimeout(30*time.Second) && tk.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", tk.Error())
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.forwardLoop(ctx)
	}()

	return nil
}

// Stop disconnects from the broker and waits for queued readings to be
// forwarded. It is safe to call more than once.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	close(i.msgCh)
	i.mu.Unlock()

	i.wg.Wait()

	if i.mqttClient != nil && i.mqttClient.IsConnected() {
		i.mqttClient.Disconnect(500)
	}
}

func (i *Ingestor) IsConnected() bool {
	return i.mqttClient != nil && i.mqttClient.IsConnected()
}

func (i *Ingestor) Stats() Stats {
	return Stats{
		Received:  i.received.Load(),
		Forwarded: i.forwarded.Load(),
		Invalid:   i.invalid.Load(),
		Rejected:  i.rejected.Load(),
		Failed:    i.failed.Load(),
		Dropped:   i.dropped.Load(),
	}
}

// QueueDepth is the number of readings waiting to be forwarded
func (i *Ingestor) QueueDepth() int {
	return len(i.msgCh)
}

// topicDeviceID extracts <device_id> from sensors/<device_id>[/...]
func topicDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// decodeMessage validates a payload, filling the device id from the topic
// when the payload carries none
func decodeMessage(topic string, payload []byte) (api_models.IngestCommand, error) {
	var req api_models.IngestRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return api_models.IngestCommand{}, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if len(req.DeviceID) == 0 && len(req.ID) == 0 {
		if id := topicDeviceID(topic); id != "" {
			req.DeviceID = json.RawMessage(strconv.Quote(id))
		}
	}
	return req.Validate()
}

// onMessage runs on the paho router and must not block
func (i *Ingestor) onMessage(_ mqtt.Client, m mqtt.Message) {
	i.received.Add(1)
	i.logger.WithField("topic", m.Topic()).Debug("Received MQTT message")

	cmd, err := decodeMessage(m.Topic(), m.Payload())
	if err != nil {
		i.invalid.Add(1)
		id := topicDeviceID(m.Topic())
		i.logger.WithDevice(id).WarnWithError(err, "Discarding invalid reading")
		i.publishError(id, "invalid_payload", err.Error())
		return
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return
	}

	select {
	case i.msgCh <- queuedReading{topic: m.Topic(), cmd: cmd}:
	default:
		i.dropped.Add(1)
		i.logger.WithDevice(cmd.DeviceID).Warn("Forward queue full, dropping reading")
		i.publishError(cmd.DeviceID, "queue_full", "ingestor queue is full, reading dropped")
	}
}

// forwardLoop sends queued readings to the API one at a time, preserving
// arrival order
func (i *Ingestor) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rd, ok := <-i.msgCh:
			if !ok {
				return
			}
			i.forward(ctx, rd)
		}
	}
}

func (i *Ingestor) forward(ctx context.Context, rd queuedReading) {
	log := i.logger.WithDevice(rd.cmd.DeviceID)

	if _, err := i.forwarder.SubmitReading(ctx, rd.cmd); err != nil {
		if client.IsPermanent(err) {
			i.rejected.Add(1)
			log.WarnWithError(err, "API Service rejected reading")
			i.publishError(rd.cmd.DeviceID, "rejected", err.Error())
			return
		}
		i.failed.Add(1)
		log.ErrorWithError(err, "Failed to forward reading to API Service")
		i.publishError(rd.cmd.DeviceID, "forward_failed", err.Error())
		return
	}

	i.forwarded.Add(1)
	log.Debug("Forwarded reading")
}

func (i *Ingestor) brokerURL() string {
	scheme := "tcp"
	if i.cfg.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.cfg.BrokerHost, i.cfg.BrokerPort)
}

func (i *Ingestor) tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file")
	}
	cfg.RootCAs = cp
	return cfg, nil
}

// publishError reports a failure on ingestor/errors/<device_id>. It does not
// wait for the broker, so it is safe to call from the message handler.
func (i *Ingestor) publishError(deviceID, errorType, message string) {
	if i.mqttClient == nil || !i.mqttClient.IsConnected() {
		return
	}
	if deviceID == "" {
		deviceID = "unknown"
	}

	payloadJSON, err := json.Marshal(map[string]interface{}{
		"error_type": errorType,
		"message":    message,
		"device_id":  deviceID,
		"timestamp":  time.Now().UTC(),
	})
	if err != nil {
		i.logger.ErrorWithError(err, "Failed to marshal error payload")
		return
	}

	errorTopic := ErrorTopicPrefix + deviceID
	token := i.mqttClient.Publish(errorTopic, 1, false, payloadJSON)

	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			i.logger.WithField("topic", errorTopic).ErrorWithError(token.Error(), "Failed to publish error")
		}
	}()
}
