//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	mqttBufSize = 512
)

// Pre-allocated buffers for memory efficiency
var (
	mqttRxBuf   [mqttBufSize]byte
	mqttTxBuf   [1024]byte
	mqttUserBuf [mqttBufSize]byte
)

// MQTT publish flags (QoS0, not retained, not dup)
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// mqttStatus publishes report payloads to <clientid>/ota/status. The broker
// session is opened lazily and reopened after any failure.
type mqttStatus struct {
	stack    *xnet.StackAsync
	broker   netip.AddrPort
	clientID string
	topic    []byte
	logger   *slog.Logger

	mu     sync.Mutex
	conn   tcp.Conn
	client *mqtt.Client
	open   bool
}

func newMQTTStatus(stack *xnet.StackAsync, broker netip.AddrPort, clientID string, logger *slog.Logger) *mqttStatus {
	return &mqttStatus{
		stack:    stack,
		broker:   broker,
		clientID: clientID,
		topic:    []byte(clientID + "/ota/status"),
		logger:   logger,
		client: mqtt.NewClient(mqtt.ClientConfig{
			Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
		}),
	}
}

func (m *mqttStatus) Publish(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open && !m.client.IsConnected() {
		m.closeLocked()
	}
	if !m.open {
		if err := m.connectLocked(); err != nil {
			return err
		}
	}
	m.conn.SetDeadline(time.Now().Add(mqttTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        m.topic,
		PacketIdentifier: uint16(m.stack.Prand32()),
	}
	if err := m.client.PublishPayload(pubFlags, pubVar, payload); err != nil {
		m.logger.Warn("mqtt:publish-failed", slog.String("err", err.Error()))
		m.closeLocked()
		return err
	}
	return nil
}

func (m *mqttStatus) connectLocked() error {
	err := m.conn.Configure(tcp.ConnConfig{
		RxBuf:             mqttRxBuf[:],
		TxBuf:             mqttTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	// Random suffix avoids session takeover between reboots.
	clientID := make([]byte, 0, 48)
	clientID = append(clientID, m.clientID...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(m.stack.Prand32()))
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(clientID)

	lport := uint16(m.stack.Prand32()>>17) + 1024
	m.logger.Info("mqtt:dialing", slog.String("broker", m.broker.String()))
	rstack := m.stack.StackRetrying(5 * time.Millisecond)
	if err = rstack.DoDialTCP(&m.conn, lport, m.broker, mqttTimeout, mqttRetries); err != nil {
		m.logger.Error("mqtt:dial-failed", slog.String("err", err.Error()))
		m.closeLocked()
		return err
	}

	m.conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err = m.client.StartConnect(&m.conn, &varconn); err != nil {
		m.logger.Error("mqtt:start-connect-failed", slog.String("err", err.Error()))
		m.closeLocked()
		return err
	}
	for retries := 50; retries > 0 && !m.client.IsConnected(); retries-- {
		time.Sleep(100 * time.Millisecond)
		if err := m.client.HandleNext(); err != nil {
			m.logger.Warn("mqtt:handle-next", slog.String("err", err.Error()))
		}
	}
	if !m.client.IsConnected() {
		m.logger.Error("mqtt:connect-timeout")
		m.closeLocked()
		return errors.New("mqtt connect timeout")
	}
	m.open = true
	m.logger.Info("mqtt:connected", slog.String("topic", string(m.topic)))
	return nil
}

func (m *mqttStatus) closeLocked() {
	if m.open && m.client.IsConnected() {
		m.client.Disconnect(errors.New("session closed"))
	}
	m.open = false
	m.conn.Close()
	for i := 0; i < 20 && !m.conn.State().IsClosed(); i++ {
		time.Sleep(50 * time.Millisecond)
	}
	m.conn.Abort()
	m.stack.DiscardResolveHardwareAddress6(m.broker.Addr())
}
