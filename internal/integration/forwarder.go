package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/config"
)

// ForwarderService 将会话与设备状态变更推送到外部系统
type ForwarderService struct {
	nc  *nats.Conn
	cfg config.IntegrationConfig

	mqttClient mqtt.Client
	httpClient *http.Client

	subs []*nats.Subscription
}

// NewForwarderService 创建转发服务
func NewForwarderService(nc *nats.Conn, cfg config.IntegrationConfig) *ForwarderService {
	return &ForwarderService{
		nc:  nc,
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTP.Timeout,
		},
	}
}

// Enabled reports whether any fan-out target is configured
func (s *ForwarderService) Enabled() bool {
	return s.cfg.HTTP.Enabled || s.cfg.MQTT.Enabled
}

// Start 启动转发服务
func (s *ForwarderService) Start(ctx context.Context) error {
	if s.cfg.MQTT.Enabled {
		if err := s.connectMQTT(); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
	}

	// 订阅闭合会话
	sub, err := s.nc.Subscribe("session.closed", s.handleSessionClosed)
	if err != nil {
		return fmt.Errorf("subscribe session.closed: %w", err)
	}
	s.subs = append(s.subs, sub)

	// 订阅设备状态变更
	subStatus, err := s.nc.Subscribe("device.*.status", s.handleDeviceStatus)
	if err != nil {
		return fmt.Errorf("subscribe device status: %w", err)
	}
	s.subs = append(s.subs, subStatus)

	// 订阅设备注册事件
	subEnrolled, err := s.nc.Subscribe("device.*.enrolled", s.handleDeviceEnrolled)
	if err != nil {
		return fmt.Errorf("subscribe device enrolled: %w", err)
	}
	s.subs = append(s.subs, subEnrolled)

	log.Info().
		Bool("http", s.cfg.HTTP.Enabled).
		Bool("mqtt", s.cfg.MQTT.Enabled).
		Msg("Integration forwarder started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
	}

	return ctx.Err()
}

// connectMQTT 初始化 MQTT 连接
func (s *ForwarderService) connectMQTT() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.MQTT.Broker).
		SetClientID(s.cfg.MQTT.ClientID).
		SetAutoReconnect(true)

	if s.cfg.MQTT.Username != "" {
		opts.SetUsername(s.cfg.MQTT.Username)
		opts.SetPassword(s.cfg.MQTT.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}

	s.mqttClient = client
	return nil
}

// handleSessionClosed 转发闭合会话
func (s *ForwarderService) handleSessionClosed(msg *nats.Msg) {
	s.forward("sessions", msg.Data)
}

// handleDeviceStatus 转发设备状态变更
func (s *ForwarderService) handleDeviceStatus(msg *nats.Msg) {
	s.forward("devices/status", msg.Data)
}

// handleDeviceEnrolled 转发设备注册事件
func (s *ForwarderService) handleDeviceEnrolled(msg *nats.Msg) {
	s.forward("devices/enrolled", msg.Data)
}

// forward 推送一条消息到所有启用的目标
func (s *ForwarderService) forward(topic string, payload []byte) {
	if s.cfg.HTTP.Enabled {
		s.forwardHTTP(topic, payload)
	}
	if s.cfg.MQTT.Enabled {
		s.forwardMQTT(topic, payload)
	}
}

// forwardHTTP POST 到配置的 webhook
func (s *ForwarderService) forwardHTTP(topic string, payload []byte) {
	url := strings.TrimRight(s.cfg.HTTP.Endpoint, "/") + "/" + topic

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.HTTP.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("url", url).
			Msg("Webhook returned non-2xx")
	}
}

// forwardMQTT 发布到 MQTT broker
func (s *ForwarderService) forwardMQTT(topic string, payload []byte) {
	if s.mqttClient == nil || !s.mqttClient.IsConnected() {
		log.Warn().Msg("MQTT client not connected, dropping message")
		return
	}

	fullTopic := s.cfg.MQTT.TopicPrefix + "/" + topic
	token := s.mqttClient.Publish(fullTopic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", fullTopic).Msg("MQTT publish failed")
		}
	}()
}
