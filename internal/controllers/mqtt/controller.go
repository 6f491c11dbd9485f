package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/procwise/pidloop/internal/loop"
	"github.com/procwise/pidloop/internal/pid"
	"github.com/procwise/pidloop/internal/ports"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration

	Username string
	Password string
}

type Controller struct {
	svc ports.LoopService
	cfg Config

	client mqtt.Client
}

func New(svc ports.LoopService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "pidloop/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pidloop-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		// Subscribe to all set commands under BaseTopic.
		topic := c.topic("set/+")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		// If subscribe fails, paho exposes token.Error().
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Publish loop: publish snapshot on interval, and only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	var last loop.Snapshot
	first := true

	// publish immediately once
	c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			cur := c.svc.Get()
			if first || !reflect.DeepEqual(cur, last) {
				c.publishSnapshot()
				last = cur
				first = false
			}
		}
	}
}

func (c *Controller) publishSnapshot() {
	s := c.svc.Get()
	dto := snapshotDTO{
		ProcessValue:    s.ProcessValue,
		Setpoint:        s.Setpoint,
		Tieback:         s.Tieback,
		Output:          s.Output,
		Manual:          s.Manual,
		Kp:              s.Gains.Kp,
		Ki:              s.Gains.Ki,
		Kd:              s.Gains.Kd,
		Deadband:        s.Deadband,
		DeadbandOn:      s.DeadbandOn,
		MinIntervalUsec: s.MinInterval,
	}
	b, _ := json.Marshal(dto)
	c.client.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
}

type snapshotDTO struct {
	ProcessValue    float64 `json:"process_value"`
	Setpoint        float64 `json:"setpoint"`
	Tieback         float64 `json:"tieback"`
	Output          float64 `json:"output"`
	Manual          bool    `json:"manual"`
	Kp              float64 `json:"kp"`
	Ki              float64 `json:"ki"`
	Kd              float64 `json:"kd"`
	Deadband        float64 `json:"deadband"`
	DeadbandOn      bool    `json:"deadband_enabled"`
	MinIntervalUsec uint64  `json:"min_interval_us"`
}

type gainsReq struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

type limitsReq struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

type deadbandReq struct {
	Deadband float64 `json:"deadband"`
	Enabled  bool    `json:"enabled"`
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field>
	t := msg.Topic()
	prefix := c.cfg.BaseTopic + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	field := strings.TrimPrefix(t, prefix)

	payload := msg.Payload()

	// Dispatch by field
	switch field {
	case "setpoint":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetSetpoint(v)

	case "process_value":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return
		}
		c.svc.SetProcessValue(v)

	case "tieback":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return
		}
		c.svc.SetTieback(v)

	case "manual":
		v, err := decodeValueStrict[bool](payload)
		if err != nil {
			return
		}
		c.svc.SetManual(v)

	case "gains":
		g, err := decodeValueStrict[gainsReq](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetGains(pid.Gains{Kp: g.Kp, Ki: g.Ki, Kd: g.Kd})

	case "deadband":
		d, err := decodeValueStrict[deadbandReq](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetDeadband(d.Deadband, d.Enabled)

	case "output_limits":
		l, err := decodeValueStrict[limitsReq](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetOutputLimits(l.Low, l.High)

	case "setpoint_limits":
		l, err := decodeValueStrict[limitsReq](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetSetpointLimits(l.Low, l.High)

	case "process_limits":
		l, err := decodeValueStrict[limitsReq](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetProcessLimits(l.Low, l.High)

	case "min_interval":
		v, err := decodeValueStrict[uint64](payload)
		if err != nil {
			return
		}
		_ = c.svc.SetMinInterval(v)
	}
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
