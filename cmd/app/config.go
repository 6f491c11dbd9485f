package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/procwise/pidloop/internal/loop"
	"github.com/procwise/pidloop/internal/pid"
)

const envPrefix = "PIDLOOP_"

type Config struct {
	DeviceID    string `koanf:"device_id"`
	Controllers struct {
		HTTP   HTTPConfig   `koanf:"http"`
		MQTT   MQTTConfig   `koanf:"mqtt"`
		Modbus ModbusConfig `koanf:"modbus"`
	} `koanf:"controllers"`

	Loop  LoopConfig  `koanf:"loop"`
	Plant PlantConfig `koanf:"plant"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled"`
	BrokerURL       string        `koanf:"broker_url"`
	ClientID        string        `koanf:"client_id"`
	BaseTopic       string        `koanf:"base_topic"`
	QoS             byte          `koanf:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	UnitID  byte   `koanf:"unit_id"`
}

// LoopConfig is deliberately flat (no nested gains/limits sections) so every
// key maps to a single PIDLOOP_LOOP_* environment variable.
type LoopConfig struct {
	Interval time.Duration `koanf:"interval"`

	ProcessValue float64 `koanf:"process_value"`
	Setpoint     float64 `koanf:"setpoint"`
	Tieback      float64 `koanf:"tieback"`
	Manual       bool    `koanf:"manual"`

	Kp float64 `koanf:"kp"`
	Ki float64 `koanf:"ki"`
	Kd float64 `koanf:"kd"`

	Deadband   float64 `koanf:"deadband"`
	DeadbandOn bool    `koanf:"deadband_enabled"`

	// nil means unbounded on that side
	ProcessLow   *float64 `koanf:"process_low"`
	ProcessHigh  *float64 `koanf:"process_high"`
	SetpointLow  *float64 `koanf:"setpoint_low"`
	SetpointHigh *float64 `koanf:"setpoint_high"`
	OutputLow    *float64 `koanf:"output_low"`
	OutputHigh   *float64 `koanf:"output_high"`

	MinIntervalUs uint64 `koanf:"min_interval_us"`
}

type PlantConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Gain         float64       `koanf:"gain"`
	TimeConstant float64       `koanf:"time_constant"` // seconds
	Ambient      float64       `koanf:"ambient"`
	Interval     time.Duration `koanf:"interval"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.DeviceID = "default"

	cfg.Controllers.HTTP.Enabled = true
	cfg.Controllers.HTTP.Addr = ":8080"

	cfg.Controllers.MQTT.BrokerURL = "tcp://localhost:1883"
	cfg.Controllers.MQTT.PublishInterval = 1 * time.Second

	cfg.Controllers.Modbus.Addr = "127.0.0.1:1502"
	cfg.Controllers.Modbus.UnitID = 1

	cfg.Loop.Interval = 100 * time.Millisecond
	cfg.Loop.Manual = true
	cfg.Loop.MinIntervalUs = pid.DefaultMinInterval

	cfg.Plant.Gain = 1
	cfg.Plant.TimeConstant = 10
	cfg.Plant.Interval = 100 * time.Millisecond

	return cfg
}

// LoadConfig layers defaults, an optional yaml/json file, and PIDLOOP_*
// environment variables, in that order of precedence (later wins).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			// Config file missing → use defaults
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, envPrefix)), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// envKeyTransform maps an env var name (prefix already stripped) onto the
// dotted config key space. Section names get a dot after them; the rest of the
// key keeps its underscores: CONTROLLERS_HTTP_ADDR -> controllers.http.addr,
// LOOP_MIN_INTERVAL_US -> loop.min_interval_us.
func envKeyTransform(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return ""
	}

	parts := strings.Split(key, "_")
	switch parts[0] {
	case "controllers":
		if len(parts) >= 3 {
			return "controllers." + parts[1] + "." + strings.Join(parts[2:], "_")
		}
	case "loop", "plant":
		if len(parts) >= 2 {
			return parts[0] + "." + strings.Join(parts[1:], "_")
		}
	}
	return key
}

// Snapshot converts the loop section into the controller's initial state.
func (c Config) Snapshot() loop.Snapshot {
	return loop.Snapshot{
		ProcessValue:   c.Loop.ProcessValue,
		Setpoint:       c.Loop.Setpoint,
		Tieback:        c.Loop.Tieback,
		Manual:         c.Loop.Manual,
		Gains:          pid.Gains{Kp: c.Loop.Kp, Ki: c.Loop.Ki, Kd: c.Loop.Kd},
		Deadband:       c.Loop.Deadband,
		DeadbandOn:     c.Loop.DeadbandOn,
		ProcessLimits:  boundsOf(c.Loop.ProcessLow, c.Loop.ProcessHigh),
		SetpointLimits: boundsOf(c.Loop.SetpointLow, c.Loop.SetpointHigh),
		OutputLimits:   boundsOf(c.Loop.OutputLow, c.Loop.OutputHigh),
		MinInterval:    c.Loop.MinIntervalUs,
	}
}

func (c Config) PlantParams() loop.PlantParams {
	return loop.PlantParams{
		Gain:         c.Plant.Gain,
		TimeConstant: c.Plant.TimeConstant,
		Ambient:      c.Plant.Ambient,
	}
}

func boundsOf(low, high *float64) pid.Limits {
	l := pid.Unbounded()
	if low != nil {
		l.Low = *low
	}
	if high != nil {
		l.High = *high
	}
	return l
}
