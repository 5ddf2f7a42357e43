// Package config loads the library and bridge configuration from
// YAML, applies defaults and validates the result.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
	"github.com/nerrad567/gray-logic-knx/serial"
	"github.com/nerrad567/gray-logic-knx/serial/tpuart"
)

// Config is the root configuration.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Serial   SerialConfig   `yaml:"serial"`
	Routing  RoutingConfig  `yaml:"routing"`
	System   SystemConfig   `yaml:"system"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EndpointConfig selects and parameterizes the KNXnet/IP client
// connection.
type EndpointConfig struct {
	// Server is the KNXnet/IP server, "host:port".
	Server string `yaml:"server"`

	// Transport is "udp", "tcp" or "unix". Default: "udp".
	Transport string `yaml:"transport"`

	// NAT enables NAT-friendly HPAIs on UDP.
	NAT bool `yaml:"nat"`

	// TunnelingLayer is "link", "busmonitor" or "raw".
	// Default: "link".
	TunnelingLayer string `yaml:"tunneling_layer"`
}

// SerialConfig parameterizes the FT1.2 and TP-UART links.
type SerialConfig struct {
	// PortID is the serial device, e.g. "/dev/ttyAMA0".
	PortID string `yaml:"port_id"`

	// BaudRate defaults to 19200.
	BaudRate int `yaml:"baud_rate"`

	// UseCEMI selects cEMI payloads on FT1.2 (EMI2 otherwise).
	UseCEMI bool `yaml:"use_cemi"`

	// AckAddresses are the group addresses the TP-UART link
	// acknowledges on the bus, in "main/middle/sub" form.
	AckAddresses []string `yaml:"ack_addresses"`
}

// RoutingConfig parameterizes the multicast endpoint.
type RoutingConfig struct {
	// Group is the multicast group IP. Default: 224.0.23.12.
	Group string `yaml:"group"`

	// SystemBroadcast enables system-broadcast mode.
	SystemBroadcast bool `yaml:"system_broadcast"`
}

// SystemConfig holds the deliberately process-wide knobs.
type SystemConfig struct {
	// MaxInterByteDelayUS overrides the TP-UART receiver's starting
	// inter-byte timeout, in microseconds.
	MaxInterByteDelayUS int `yaml:"max_inter_byte_delay_us"`

	// UARTBaudRate overrides the TP-UART bit timing.
	UARTBaudRate int `yaml:"uart_baud_rate"`
}

// BridgeConfig parameterizes the knxbridge binary.
type BridgeConfig struct {
	// ID uniquely identifies the bridge instance.
	ID string `yaml:"id"`

	MQTT   MQTTConfig   `yaml:"mqtt"`
	Influx InfluxConfig `yaml:"influx"`

	// Recorder is the SQLite path of the bus-traffic recorder.
	// Empty disables recording.
	Recorder string `yaml:"recorder"`
}

// MQTTConfig holds the broker settings of the bridge.
type MQTTConfig struct {
	// Broker is the MQTT broker URL, e.g. "tcp://localhost:1883".
	Broker string `yaml:"broker"`

	// ClientID defaults to the bridge id.
	ClientID string `yaml:"client_id"`

	// Username and Password are optional credentials.
	// WARNING: never log the password.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// QoS is the MQTT quality-of-service level (0-2).
	QoS byte `yaml:"qos"`

	// TopicPrefix defaults to "graylogic/knx".
	TopicPrefix string `yaml:"topic_prefix"`
}

// InfluxConfig holds the optional telemetry sink of the bridge.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig selects the slog output.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`

	// Format is json or text. Default: json.
	Format string `yaml:"format"`

	// Output is stdout or stderr. Default: stdout.
	Output string `yaml:"output"`
}

// Load reads a YAML configuration file, applies defaults and
// validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Endpoint.Transport == "" {
		c.Endpoint.Transport = "udp"
	}
	if c.Endpoint.TunnelingLayer == "" {
		c.Endpoint.TunnelingLayer = "link"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = serial.DefaultBaudRate
	}
	if c.Routing.Group == "" {
		c.Routing.Group = "224.0.23.12"
	}
	if c.Bridge.ID == "" {
		c.Bridge.ID = "knxbridge"
	}
	if c.Bridge.MQTT.ClientID == "" {
		c.Bridge.MQTT.ClientID = c.Bridge.ID
	}
	if c.Bridge.MQTT.TopicPrefix == "" {
		c.Bridge.MQTT.TopicPrefix = "graylogic/knx"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate checks the cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Endpoint.Transport) {
	case "udp", "tcp", "unix":
	default:
		return fmt.Errorf("endpoint.transport: unsupported transport %q", c.Endpoint.Transport)
	}

	if _, err := c.TunnelingLayer(); err != nil {
		return err
	}
	if _, err := c.AckGroupAddresses(); err != nil {
		return err
	}
	if c.Bridge.MQTT.QoS > 2 {
		return fmt.Errorf("bridge.mqtt.qos: %d is not a valid QoS level", c.Bridge.MQTT.QoS)
	}
	return nil
}

// TunnelingLayer maps the configured layer name to its code.
func (c *Config) TunnelingLayer() (knxnet.TunnelLayer, error) {
	switch strings.ToLower(c.Endpoint.TunnelingLayer) {
	case "", "link":
		return knxnet.LayerLink, nil
	case "busmonitor":
		return knxnet.LayerBusMonitor, nil
	case "raw":
		return knxnet.LayerRaw, nil
	default:
		return 0, fmt.Errorf("endpoint.tunneling_layer: unknown layer %q", c.Endpoint.TunnelingLayer)
	}
}

// AckGroupAddresses parses the configured TP-UART acknowledgement
// filter.
func (c *Config) AckGroupAddresses() ([]knx.GroupAddress, error) {
	out := make([]knx.GroupAddress, 0, len(c.Serial.AckAddresses))
	for _, s := range c.Serial.AckAddresses {
		ga, err := knx.ParseGroupAddress(s)
		if err != nil {
			return nil, fmt.Errorf("serial.ack_addresses: %w", err)
		}
		out = append(out, ga)
	}
	return out, nil
}

// ApplySystem pushes the process-wide overrides into the TP-UART
// package. Call once at start-up.
func (c *Config) ApplySystem() {
	if c.System.UARTBaudRate > 0 {
		tpuart.SetUARTBaudRate(c.System.UARTBaudRate)
	}
	if c.System.MaxInterByteDelayUS > 0 {
		tpuart.SetMaxInterByteDelay(time.Duration(c.System.MaxInterByteDelayUS) * time.Microsecond)
	}
}
