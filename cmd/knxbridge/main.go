// Command knxbridge connects a KNX installation to MQTT: group
// telegrams received over a KNXnet/IP tunnel are republished as
// state topics, and set commands from MQTT are written back to the
// bus. Optionally every telegram is recorded to SQLite and mirrored
// to InfluxDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-knx/config"
	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/recorder"
	"github.com/nerrad567/gray-logic-knx/transport"
	"github.com/nerrad567/gray-logic-knx/tunnel"
)

// version is stamped by the build.
var version = "dev"

const (
	mqttConnectTimeout = 10 * time.Second
	shutdownTimeout    = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "knxbridge:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplySystem()

	logger := newLogger(cfg.Logging)
	logger.Info("starting", "version", version, "bridge", cfg.Bridge.ID)

	// KNX side: tunnel to the configured server.
	client, err := dialTunnel(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// Optional bus-traffic recorder.
	var rec *recorder.Recorder
	if cfg.Bridge.Recorder != "" {
		if rec, err = recorder.Open(cfg.Bridge.Recorder); err != nil {
			return err
		}
		rec.SetLogger(logger)
		defer rec.Close()
	}

	// Optional telemetry sink.
	tel := newTelemetry(cfg.Bridge, logger)

	// MQTT side.
	mq, err := connectMQTT(cfg.Bridge.MQTT, logger)
	if err != nil {
		return err
	}
	defer mq.Disconnect(uint(shutdownTimeout.Milliseconds()))

	prefix := cfg.Bridge.MQTT.TopicPrefix
	qos := cfg.Bridge.MQTT.QoS

	// Bus → MQTT.
	client.SetOnEvent(func(ev knx.Event) {
		switch e := ev.(type) {
		case knx.FrameReceived:
			if rec != nil {
				rec.RecordFrame(e.Frame)
			}
			publishFrame(mq, prefix, qos, e.Frame, tel, logger)

		case knx.ConnectionClosed:
			logger.Warn("tunnel closed", "origin", e.Origin.String(), "reason", e.Reason)
		}
	})

	// MQTT → bus: <prefix>/<escaped-ga>/set with the raw payload.
	setFilter := prefix + "/+/set"
	token := mq.Subscribe(setFilter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handleSetCommand(client, prefix, msg, logger)
	})
	if !token.WaitTimeout(mqttConnectTimeout) || token.Error() != nil {
		return fmt.Errorf("subscribing to %q: %w", setFilter, token.Error())
	}

	logger.Info("bridge running", "topics", setFilter)

	// Block until a signal arrives.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	tel.close(ctx)

	return client.Disconnect()
}

// dialTunnel opens the configured transport and tunnel session.
func dialTunnel(cfg *config.Config, logger knx.Logger) (*tunnel.Client, error) {
	layer, err := cfg.TunnelingLayer()
	if err != nil {
		return nil, err
	}

	var conn transport.ClientConn
	switch strings.ToLower(cfg.Endpoint.Transport) {
	case "udp":
		conn, err = transport.DialUDP(cfg.Endpoint.Server, "", cfg.Endpoint.NAT)
	case "tcp":
		conn, err = transport.DialTCP(context.Background(), cfg.Endpoint.Server)
	case "unix":
		conn, err = transport.DialUnix(context.Background(), cfg.Endpoint.Server)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Endpoint.Transport)
	}
	if err != nil {
		return nil, err
	}

	return tunnel.Connect(conn, tunnel.Config{
		Name:   cfg.Bridge.ID,
		Layer:  layer,
		Logger: logger,
	})
}

// connectMQTT dials the broker and waits for the session.
func connectMQTT(cfg config.MQTTConfig, logger knx.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %q timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// publishFrame republishes a group write or response as a state
// topic.
func publishFrame(mq mqtt.Client, prefix string, qos byte, cemi []byte, tel *telemetry, logger knx.Logger) {
	ld, err := knx.DecodeLData(cemi)
	if err != nil || ld.Code != knx.LDataInd || !ld.IsGroupDest() {
		return
	}
	if len(ld.Data) < 2 {
		return
	}

	apci := ld.Data[1] & 0xC0
	if apci != 0x80 && apci != 0x40 { // write or response only
		return
	}

	payload := groupPayload(ld.Data)
	topic := prefix + "/" + ld.GroupDestination().URLEncode() + "/state"
	mq.Publish(topic, qos, true, payload)

	tel.recordTelegram(ld, "rx")
	logger.Debug("published state", "topic", topic, "bytes", len(payload))
}

// groupPayload extracts the APDU payload, unfolding the short form.
func groupPayload(tpdu []byte) []byte {
	if len(tpdu) > 2 {
		return tpdu[2:]
	}
	return []byte{tpdu[1] & 0x3F}
}

// handleSetCommand writes an MQTT set command to the bus.
func handleSetCommand(client *tunnel.Client, prefix string, msg mqtt.Message, logger knx.Logger) {
	// Topic: <prefix>/<escaped-ga>/set
	trimmed := strings.TrimPrefix(msg.Topic(), prefix+"/")
	encoded := strings.TrimSuffix(trimmed, "/set")

	ga, err := knx.ParseGroupAddressFromURL(encoded)
	if err != nil {
		logger.Warn("ignoring set command with bad group address", "topic", msg.Topic(), "error", err)
		return
	}

	ld := knx.NewGroupWrite(ga, msg.Payload())
	if err := client.Send(ld.Encode(), tunnel.WaitForCon); err != nil {
		logger.Error("group write failed", "ga", ga.String(), "error", err)
		return
	}
	logger.Debug("group write confirmed", "ga", ga.String())
}

// newLogger builds the slog-backed logger per configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", "knxbridge"),
		slog.String("version", version),
	}))
}
