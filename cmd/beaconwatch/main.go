package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	mqttBroker = pflag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = pflag.String("user", "", "MQTT username")
	mqttPass   = pflag.String("pass", "", "MQTT password")
	topic      = pflag.String("topic", "vibenode", "Beacon topic prefix")
	deviceID   = pflag.String("device", "+", "Device ID to watch (+ for all)")
)

// beacon is one received status beacon.
type beacon struct {
	device string
	status string
	data   string
}

// parseBeacon splits a beacon message into its status and data lines.
func parseBeacon(topic string, payload []byte) beacon {
	b := beacon{device: topic}
	if parts := strings.Split(topic, "/"); len(parts) >= 3 {
		b.device = parts[len(parts)-2]
	}
	status, data, ok := strings.Cut(string(payload), " :: ")
	b.status = status
	if ok {
		b.data = data
	}
	return b
}

func main() {
	pflag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	subscription := fmt.Sprintf("%s/%s/beacon", *topic, *deviceID)
	logger.Info("Beacon watcher started",
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("subscription", subscription))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("beaconwatch-%d", time.Now().UnixNano()))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	var received atomic.Int64
	handler := func(client mqtt.Client, msg mqtt.Message) {
		received.Add(1)
		b := parseBeacon(msg.Topic(), msg.Payload())
		logger.Info("Beacon",
			zap.String("device_id", b.device),
			zap.String("status", b.status),
			zap.String("data", b.data),
			zap.Bool("retained", msg.Retained()))
	}

	// Resubscribe on every (re)connect.
	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
		if token := client.Subscribe(subscription, 0, handler); token.Wait() && token.Error() != nil {
			logger.Error("Failed to subscribe", zap.Error(token.Error()))
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping watcher")
		cancel()
	}()

	<-ctx.Done()
	logger.Info("Disconnecting from MQTT broker", zap.Int64("beacons_received", received.Load()))
	mqttClient.Disconnect(250)
}
