//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"context"
	"log/slog"
	"machine"
	"time"

	"openenterprise/otaclient/config"
	"openenterprise/otaclient/credentials"
	"openenterprise/otaclient/flash"
	"openenterprise/otaclient/httpget"
	"openenterprise/otaclient/report"
	"openenterprise/otaclient/telemetry"
	"openenterprise/otaclient/update"
	"openenterprise/otaclient/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

// statusLED blinks while the device is idle.
const statusLED = machine.GP2

// systemHealthy gates watchdog feeding; clearing it forces a reset.
var systemHealthy = true

var startTime time.Time

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback.
func fatalError(dev flash.Device, msg string) {
	println(msg)
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	dev.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	// Confirm first: the bootrom reverts a trial image that is not
	// confirmed within 16.7s of boot.
	dev := flash.NewRP2350(nil)
	confirmErr := dev.Confirm()
	startTime = time.Now()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Pico OTA client")
	println("  Version:", version.String())
	println("  Slot:   ", dev.Current().String())
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	// The cywnet library logs dropped packets at ERROR, which is normal on WiFi.
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	sink := flash.NewPartitions(dev,
		flash.WithLogger(logger),
		flash.WithFeed(feedWatchdogIfHealthy),
		flash.WithVerifier(flash.VerifyPicobin),
	)
	if confirmErr != nil {
		logger.Error("boot:confirm-failed", slog.String("err", confirmErr.Error()))
	} else {
		logger.Info("boot:confirmed", slog.String("slot", dev.Current().String()))
	}

	statusLED.Configure(machine.PinConfig{Mode: machine.PinOutput})

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    config.ClientID(),
			MaxTCPPorts: 4, // firmware download + console + MQTT + telemetry
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError(dev, "WiFi setup failed - waiting for reset...")
	}
	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError(dev, "DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))
	stack := cystack.LnetoStack()

	if addr, err := config.TelemetryCollectorAddr(); err == nil {
		telemetry.Init(stack, logger, addr)
	} else {
		logger.Info("telemetry:disabled", slog.String("reason", err.Error()))
	}

	var status statusPublisher
	if broker, err := config.BrokerAddr(); err == nil {
		status = newMQTTStatus(stack, broker, config.ClientID(), logger)
	} else {
		logger.Info("mqtt:disabled", slog.String("reason", err.Error()))
	}

	worker := newUpdateWorker(config.FirmwareURL(), status, logger)
	worker.validate = validateDeviceURL
	updater := update.New(httpget.NewConn(stack, logger, config.DefaultUserAgent), sink,
		update.WithLogger(logger),
		update.WithYield(yieldToStack),
		update.WithProgress(worker.onProgress),
		update.WithOutcome(worker.onOutcome),
		update.WithRestarter(sink),
		update.WithStreamTimeout(config.StreamTimeout()),
	)
	worker.runner = updater
	go worker.Loop(context.Background())

	app := &deviceState{stack: stack, dev: dev, sink: sink, updater: updater, worker: worker}
	go serialCommands(worker, logger)
	go consoleServer(app, logger)

	logger.Info("init:complete", slog.String("firmware_url", config.FirmwareURL()))
	idleLoop(worker, status, logger)
}

// idleLoop blinks the status LED and logs a heartbeat every status interval.
func idleLoop(worker *updateWorker, status statusPublisher, logger *slog.Logger) {
	var buf [report.MaxSize]byte
	interval := config.StatusInterval()
	lastBeat := time.Now()
	led := false
	for {
		feedWatchdogIfHealthy()
		if !worker.Busy() {
			led = !led
			statusLED.Set(led)
		}
		if time.Since(lastBeat) >= interval {
			lastBeat = time.Now()
			uptime := time.Since(startTime)
			logger.Info("app:running",
				slog.Duration("uptime", uptime.Truncate(time.Second)),
				slog.Bool("updating", worker.Busy()),
			)
			telemetry.RecordGauge(telemetry.MetricUptime, int64(uptime/time.Second))
			if status != nil && !worker.Busy() {
				status.Publish(report.AppendHeartbeat(buf[:0], uptime, version.String(), false))
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// yieldToStack lets the network goroutine run between streaming iterations.
func yieldToStack() {
	feedWatchdogIfHealthy()
	time.Sleep(time.Millisecond)
}

func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// loopForeverStack processes network packets in the background.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
