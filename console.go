//go:build tinygo

package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/otaclient/credentials"
	"openenterprise/otaclient/flash"
	"openenterprise/otaclient/telemetry"
	"openenterprise/otaclient/update"
	"openenterprise/otaclient/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 1024
)

// Pre-allocated console buffers
var (
	consoleRxBuf  [consoleBufSize]byte
	consoleTxBuf  [consoleBufSize]byte
	consoleOutBuf [256]byte
)

// deviceState is what the console reports on and acts upon.
type deviceState struct {
	stack   *xnet.StackAsync
	dev     flash.Device
	sink    *flash.Partitions
	updater *update.Updater
	worker  *updateWorker
}

// Telnet protocol bytes for echo control
var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01} // IAC WILL ECHO - server handles echo (client stops)
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01} // IAC WONT ECHO - server stops echo (client resumes)
)

// consoleServer runs a password-protected TCP debug console on port 23.
func consoleServer(app *deviceState, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()
	if credentials.ConsolePassword() == "" {
		logger.Info("console:disabled", slog.String("reason", "no console password"))
		return
	}

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}
	stack := app.stack
	logger.Info("console:listening", slog.String("addr", netip.AddrPortFrom(stack.Addr(), consolePort).String()))

	var guard authGuard
	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if left := guard.Remaining(time.Now()); left > 0 {
			logger.Info("console:lockout", slog.Int("failures", guard.failures), slog.Duration("remaining", left))
			time.Sleep(time.Second)
			continue
		}

		if err = stack.ListenTCP(&conn, consolePort); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}
		for wait := 0; conn.State().IsPreestablished() && wait < 6000; wait++ {
			time.Sleep(10 * time.Millisecond)
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}
		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		if !authenticate(&conn) {
			guard.Fail(time.Now())
			logger.Info("console:auth-failed", slog.Int("failures", guard.failures))
			closeConsole(&conn, 10)
			continue
		}
		guard.Reset()
		logger.Info("console:authenticated")

		writeConsole(&conn, "Pico OTA Debug Console\r\nType 'help' for commands\r\n> ")
		conn.Flush()
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			handleConsoleSession(&conn, app, logger)
		}()
		closeConsole(&conn, 30)
		logger.Info("console:disconnected")
	}
}

func closeConsole(conn *tcp.Conn, polls int) {
	conn.Close()
	for i := 0; i < polls && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
}

func connOpen(conn *tcp.Conn) bool {
	st := conn.State()
	return !st.IsClosed() && !st.IsClosing() && st.RxDataOpen()
}

func handleConsoleSession(conn *tcp.Conn, app *deviceState, logger *slog.Logger) {
	var lines lineReader
	var readBuf [64]byte
	for connOpen(conn) {
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		overflow := lines.Feed(readBuf[:n], func(line []byte) {
			if len(line) > 0 {
				processCommand(conn, app, line, logger)
			}
			writeConsole(conn, "> ")
			conn.Flush()
			time.Sleep(50 * time.Millisecond)
		})
		if overflow {
			writeConsole(conn, "\r\nLine too long\r\n> ")
			conn.Flush()
		}
	}
}

func processCommand(conn *tcp.Conn, app *deviceState, line []byte, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()

	name, arg := splitCommand(line)
	out := consoleOutBuf[:0]
	switch string(name) {
	case cmdHelp:
		out = append(out, "Commands: help version status net ota\r\n"...)
		out = append(out, "  update [url], reboot, telemetry, telemetry-flush\r\n"...)

	case cmdVersion:
		out = append(out, "Pico OTA client "...)
		out = append(out, version.String()...)
		out = append(out, "\r\n"...)

	case cmdStatus:
		out = append(out, "Uptime:   "...)
		out = appendUptime(out, time.Since(startTime))
		out = append(out, "\r\nUpdating: "...)
		out = appendYesNo(out, app.worker.Busy())
		out = append(out, "\r\nHealthy:  "...)
		out = appendYesNo(out, systemHealthy)
		out = append(out, "\r\n"...)

	case cmdNet:
		out = append(out, "IP Address: "...)
		out = app.stack.Addr().AppendTo(out)
		out = append(out, "\r\nConsole:    port "...)
		out = appendInt(out, int64(consolePort))
		out = append(out, "\r\n"...)

	case cmdOTA:
		st := app.sink.Status()
		out = append(out, "Running slot: "...)
		out = append(out, st.Current.String()...)
		out = append(out, "\r\nTarget slot:  "...)
		out = append(out, st.Target.String()...)
		out = append(out, "\r\nCapacity:     "...)
		out = appendInt(out, st.SlotSize/1024)
		out = append(out, " KB\r\n"...)
		writeConsole(conn, string(out))
		out = consoleOutBuf[:0]
		if last, ok := app.updater.Last(); ok {
			out = append(out, "Last update:  "...)
			out = append(out, last.State.String()...)
			out = append(out, " ("...)
			out = append(out, update.Reason(last.Err)...)
			out = append(out, ") "...)
			out = appendInt(out, last.Transferred)
			out = append(out, "/"...)
			out = appendInt(out, last.Limit)
			out = append(out, " bytes\r\n"...)
		} else {
			out = append(out, "Last update:  none\r\n"...)
		}

	case cmdUpdate:
		url, err := app.worker.Submit(string(arg))
		if err != nil {
			out = append(out, "Update refused: "...)
			out = append(out, err.Error()...)
		} else {
			out = append(out, "Update queued: "...)
			out = append(out, url...)
		}
		out = append(out, "\r\n"...)

	case cmdReboot:
		if app.worker.Busy() {
			out = append(out, "Update in progress, reboot refused\r\n"...)
			break
		}
		writeConsole(conn, "Rebooting device...\r\n")
		conn.Flush()
		time.Sleep(100 * time.Millisecond)
		app.dev.Reboot()

	case cmdTelemetry:
		s := telemetry.Snapshot()
		out = append(out, "Telemetry: "...)
		out = appendYesNo(out, s.Enabled)
		if s.Paused {
			out = append(out, " (paused)"...)
		}
		out = append(out, "\r\n  Collector: "...)
		out = append(out, s.Collector...)
		out = append(out, "\r\n  Queued:    "...)
		out = appendInt(out, int64(s.QueuedLogs))
		out = append(out, " logs, "...)
		out = appendInt(out, int64(s.QueuedMetrics))
		out = append(out, " metrics\r\n  Sent:      "...)
		out = appendInt(out, int64(s.SentLogs))
		out = append(out, " logs, "...)
		out = appendInt(out, int64(s.SentMetrics))
		out = append(out, " metrics\r\n  Errors:    "...)
		out = appendInt(out, int64(s.SendErrors))
		out = append(out, "\r\n"...)

	case cmdTelemetryFlush:
		writeConsole(conn, "Flushing telemetry queues...\r\n")
		conn.Flush()
		telemetry.Flush()
		out = append(out, "Flush complete\r\n"...)

	default:
		out = append(out, "Unknown command: "...)
		out = append(out, name...)
		out = append(out, "\r\nType 'help' for commands\r\n"...)
	}
	conn.Write(out)
	conn.Flush()
	time.Sleep(50 * time.Millisecond)
}

func appendYesNo(dst []byte, b bool) []byte {
	if b {
		return append(dst, "yes"...)
	}
	return append(dst, "no"...)
}

// writeConsole writes a string to the console connection (no flush)
func writeConsole(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

// authenticate prompts for the console password with echo disabled.
func authenticate(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	conn.Flush()
	defer func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
		conn.Flush()
	}()

	var lines lineReader
	var readBuf [64]byte
	var ok, done bool
	deadline := time.Now().Add(10 * time.Second)
	for !done && time.Now().Before(deadline) {
		if !connOpen(conn) {
			return false
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if lines.Feed(readBuf[:n], func(line []byte) {
			if done {
				return
			}
			done = true
			ok = subtle.ConstantTimeCompare(line, []byte(credentials.ConsolePassword())) == 1
		}) {
			return false
		}
	}
	return ok
}
