//go:build tinygo

package main

import (
	"log/slog"
	"machine"
	"time"
)

// serialCommands accepts "update [url]" on the USB serial line.
func serialCommands(worker *updateWorker, logger *slog.Logger) {
	var lines lineReader
	var buf [64]byte
	for {
		n := 0
		for n < len(buf) && machine.Serial.Buffered() > 0 {
			b, err := machine.Serial.ReadByte()
			if err != nil {
				break
			}
			buf[n] = b
			n++
		}
		if n == 0 {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		lines.Feed(buf[:n], func(line []byte) {
			name, arg := splitCommand(line)
			switch string(name) {
			case "":
			case cmdUpdate:
				url, err := worker.Submit(string(arg))
				if err != nil {
					logger.Warn("serial:update-refused", slog.String("url", url), slog.String("err", err.Error()))
					return
				}
				logger.Info("serial:update-queued", slog.String("url", url))
			default:
				logger.Info("serial:unknown-command", slog.String("cmd", string(name)))
			}
		})
	}
}
