// Package credentials embeds the Wi-Fi and console secrets. Create
// ssid.text, password.text and console_password.text in this directory
// before building the firmware; keep them out of version control.
package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the network the device joins.
func SSID() string { return strings.TrimSpace(ssid) }

// Password returns the network passphrase.
func Password() string { return strings.TrimSpace(pass) }

// ConsolePassword returns the telnet console password. An empty password
// disables the console.
func ConsolePassword() string { return strings.TrimSpace(consolePass) }
