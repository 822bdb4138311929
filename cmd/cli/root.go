package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const (
	defaultPort    = "23"
	defaultTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
)

// app carries the resolved configuration shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	logger  *slog.Logger
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), out: os.Stdout}

	root := &cobra.Command{
		Use:   "otactl",
		Short: "Control and feed the Pico OTA client",
		Long: `otactl talks to devices running the OTA client firmware.

  Query a device:        otactl console 192.168.1.50 status
  Trigger an update:     otactl update 192.168.1.50 http://192.168.1.10:8080/firmware.bin
  Serve a firmware file: otactl serve build/firmware.uf2
  Rehearse on the host:  otactl dryrun http://192.168.1.10:8080/firmware.bin

The console password is read from --password, OTACTL_PASSWORD, a .env file,
the config file ($HOME/.otactl.yaml) or an interactive prompt.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.init()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.otactl.yaml)")
	pf.String("password", "", "console password")
	pf.String("port", defaultPort, "device console port")
	pf.Duration("timeout", defaultTimeout, "connect timeout")
	pf.BoolP("verbose", "v", false, "debug logging")
	a.v.BindPFlags(pf)

	a.v.SetEnvPrefix("OTACTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newConsoleCmd(a),
		newUpdateCmd(a),
		newOTAInfoCmd(a),
		newFWInfoCmd(a),
		newServeCmd(a),
		newDryRunCmd(a),
	)
	return root
}

// init loads .env and the config file and sets up logging.
func (a *app) init() error {
	loadEnvFile(".env")

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".otactl")
	}
	if err := a.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && a.cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level := slog.LevelInfo
	if a.v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("cli:config", slog.String("file", used))
	}
	return nil
}

// password resolves the console password.
// Priority: flag > env > .env (already loaded) > config file > interactive prompt
func (a *app) password() string {
	if p := a.v.GetString("password"); p != "" {
		return p
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil && len(password) > 0 {
			return string(password)
		}
	}
	return ""
}

// loadEnvFile loads KEY=value lines from path without overriding the
// environment.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
