package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
)

var (
	errUpdateRefused = errors.New("device refused the update")
	errAuthFailed    = errors.New("authentication failed")
)

// session is an authenticated console connection.
type session struct {
	conn net.Conn
}

// dialConsole connects and authenticates, retrying with exponential backoff
// while the device is rebooting or locked out.
func (a *app) dialConsole(host string) (*session, error) {
	addr := net.JoinHostPort(host, a.v.GetString("port"))
	timeout := a.v.GetDuration("timeout")
	password := a.password()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 4 * timeout

	var s *session
	op := func() error {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		if err := authenticate(conn, password); err != nil {
			conn.Close()
			return backoff.Permanent(err)
		}
		if banner := consumeUntilPrompt(conn); !strings.Contains(banner, "> ") {
			conn.Close()
			return backoff.Permanent(errAuthFailed)
		}
		s = &session{conn: conn}
		return nil
	}
	notify := func(err error, d time.Duration) {
		a.logger.Debug("console:retry", "addr", addr, "err", err, "in", d)
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return s, nil
}

func (s *session) Close() error { return s.conn.Close() }

// Command sends one console line and returns the response with the trailing
// prompt removed.
func (s *session) Command(cmd string) (string, error) {
	if _, err := s.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	var out strings.Builder
	buf := make([]byte, 1024)
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := s.conn.Read(buf)
		out.Write(stripTelnetIAC(buf[:n]))
		if strings.HasSuffix(out.String(), "> ") {
			break
		}
		if err != nil && !isTimeout(err) {
			if out.Len() == 0 {
				return "", err
			}
			break
		}
	}
	resp := strings.TrimSuffix(out.String(), "> ")
	return strings.TrimSpace(resp), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func newConsoleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "console <host> [command...]",
		Short: "Run a console command, or an interactive session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.dialConsole(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if len(args) > 1 {
				resp, err := s.Command(strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, resp)
				return nil
			}
			return interactive(s, os.Stdin, a.out)
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update <host> [url]",
		Short: "Trigger a firmware update (the device's configured URL if none given)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.dialConsole(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			line := "update"
			if len(args) == 2 {
				line += " " + args[1]
			}
			resp, err := s.Command(line)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, resp)
			if !strings.Contains(resp, "Update queued") {
				return errUpdateRefused
			}
			return nil
		},
	}
}

func newOTAInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ota-info <host>",
		Short: "Show partition and last update status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.dialConsole(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			resp, err := s.Command("ota")
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, resp)
			return nil
		},
	}
}

// interactive relays lines from in to the device until EOF or "quit".
func interactive(s *session, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Connected! Type 'quit' or Ctrl+D to exit.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "quit", "exit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}
		resp, err := s.Command(input)
		if err != nil {
			return err
		}
		if resp != "" {
			fmt.Fprintln(out, resp)
		}
	}
}

// authenticate answers the password prompt.
func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var prompt strings.Builder
	buf := make([]byte, 64)
	for !strings.Contains(strings.ToLower(prompt.String()), "password") {
		if strings.Contains(prompt.String(), "\n") {
			return fmt.Errorf("unexpected prompt: %q", prompt.String())
		}
		n, err := conn.Read(buf)
		prompt.Write(stripTelnetIAC(buf[:n]))
		if err != nil && !strings.Contains(strings.ToLower(prompt.String()), "password") {
			if prompt.Len() > 0 {
				return fmt.Errorf("unexpected prompt: %q", prompt.String())
			}
			return fmt.Errorf("read prompt failed: %w", err)
		}
	}
	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

// stripTelnetIAC removes telnet IAC (Interpret As Command) sequences from data.
func stripTelnetIAC(data []byte) []byte {
	result := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] == 0xFF && i+1 < len(data) {
			// WILL/WONT/DO/DONT (0xFB-0xFE) carry an option byte.
			if cmd := data[i+1]; cmd >= 0xFB && cmd <= 0xFE && i+2 < len(data) {
				i += 3
			} else {
				i += 2
			}
			continue
		}
		result = append(result, data[i])
		i++
	}
	return result
}

// consumeUntilPrompt reads until the "> " prompt or a timeout.
func consumeUntilPrompt(conn net.Conn) string {
	buf := make([]byte, 256)
	var acc strings.Builder
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			acc.Write(stripTelnetIAC(buf[:n]))
			if strings.Contains(acc.String(), "> ") {
				break
			}
		}
		if err != nil && !isTimeout(err) {
			break
		}
	}
	return acc.String()
}
