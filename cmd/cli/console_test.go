package main

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeDevice speaks the device console protocol on a loopback listener and
// records the lines it receives.
type fakeDevice struct {
	ln       net.Listener
	password string
	lines    chan string
}

func startFakeDevice(t *testing.T, password string) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDevice{ln: ln, password: password, lines: make(chan string, 16)}
	t.Cleanup(func() { ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDevice) port() string {
	_, port, _ := net.SplitHostPort(d.ln.Addr().String())
	return port
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.session(conn)
	}
}

func (d *fakeDevice) session(conn net.Conn) {
	defer conn.Close()
	// IAC WILL ECHO ahead of the prompt, as the firmware sends.
	conn.Write([]byte{0xFF, 0xFB, 0x01})
	conn.Write([]byte("Password: "))
	r := bufio.NewReader(conn)
	pw, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(pw) != d.password {
		conn.Write([]byte("\r\nAccess denied\r\n"))
		return
	}
	conn.Write([]byte("\r\nPico OTA Debug Console\r\nType 'help' for commands\r\n> "))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		d.lines <- line
		switch {
		case strings.HasPrefix(line, "update"):
			url := strings.TrimSpace(strings.TrimPrefix(line, "update"))
			if url == "" {
				url = "http://10.0.0.1/firmware.bin"
			}
			if url == "busy" {
				conn.Write([]byte("Update already in progress\r\n> "))
				continue
			}
			conn.Write([]byte("Update queued: " + url + "\r\n> "))
		case line == "ota":
			conn.Write([]byte("Running: A\r\nTarget: B\r\n> "))
		default:
			conn.Write([]byte("echo " + line + "\r\n> "))
		}
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConsoleCommand(t *testing.T) {
	d := startFakeDevice(t, "s3cret")

	out, err := runCLI(t, "console", "127.0.0.1", "status", "--password", "s3cret", "--port", d.port())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "echo status" {
		t.Errorf("output = %q", out)
	}
	if got := <-d.lines; got != "status" {
		t.Errorf("device received %q", got)
	}
}

func TestUpdateCommand(t *testing.T) {
	d := startFakeDevice(t, "pw")

	tests := []struct {
		name     string
		args     []string
		wantLine string
		wantErr  bool
	}{
		{"explicit url", []string{"http://192.168.1.10:8080/firmware.bin"}, "update http://192.168.1.10:8080/firmware.bin", false},
		{"default url", nil, "update", false},
		{"refused", []string{"busy"}, "update busy", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"update", "127.0.0.1"}, tc.args...)
			args = append(args, "--password", "pw", "--port", d.port())
			out, err := runCLI(t, args...)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v (output %q)", err, tc.wantErr, out)
			}
			if got := <-d.lines; got != tc.wantLine {
				t.Errorf("device received %q, want %q", got, tc.wantLine)
			}
		})
	}
}

func TestOTAInfoCommand(t *testing.T) {
	d := startFakeDevice(t, "pw")
	out, err := runCLI(t, "ota-info", "127.0.0.1", "--password", "pw", "--port", d.port())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Target: B") {
		t.Errorf("output = %q", out)
	}
}

func dialFake(t *testing.T, d *fakeDevice, password string) *session {
	t.Helper()
	conn, err := net.Dial("tcp", d.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := authenticate(conn, password); err != nil {
		conn.Close()
		t.Fatal(err)
	}
	if banner := consumeUntilPrompt(conn); !strings.Contains(banner, "Debug Console") {
		t.Errorf("banner = %q", banner)
	}
	s := &session{conn: conn}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInteractive(t *testing.T) {
	d := startFakeDevice(t, "pw")
	s := dialFake(t, d, "pw")

	var out bytes.Buffer
	if err := interactive(s, strings.NewReader("status\n\nnet\nquit\nignored\n"), &out); err != nil {
		t.Fatal(err)
	}
	got := []string{<-d.lines, <-d.lines}
	if diff := cmp.Diff([]string{"status", "net"}, got); diff != "" {
		t.Errorf("device lines (-want +got):\n%s", diff)
	}
	for _, want := range []string{"echo status", "echo net", "Goodbye!"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	select {
	case extra := <-d.lines:
		t.Errorf("line after quit reached the device: %q", extra)
	default:
	}
}

func TestAuthenticateUnexpectedPrompt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("SSH-2.0-OpenSSH\r\n"))
		conn.Read(make([]byte, 64))
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := authenticate(conn, "pw"); err == nil || !strings.Contains(err.Error(), "unexpected prompt") {
		t.Errorf("authenticate = %v, want unexpected prompt", err)
	}
}

func TestStripTelnetIAC(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("hello"), "hello"},
		{"will echo", []byte{0xFF, 0xFB, 0x01, 'o', 'k'}, "ok"},
		{"two byte command", []byte{'a', 0xFF, 0xF1, 'b'}, "ab"},
		{"mixed", []byte{0xFF, 0xFD, 0x03, 'P', 0xFF, 0xFC, 0x01, 'w'}, "Pw"},
		{"trailing iac", []byte{'x', 0xFF}, "x\xff"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(stripTelnetIAC(tc.in)); got != tc.want {
				t.Errorf("stripTelnetIAC(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
