package discovery

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:  "device-123",
		DeviceName:    "Study Desktop",
		Platform:      "desktop",
		PushPort:      8080,
		HTTPPort:      3000,
		BroadcastPort: 41234,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Study Desktop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != "_safely._tcp" {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 3000 {
		t.Fatalf("expected SRV port to be the http port, got %d", gotPort)
	}

	for _, want := range []string{"device_id=device-123", "version=1", "push_port=8080", "http_port=3000", "broadcast_port=41234"} {
		assertContainsTXT(t, gotTXT, want)
	}
}

func TestStartBroadcasterValidation(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}
	cases := []Config{
		{DeviceName: "x", HTTPPort: 3000, registerFn: register},
		{SelfDeviceID: "id", HTTPPort: 3000, registerFn: register},
		{SelfDeviceID: "id", DeviceName: "x", registerFn: register},
	}
	for i, cfg := range cases {
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestStartBroadcasterWrapsRegisterError(t *testing.T) {
	boom := errors.New("no multicast interface")
	_, err := StartBroadcaster(Config{
		SelfDeviceID: "id",
		DeviceName:   "x",
		PushPort:     8080,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped register error, got %v", err)
	}
}

func TestParseEntryReadsPortsAndFiltersSelf(t *testing.T) {
	entry := testServiceEntry("desk-1", "Study Desktop", 3000, "192.168.1.10")
	desktop, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if desktop.PushPort != 8080 || desktop.HTTPPort != 3000 || desktop.BroadcastPort != 41234 {
		t.Fatalf("unexpected ports: %+v", desktop)
	}
	candidates := desktop.HTTPCandidates()
	if len(candidates) != 1 || candidates[0] != "192.168.1.10:3000" {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
	if url := desktop.PushURL("/ws"); url != "ws://192.168.1.10:8080/ws" {
		t.Fatalf("unexpected push url: %q", url)
	}

	if _, ok := parseEntry(entry, "desk-1"); ok {
		t.Fatalf("expected self entry to be filtered")
	}
}

func testServiceEntry(deviceID, name string, port int, ip string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(name, DefaultService, DefaultDomain)
	entry.HostName = strings.ToLower(strings.ReplaceAll(name, " ", "-")) + ".local."
	entry.Port = port
	entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	entry.Text = []string{
		"device_id=" + deviceID,
		"version=1",
		"platform=desktop",
		"push_port=8080",
		"http_port=3000",
		"broadcast_port=41234",
	}
	return entry
}

func assertContainsTXT(t *testing.T, txt []string, want string) {
	t.Helper()
	for _, entry := range txt {
		if entry == want {
			return
		}
	}
	t.Fatalf("expected TXT record %q in %v", want, txt)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
