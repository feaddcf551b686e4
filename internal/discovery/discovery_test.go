package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry("storysync-den", Service, Domain)
	e.HostName = "den.local."
	e.Port = 8081
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.Text = []string{"txtv=1", "version=0.3.0"}

	r := fromEntry(e)
	assert.Equal(t, "storysync-den", r.Instance)
	assert.Equal(t, "0.3.0", r.Version)
	assert.Equal(t, "http://192.168.1.20:8081", r.URL())
}

func TestRelayURL_FallsBackToHostName(t *testing.T) {
	r := Relay{Host: "den.local.", Port: 8081}
	assert.Equal(t, "http://den.local:8081", r.URL())

	r.Addrs = []net.IP{net.ParseIP("fe80::1")}
	assert.Equal(t, "http://[fe80::1]:8081", r.URL())
}
