// Package discovery advertises relays on the local network over mDNS and
// lets agents find them without typing an address.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_storysync._tcp"
	Domain  = "local."
)

// Relay is one relay found on the network.
type Relay struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Version  string
}

// URL returns the relay's HTTP root. Websocket URLs are derived from it.
func (r Relay) URL() string {
	host := r.Host
	if len(r.Addrs) > 0 {
		host = r.Addrs[0].String()
	}
	return "http://" + net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(r.Port))
}

// Advertisement is a live mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Advertise registers a relay listening on port. An empty instance name
// defaults to storysync-<hostname>.
func Advertise(instance string, port int, version string) (*Advertisement, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("storysync-%s", host)
	}
	txt := []string{"txtv=1"}
	if version != "" {
		txt = append(txt, "version="+version)
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Advertisement{server: server}, nil
}

// Browse collects relays until ctx is done. Duplicate announcements of the
// same instance are merged.
func Browse(ctx context.Context, log *slog.Logger) ([]Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Relay, 1)
	go func() {
		var relays []Relay
		seen := make(map[string]int)
		for {
			var entry *zeroconf.ServiceEntry
			select {
			case entry = <-entries:
			case <-ctx.Done():
			}
			if entry == nil {
				break
			}
			r := fromEntry(entry)
			log.Debug("relay discovered", "instance", r.Instance, "url", r.URL())
			if i, ok := seen[r.Instance]; ok {
				relays[i] = r
				continue
			}
			seen[r.Instance] = len(relays)
			relays = append(relays, r)
		}
		found <- relays
	}()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns services: %w", err)
	}
	return <-found, nil
}

func fromEntry(e *zeroconf.ServiceEntry) Relay {
	r := Relay{Instance: e.Instance, Host: e.HostName, Port: e.Port}
	r.Addrs = append(r.Addrs, e.AddrIPv4...)
	r.Addrs = append(r.Addrs, e.AddrIPv6...)
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "version="); ok {
			r.Version = v
		}
	}
	return r
}
