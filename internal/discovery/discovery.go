// Package discovery locates IIOD-capable radios on the local network via
// mDNS. Results feed directly into the ip:// connection URIs the driver
// factory understands.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Host is one discovered IIOD endpoint.
type Host struct {
	Instance  string // advertised name, e.g. "iiod on pluto"
	Hostname  string // DNS hostname, e.g. "pluto.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// URI returns the ip:// connection URI for the host's first address, or
// its hostname when no address was resolved.
func (h Host) URI() string {
	target := strings.TrimSuffix(h.Hostname, ".")
	for _, a := range h.Addresses {
		if v4 := a.To4(); v4 != nil {
			target = v4.String()
			break
		}
	}
	return "ip://" + target
}

// Browse performs a blocking mDNS browse for _iio._tcp.local services and
// returns cleaned, deduplicated host entries sorted by hostname.
func Browse(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	byKey := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				byKey[key] = Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, "_iio._tcp", "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-done

	out := make([]Host, 0, len(byKey))
	for _, h := range byKey {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// cleanInstance removes zeroconf escape sequences: "\ " => " ".
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
