// Package discovery finds NTP servers on the local link via multicast DNS and
// advertises a local relay server.
package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"example.com/netclock/base/zaplog"
)

const (
	DefaultService = "_ntp._udp"
	DefaultDomain  = "local"
	DefaultTimeout = 2 * time.Second
)

var errNoLocalAddrs = errors.New("no usable local addresses")

type Config struct {
	Log     *zap.Logger
	Service string
	Domain  string
	Timeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = zaplog.Logger()
	}
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// entryServer returns the host:port of a resolved service entry. IPv4
// addresses are preferred.
func entryServer(e *mdns.ServiceEntry) (string, bool) {
	if e == nil || e.Port <= 0 || e.Port > 0xffff {
		return "", false
	}
	var ip net.IP
	switch {
	case e.AddrV4 != nil && !e.AddrV4.IsUnspecified():
		ip = e.AddrV4
	case e.AddrV6 != nil && !e.AddrV6.IsUnspecified():
		ip = e.AddrV6
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)), true
}

// collect drains entries into a sorted list of distinct servers.
func collect(log *zap.Logger, entries <-chan *mdns.ServiceEntry) []string {
	var servers []string
	for e := range entries {
		if e == nil {
			continue
		}
		s, ok := entryServer(e)
		if !ok {
			log.Debug("ignoring incomplete service entry", zap.String("name", e.Name))
			continue
		}
		if slices.Contains(servers, s) {
			continue
		}
		log.Info("discovered server", zap.String("name", e.Name), zap.String("server", s))
		servers = append(servers, s)
	}
	slices.Sort(servers)
	return servers
}

// Browse queries for cfg.Service instances for cfg.Timeout and returns the
// servers found.
func Browse(ctx context.Context, cfg Config) ([]string, error) {
	cfg.setDefaults()

	timeout := cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	var servers []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		servers = collect(cfg.Log, entries)
	}()

	params := mdns.DefaultParams(cfg.Service)
	params.Domain = cfg.Domain
	params.Timeout = timeout
	params.Entries = entries
	err := mdns.Query(params)
	close(entries)
	wg.Wait()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return servers, nil
}

// Advertise announces an NTP server at port under instance until ctx is
// done.
func Advertise(ctx context.Context, cfg Config, instance string, port int) error {
	cfg.setDefaults()

	ips, err := localIPs()
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return errNoLocalAddrs
	}
	service, err := mdns.NewMDNSService(instance, cfg.Service, cfg.Domain, "", port, ips, nil)
	if err != nil {
		return err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return err
	}
	cfg.Log.Info("advertising server",
		zap.String("instance", instance),
		zap.String("service", cfg.Service),
		zap.Int("port", port),
	)
	go func() {
		<-ctx.Done()
		_ = server.Shutdown()
	}()
	return nil
}

func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
