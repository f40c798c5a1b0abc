package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-example._tcp"

// startMDNS advertises the tap on port. The registration is withdrawn when
// ctx ends or the returned stop func is called.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "can-example-" + host
	}
	meta := []string{
		"backend=" + cfg.backend,
		"protocol=cannelloni",
		"version=" + version,
	}
	if cfg.iface != "" {
		meta = append(meta, "if="+cfg.iface)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	stop := context.AfterFunc(ctx, svc.Shutdown)
	return func() {
		if stop() {
			svc.Shutdown()
		}
	}, nil
}

// portOf extracts the numeric port from a host:port listener address.
func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
