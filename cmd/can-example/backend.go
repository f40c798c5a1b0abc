package main

import (
	"fmt"

	"github.com/kstaniek/go-can-example/internal/discovery"
	"github.com/kstaniek/go-can-example/internal/serial"
	"github.com/kstaniek/go-can-example/internal/session"
	"github.com/kstaniek/go-can-example/internal/socketcan"
)

// backend pairs the transport dialer with the matching discovery source.
type backend struct {
	dialer session.Dialer
	list   func() ([]string, error)
}

func newBackend(cfg *appConfig) (backend, error) {
	switch cfg.backend {
	case "socketcan":
		return backend{
			dialer: socketcan.Dialer{},
			list:   func() ([]string, error) { return discovery.CANInterfaces(cfg.netDev, cfg.ifPrefix) },
		}, nil
	case "serial":
		return backend{
			dialer: serial.Dialer{Baud: cfg.baud, ReadTimeout: cfg.serialReadTO},
			list:   func() ([]string, error) { return discovery.SerialDevices(cfg.serialGlob) },
		}, nil
	}
	return backend{}, fmt.Errorf("unknown backend %q (use socketcan|serial)", cfg.backend)
}
