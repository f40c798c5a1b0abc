// Package discovery lists candidate CAN interfaces for the user to bind.
package discovery

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultNetDev is the kernel's per-interface statistics listing.
const DefaultNetDev = "/proc/net/dev"

var (
	// ErrNoDevices means the listing was readable but held no matching names.
	ErrNoDevices = errors.New("no CAN interfaces present")
	// ErrPermissionDenied means the listing exists but could not be read.
	ErrPermissionDenied = errors.New("no CAN interfaces usable: permission denied")
)

var netDevLine = regexp.MustCompile(`^\s*([^:\s]+):`)

// ParseNetDev returns interface names from a /proc/net/dev style listing that
// start with prefix, in listing order. Header lines never match.
func ParseNetDev(r io.Reader, prefix string) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := netDevLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if strings.HasPrefix(m[1], prefix) {
			names = append(names, m[1])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read netdev: %w", err)
	}
	return names, nil
}

// CANInterfaces reads path and returns the interfaces starting with prefix.
func CANInterfaces(path, prefix string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	names, err := ParseNetDev(f, prefix)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNoDevices
	}
	return names, nil
}

// SerialDevices returns device nodes matching a glob such as "/dev/ttyUSB*".
func SerialDevices(pattern string) ([]string, error) {
	names, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(names) == 0 {
		return nil, ErrNoDevices
	}
	sort.Strings(names)
	return names, nil
}
