// Package linkprobe samples WAN interface throughput over SNMP. Grounded
// in original_source/backend/app/services/snmp_monitor.py's SNMPMonitor.
package linkprobe

import (
	"context"
	"time"
)

// Sample is one throughput reading for an interface.
type Sample struct {
	InboundMbps  float64
	OutboundMbps float64
	SampledAt    time.Time
}

// Interface describes a discovered network interface.
type Interface struct {
	Index int
	Name  string
}

// LinkProbe samples counters on a WAN-facing interface and can suggest
// which discovered interface looks like the WAN link.
type LinkProbe interface {
	// Sample returns the throughput observed since the previous call for
	// the configured interface. The first call after construction or
	// after a baseline reset returns a zero Sample with ok=false, since
	// no prior counter reading exists to delta against.
	Sample(ctx context.Context) (Sample, bool, error)

	// ListInterfaces enumerates candidate interfaces, skipping the ones
	// _should_skip_interface would exclude (VLANs, loopback, bridges,
	// bonds, tunnels, switch/managed-port names).
	ListInterfaces(ctx context.Context) ([]Interface, error)

	// SuggestWAN scores ListInterfaces' output and returns the best guess.
	SuggestWAN(ctx context.Context) (Interface, error)

	Close() error
}
