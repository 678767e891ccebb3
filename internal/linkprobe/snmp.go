package linkprobe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

const (
	oidIfHCInOctets  = "1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets = "1.3.6.1.2.1.31.1.1.1.10"
	oidIfInOctets    = "1.3.6.1.2.1.2.2.1.10"
	oidIfOutOctets   = "1.3.6.1.2.1.2.2.1.16"
	oidIfDescr       = "1.3.6.1.2.1.2.2.1.2"

	maxSaneBitsPerSec = 10_000_000_000 // 10 Gbps sanity ceiling
)

var skipKeywords = []string{
	"switch", "br", "lo", "dummy", "miireg", "bond", "tun", "ifb",
}

var wanKeywordBonus = map[string]float64{
	"wan": 25, "internet": 25, "pppoe": 25, "external": 25, "uplink": 25,
}

var wanPenaltyKeywords = []string{
	"loopback", "lan", "switch", "vlan", "bridge", "guest", "iot", "mgmt", "management",
}

// SNMPProbe implements LinkProbe over SNMP v2c, grounded in
// SNMPMonitor._get_oid/_get_multiple_oids/get_bandwidth/discover_interfaces/
// suggest_wan_interface.
type SNMPProbe struct {
	client        *gosnmp.GoSNMP
	ifIndex       int
	log           *slog.Logger

	use64Bit      bool // sticky: once downgraded to 32-bit, never upgraded back
	baselineIn    uint64
	baselineOut   uint64
	baselineAt    time.Time
	haveBaseline  bool
}

// Config configures an SNMPProbe.
type Config struct {
	Host      string
	Port      uint16
	Community string
	Timeout   time.Duration
	Interface int // ifIndex of the WAN-facing interface
}

// NewSNMPProbe constructs an SNMPProbe. Connection is lazy; the first
// Sample or ListInterfaces call performs it.
func NewSNMPProbe(cfg Config, log *slog.Logger) *SNMPProbe {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := &gosnmp.GoSNMP{
		Target:    cfg.Host,
		Port:      cfg.Port,
		Community: cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
	}
	return &SNMPProbe{
		client:   client,
		ifIndex:  cfg.Interface,
		log:      log,
		use64Bit: true,
	}
}

func (p *SNMPProbe) ensureConnected() error {
	if p.client.Conn != nil {
		return nil
	}
	return p.client.Connect()
}

func (p *SNMPProbe) Close() error {
	if p.client.Conn == nil {
		return nil
	}
	return p.client.Conn.Close()
}

// getMultipleOIDs performs a single bulk Get so both counters come from
// the same SNMP response, avoiding the skew a pair of independent Gets
// could introduce, matching _get_multiple_oids.
func (p *SNMPProbe) getMultipleOIDs(oids []string) (map[string]uint64, error) {
	if err := p.ensureConnected(); err != nil {
		return nil, fmt.Errorf("snmp connect: %w", err)
	}
	result, err := p.client.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmp get: %w", err)
	}
	out := make(map[string]uint64, len(result.Variables))
	for _, v := range result.Variables {
		switch v.Type {
		case gosnmp.Counter64:
			out[v.Name] = gosnmp.ToBigInt(v.Value).Uint64()
		case gosnmp.Counter32, gosnmp.Gauge32:
			out[v.Name] = uint64(gosnmp.ToBigInt(v.Value).Uint64())
		default:
			// NoSuchObject/NoSuchInstance etc: absent from the map signals
			// unsupported, triggering the 64->32 fallback above it.
		}
	}
	return out, nil
}

// Sample reads the current counters and returns the delta-derived rate
// since the last call. The 64-bit counters are tried first; if they are
// unsupported the probe falls back to 32-bit counters and never tries
// 64-bit again for this probe's lifetime (sticky), resetting the
// baseline on the transition so the first post-fallback sample doesn't
// mix 64-bit and 32-bit readings.
func (p *SNMPProbe) Sample(ctx context.Context) (Sample, bool, error) {
	inOID := oidIfHCInOctets
	outOID := oidIfHCOutOctets
	if !p.use64Bit {
		inOID = oidIfInOctets
		outOID = oidIfOutOctets
	}
	in := fmt.Sprintf("%s.%d", inOID, p.ifIndex)
	out := fmt.Sprintf("%s.%d", outOID, p.ifIndex)

	values, err := p.getMultipleOIDs([]string{in, out})
	if err != nil {
		return Sample{}, false, err
	}

	inVal, inOK := values[in]
	outVal, outOK := values[out]
	if p.use64Bit && (!inOK || !outOK) {
		p.log.Warn("64-bit SNMP counters unsupported, falling back to 32-bit", "interface", p.ifIndex)
		p.use64Bit = false
		p.haveBaseline = false
		return p.Sample(ctx)
	}
	if !inOK || !outOK {
		return Sample{}, false, fmt.Errorf("snmp: counters unavailable for interface %d", p.ifIndex)
	}

	now := time.Now()
	if !p.haveBaseline {
		p.baselineIn = inVal
		p.baselineOut = outVal
		p.baselineAt = now
		p.haveBaseline = true
		return Sample{}, false, nil
	}

	elapsed := now.Sub(p.baselineAt).Seconds()
	if elapsed <= 0 {
		return Sample{}, false, nil
	}

	wrapAt := uint64(math.MaxUint64)
	if !p.use64Bit {
		wrapAt = uint64(math.MaxUint32)
	}

	deltaIn := counterDelta(p.baselineIn, inVal, wrapAt)
	deltaOut := counterDelta(p.baselineOut, outVal, wrapAt)

	inboundMbps := float64(deltaIn) * 8 / elapsed / 1_000_000
	outboundMbps := float64(deltaOut) * 8 / elapsed / 1_000_000

	if inboundMbps*1_000_000 > maxSaneBitsPerSec || outboundMbps*1_000_000 > maxSaneBitsPerSec {
		p.log.Warn("snmp sample outside sane bandwidth range, resetting baseline", "interface", p.ifIndex, "in_mbps", inboundMbps, "out_mbps", outboundMbps)
		p.baselineIn = inVal
		p.baselineOut = outVal
		p.baselineAt = now
		return Sample{}, false, nil
	}

	p.baselineIn = inVal
	p.baselineOut = outVal
	p.baselineAt = now

	return Sample{InboundMbps: inboundMbps, OutboundMbps: outboundMbps, SampledAt: now}, true, nil
}

// counterDelta handles a single wraparound of a monotonically increasing
// counter. Multiple wraps between polls are not corrected for, matching
// the open question resolution in SPEC_FULL.md.
func counterDelta(prev, cur, wrapAt uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return (wrapAt - prev) + cur + 1
}

func (p *SNMPProbe) ListInterfaces(ctx context.Context) ([]Interface, error) {
	if err := p.ensureConnected(); err != nil {
		return nil, fmt.Errorf("snmp connect: %w", err)
	}
	var out []Interface
	err := p.client.BulkWalk(oidIfDescr, func(pdu gosnmp.SnmpPDU) error {
		name, ok := pdu.Value.(string)
		if !ok {
			name = string(pdu.Value.([]byte))
		}
		idx := lastOIDComponent(pdu.Name)
		if shouldSkipInterface(name) {
			return nil
		}
		out = append(out, Interface{Index: idx, Name: name})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snmp walk ifDescr: %w", err)
	}
	return out, nil
}

func shouldSkipInterface(name string) bool {
	lower := strings.ToLower(name)
	if strings.Contains(name, ".") {
		return true // VLAN sub-interface
	}
	for _, kw := range skipKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SuggestWAN scores each discovered interface and returns the best
// candidate, grounded in suggest_wan_interface's keyword scoring rules
// (WAN-ish keyword bonuses, LAN-ish keyword and VLAN-suffix penalties).
// The source's additional inbound-traffic-dominance tiers require a
// traffic sample per candidate interface; since discovery here only
// walks ifDescr, that tier is left to a future traffic-aware pass and
// noted in DESIGN.md rather than approximated.
func (p *SNMPProbe) SuggestWAN(ctx context.Context) (Interface, error) {
	ifaces, err := p.ListInterfaces(ctx)
	if err != nil {
		return Interface{}, err
	}
	if len(ifaces) == 0 {
		return Interface{}, fmt.Errorf("snmp: no candidate interfaces discovered")
	}

	best := ifaces[0]
	bestScore := math.Inf(-1)
	for _, iface := range ifaces {
		score := scoreInterface(iface.Name)
		if score > bestScore {
			bestScore = score
			best = iface
		}
	}
	return best, nil
}

func scoreInterface(name string) float64 {
	lower := strings.ToLower(name)
	var score float64

	for kw, bonus := range wanKeywordBonus {
		if strings.Contains(lower, kw) {
			score += bonus
		}
	}
	if lower == "eth4" || lower == "eth8" {
		score += 20 // common UniFi WAN port naming
	}
	if hasPrefix(lower, "eth", "igb", "em") {
		score += 5
	}
	for _, kw := range wanPenaltyKeywords {
		if strings.Contains(lower, kw) {
			score -= 30
		}
	}
	if strings.Contains(name, ".") {
		score -= 15
	}
	return score
}

func hasPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func lastOIDComponent(oid string) int {
	parts := strings.Split(oid, ".")
	if len(parts) == 0 {
		return 0
	}
	var n int
	fmt.Sscanf(parts[len(parts)-1], "%d", &n)
	return n
}
