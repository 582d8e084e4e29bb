// Package directory pkg/directory/snmp_probe.go probes on-prem devices
// over SNMP when the directory service cannot answer for them. The probe
// reads the firmware and hardware revision OIDs directly off the device.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/mfreeman451/fleetota/pkg/models"
)

// Standard ENTITY-MIB revision OIDs for the first physical entity.
const (
	oidHardwareRev = ".1.3.6.1.2.1.47.1.1.1.1.8.1"
	oidFirmwareRev = ".1.3.6.1.2.1.47.1.1.1.1.9.1"
)

// ProbeError wraps SNMP-specific errors with additional context.
type ProbeError struct {
	Op      string
	Target  string
	Wrapped error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("SNMP %s failed for target %s: %v", e.Op, e.Target, e.Wrapped)
}

// Resolver maps a device identifier to an SNMP target address. Devices
// unknown to the resolver are not probeable.
type Resolver func(deviceID string) (host string, ok bool)

// SNMPProbe implements Client for devices reachable by direct SNMP query.
type SNMPProbe struct {
	resolve   Resolver
	community string
	port      uint16
	timeout   time.Duration
	retries   int

	mu      sync.Mutex
	clients map[string]*gosnmp.GoSNMP
}

// NewSNMPProbe creates an SNMP-backed directory probe.
func NewSNMPProbe(resolve Resolver, community string, port uint16, timeout time.Duration) *SNMPProbe {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &SNMPProbe{
		resolve:   resolve,
		community: community,
		port:      port,
		timeout:   timeout,
		retries:   1,
		clients:   make(map[string]*gosnmp.GoSNMP),
	}
}

func (p *SNMPProbe) client(host string) (*gosnmp.GoSNMP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[host]; ok {
		return c, nil
	}

	c := &gosnmp.GoSNMP{
		Target:             host,
		Port:               p.port,
		Community:          p.community,
		Version:            gosnmp.Version2c,
		Timeout:            p.timeout,
		Retries:            p.retries,
		ExponentialTimeout: true,
		MaxOids:            gosnmp.MaxOids,
	}

	if err := c.Connect(); err != nil {
		return nil, &ProbeError{Op: "connect", Target: host, Wrapped: err}
	}

	p.clients[host] = c

	return c, nil
}

// GetDevice answers a directory lookup by querying the device itself.
func (p *SNMPProbe) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	host, ok := p.resolve(deviceID)
	if !ok {
		return &models.Device{ID: deviceID, Exists: false}, nil
	}

	client, err := p.client(host)
	if err != nil {
		return nil, models.NewServiceUnavailableError("snmp probe", err)
	}

	result, err := client.Get([]string{oidHardwareRev, oidFirmwareRev})
	if err != nil {
		return nil, models.NewServiceUnavailableError("snmp probe",
			&ProbeError{Op: "get", Target: host, Wrapped: err})
	}

	device := &models.Device{ID: deviceID, Exists: true}

	for _, variable := range result.Variables {
		value := pduString(variable)
		if value == "" {
			continue
		}

		switch variable.Name {
		case oidHardwareRev:
			device.HardwareVersion = value
		case oidFirmwareRev:
			device.CurrentFirmwareVersion = value
		}
	}

	return device, nil
}

// Close tears down all cached SNMP connections.
func (p *SNMPProbe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for host, c := range p.clients {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}

		delete(p.clients, host)
	}
}

func pduString(v gosnmp.SnmpPDU) string {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
	default:
	}

	if s, ok := v.Value.(string); ok {
		return s
	}

	return ""
}
