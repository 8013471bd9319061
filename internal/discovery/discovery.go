// Package discovery finds USB attached printers and hands them to the farm.
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"

	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/core"
)

// Device is a serial port that looks like a printer.
type Device struct {
	ID       core.PrinterID
	Endpoint string
	Product  string
}

// ListFunc enumerates the serial ports of the host.
type ListFunc func() ([]*enumerator.PortDetails, error)

// Connector is the part of the farm discovery needs.
type Connector interface {
	Has(id core.PrinterID) bool
	ConnectDevice(ctx context.Context, id core.PrinterID, endpoint string) error
}

type SerialDiscoverer struct {
	list     ListFunc
	vendors  map[string]bool
	farm     Connector
	interval time.Duration
	log      *logrus.Entry
}

func New(cfg config.DiscoveryConfig, farm Connector, logger *logrus.Logger) *SerialDiscoverer {
	return newDiscoverer(cfg, farm, enumerator.GetDetailedPortsList, logger)
}

func newDiscoverer(cfg config.DiscoveryConfig, farm Connector, list ListFunc, logger *logrus.Logger) *SerialDiscoverer {
	vendors := make(map[string]bool, len(cfg.VendorIDs))
	for _, v := range cfg.VendorIDs {
		vendors[strings.ToUpper(strings.TrimSpace(v))] = true
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SerialDiscoverer{
		list:     list,
		vendors:  vendors,
		farm:     farm,
		interval: interval,
		log:      logger.WithField("component", "discovery"),
	}
}

// Scan returns the USB serial ports whose vendor id is accepted. With no
// vendor ids configured every USB port is accepted.
func (d *SerialDiscoverer) Scan() ([]Device, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []Device
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		vid := strings.ToUpper(p.VID)
		if len(d.vendors) > 0 && !d.vendors[vid] {
			continue
		}
		devices = append(devices, Device{
			ID:       DeviceID(p),
			Endpoint: p.Name,
			Product:  p.Product,
		})
	}
	return devices, nil
}

// DeviceID names a port by its USB identity so the id survives the port
// being renumbered: usb-<vid>-<pid>-<serial>.
func DeviceID(p *enumerator.PortDetails) core.PrinterID {
	serial := p.SerialNumber
	if serial == "" {
		serial = filepath.Base(p.Name)
	}
	return core.PrinterID(strings.ToLower(fmt.Sprintf("usb-%s-%s-%s", p.VID, p.PID, serial)))
}

// Sync connects every discovered device the farm does not know yet and
// returns how many were added.
func (d *SerialDiscoverer) Sync(ctx context.Context) (int, error) {
	devices, err := d.Scan()
	if err != nil {
		return 0, err
	}

	added := 0
	for _, dev := range devices {
		if d.farm.Has(dev.ID) {
			continue
		}
		entry := d.log.WithFields(logrus.Fields{
			"printer_id": dev.ID,
			"endpoint":   dev.Endpoint,
			"product":    dev.Product,
		})
		if err := d.farm.ConnectDevice(ctx, dev.ID, dev.Endpoint); err != nil {
			entry.WithError(err).Warn("Discovered printer did not connect")
			continue
		}
		entry.Info("Discovered printer connected")
		added++
	}
	return added, nil
}

// Run syncs immediately and then on every interval until ctx is done.
func (d *SerialDiscoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.Sync(ctx); err != nil {
			d.log.WithError(err).Error("Discovery scan failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
