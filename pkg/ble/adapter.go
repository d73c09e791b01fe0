package ble

import (
	"fmt"

	"github.com/commatea/ble-bridge/pkg/bleuuid"
	"tinygo.org/x/bluetooth"
)

// ScanResult is the subset of an advertisement the Transport's scan-match
// policy needs. It is a flat value, not a handle into the adapter's object
// graph, so match logic never touches the underlying stack's Device type.
type ScanResult struct {
	Address      string
	LocalName    string
	ServiceUUIDs []string
}

// Peripheral is a connected BLE device, reduced to the operations the
// Transport needs. Concrete Service/Characteristic objects are resolved
// once at connect time and never held onto beyond that — the bridge keeps a
// flat table of handles (see Transport.writeChar/notifyChar) instead of the
// Device->Service->Characteristic object cycle the underlying stacks use.
type Peripheral interface {
	DiscoverCharacteristics(serviceUUID string, charUUIDs []string) (map[string]Characteristic, error)
	Disconnect() error
	SetDisconnectHandler(func())
}

// Characteristic is a single GATT characteristic, write and/or notify.
type Characteristic interface {
	EnableNotifications(func([]byte)) error
	WriteWithoutResponse([]byte) (int, error)
}

// Adapter owns the host's single BLE radio handle. The bridge process holds
// exactly one; tests substitute a fake (see fakeAdapter in transport_test.go).
type Adapter interface {
	Enable() error
	// Scan invokes callback for each advertisement seen until callback
	// returns true (found) or stopScan is requested. Scan blocks until one
	// of those or the adapter is told to StopScan from another goroutine.
	Scan(callback func(ScanResult) (stop bool)) error
	StopScan() error
	Connect(address string) (Peripheral, error)
}

// tinygoAdapter adapts *bluetooth.Adapter (and the Device/Service/
// Characteristic types it returns) to the Adapter/Peripheral/Characteristic
// interfaces above.
type tinygoAdapter struct {
	adapter *bluetooth.Adapter
}

// NewTinygoAdapter wraps the host's default BLE adapter.
func NewTinygoAdapter() Adapter {
	return &tinygoAdapter{adapter: bluetooth.DefaultAdapter}
}

func (a *tinygoAdapter) Enable() error {
	return a.adapter.Enable()
}

func (a *tinygoAdapter) Scan(callback func(ScanResult) (stop bool)) error {
	return a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		sr := ScanResult{
			Address:   result.Address.String(),
			LocalName: result.LocalName(),
		}
		for _, uuid := range result.AdvertisementPayload.ServiceUUIDs() {
			sr.ServiceUUIDs = append(sr.ServiceUUIDs, bleuuid.Normalize(uuid.String()))
		}
		if callback(sr) {
			adapter.StopScan()
		}
	})
}

func (a *tinygoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *tinygoAdapter) Connect(address string) (Peripheral, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("parse peripheral address %q: %w", address, err)
	}
	device, err := a.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinygoPeripheral{device: device}, nil
}

type tinygoPeripheral struct {
	device bluetooth.Device
}

func (p *tinygoPeripheral) DiscoverCharacteristics(serviceUUID string, charUUIDs []string) (map[string]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid %q: %w", serviceUUID, err)
	}
	services, err := p.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		return nil, fmt.Errorf("discover service %s: %w", serviceUUID, err)
	}

	var wantUUIDs []bluetooth.UUID
	for _, u := range charUUIDs {
		if u == "" {
			continue
		}
		parsed, err := bluetooth.ParseUUID(u)
		if err != nil {
			return nil, fmt.Errorf("parse characteristic uuid %q: %w", u, err)
		}
		wantUUIDs = append(wantUUIDs, parsed)
	}
	if len(wantUUIDs) == 0 {
		return map[string]Characteristic{}, nil
	}

	chars, err := services[0].DiscoverCharacteristics(wantUUIDs)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	table := make(map[string]Characteristic, len(chars))
	for i := range chars {
		c := chars[i]
		table[bleuuid.Normalize(c.UUID().String())] = &tinygoCharacteristic{char: c}
	}
	return table, nil
}

func (p *tinygoPeripheral) Disconnect() error {
	return p.device.Disconnect()
}

func (p *tinygoPeripheral) SetDisconnectHandler(fn func()) {
	p.device.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			fn()
		}
	})
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) EnableNotifications(fn func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		fn(data)
	})
}

func (c *tinygoCharacteristic) WriteWithoutResponse(data []byte) (int, error) {
	return c.char.WriteWithoutResponse(data)
}
