package driver

// ParkedDriver keeps an audio driver that doesn't drive the graph while
// its output device is being switched. Dropping the handle ends the switch.
type ParkedDriver struct {
	d *AudioCallbackDriver
	// callbacks received while switching
	callbacks int
}

// ParkForDeviceSwitch returns nil if the driver is parked already.
func (d *AudioCallbackDriver) ParkForDeviceSwitch() *ParkedDriver {
	p := &ParkedDriver{d: d}
	if !d.parked.CompareAndSwap(nil, p) {
		return nil
	}
	return p
}

func (p *ParkedDriver) Driver() *AudioCallbackDriver { return p.d }

func (p *ParkedDriver) Drop() { p.d.parked.CompareAndSwap(p, nil) }

// IsSwitchingDevice tells whether the driver is parked.
func (d *AudioCallbackDriver) IsSwitchingDevice() bool { return d.parked.Load() != nil }
