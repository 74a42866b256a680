package hardware

// Module describes one UART-attached module discovered during the
// handshake probe: its self-reported name and the event names it wants
// wired into the channel layout.
type Module struct {
	Connected     bool
	Name          string
	NSerialEvents int
	EventNames    []string
}

// ModuleRegistry holds the modules discovered on the device's UART
// channels, ordered to match the 'U' tags in Descriptor.Inputs. Entries
// are recorded with Set (this package does not itself probe the UART
// channels), then the registry is handed to the ChannelLayoutResolver
// alongside the Descriptor.
type ModuleRegistry struct {
	modules []Module
}

// NewModuleRegistry builds a registry sized for nUART channels, all
// initially disconnected; Set fills in entries as modules respond.
func NewModuleRegistry(nUART int) *ModuleRegistry {
	return &ModuleRegistry{modules: make([]Module, nUART)}
}

// Set records the probe result for UART channel index idx (0-based).
func (r *ModuleRegistry) Set(idx int, m Module) {
	if idx < 0 || idx >= len(r.modules) {
		return
	}
	r.modules[idx] = m
}

// Module returns the (possibly disconnected) module recorded for UART
// channel idx.
func (r *ModuleRegistry) Module(idx int) Module {
	if idx < 0 || idx >= len(r.modules) {
		return Module{}
	}
	return r.modules[idx]
}

// Len reports the number of UART channels tracked.
func (r *ModuleRegistry) Len() int { return len(r.modules) }
