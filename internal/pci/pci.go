// Package pci implements the minimal PCI(e) configuration-space bus
// walk the boot path uses to find the NVMe controller via class code
// 01/08/02.
package pci

import "fmt"

// ClassMassStorage/SubclassNVM/ProgIfNVMExpress identify an NVMe
// controller in PCI config space (class 01h, subclass 08h, prog-if 02h).
const (
	ClassMassStorage   = 0x01
	SubclassNVM        = 0x08
	ProgIfNVMExpress   = 0x02
	maxBus, maxSlot     = 256, 32
	maxFunc             = 8
)

/// Function_t is one PCI function discovered during the bus walk.
type Function_t struct {
	Bus, Slot, Func int
	VendorID        uint16
	DeviceID        uint16
	Class           uint8
	Subclass        uint8
	ProgIf          uint8
	BAR             [6]uint32
}

/// IsNVMe reports whether this function matches the NVMe class code.
func (f Function_t) IsNVMe() bool {
	return f.Class == ClassMassStorage && f.Subclass == SubclassNVM && f.ProgIf == ProgIfNVMExpress
}

func (f Function_t) String() string {
	return fmt.Sprintf("%02x:%02x.%x [%04x:%04x] class %02x%02x%02x",
		f.Bus, f.Slot, f.Func, f.VendorID, f.DeviceID, f.Class, f.Subclass, f.ProgIf)
}

/// ConfigSpace_i abstracts reading PCI configuration space, so the bus
/// walk can run against a real MMCONFIG window or, as in tests and
/// this hosted simulation, a fake in-memory one.
type ConfigSpace_i interface {
	ReadFunction(bus, slot, fn int) (Function_t, bool)
}

/// Scan walks every (bus, slot, function) address and returns every
/// function that responds (vendor ID != 0xffff).
func Scan(cs ConfigSpace_i) []Function_t {
	var found []Function_t
	for bus := 0; bus < maxBus; bus++ {
		for slot := 0; slot < maxSlot; slot++ {
			for fn := 0; fn < maxFunc; fn++ {
				f, ok := cs.ReadFunction(bus, slot, fn)
				if !ok || f.VendorID == 0xffff {
					if fn == 0 {
						break
					}
					continue
				}
				found = append(found, f)
			}
		}
	}
	return found
}

/// FindNVMe scans cs and returns the first NVMe-class function found.
func FindNVMe(cs ConfigSpace_i) (Function_t, bool) {
	for _, f := range Scan(cs) {
		if f.IsNVMe() {
			return f, true
		}
	}
	return Function_t{}, false
}
