// Package stats implements the kernel's lightweight statistics
// counters (irq/cycle counters, syscall counters) plus a pprof export
// path. Rdtsc derives a cycle proxy from the monotonic wall clock,
// since hosted Go has no portable access to the TSC. ToProfile wires
// github.com/google/pprof/profile so Counter_t/Cycles_t fields can be
// dumped as a pprof sample for `go tool pprof` consumption.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/pprof/profile"
)

const Stats = false
const Timing = false

// assumedHz approximates a modern x86 TSC rate so Rdtsc's fake ticks
// stay in a realistic cycle-count range for printed diagnostics.
const assumedHz = 3_000_000_000

var Nirqs [100]int
var Irqs int

/// Rdtsc returns a monotonic cycle count when enabled. There is no
/// portable rdtsc instruction reachable from hosted Go, so this
/// derives a cycle-scaled value from the monotonic wall clock.
func Rdtsc() uint64 {
	if Stats {
		return uint64(time.Now().UnixNano()) * (assumedHz / 1e9)
	}
	return 0
}

/// Counter_t is a statistical counter.
type Counter_t int64

/// Cycles_t holds a cycle count.
type Cycles_t int64

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

/// Add adds elapsed cycles to the counter.
func (c *Cycles_t) Add(m uint64) {
	if Timing {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, int64(Rdtsc()-m))
	}
}

/// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}

	}
	return s + "\n"
}

/// ToProfile walks a struct of Counter_t/Cycles_t fields and renders
/// it as a pprof profile.Profile with one sample per field, so kernel
/// counters (irq counts, allocator cycles) can be inspected with the
/// standard pprof toolchain rather than a bespoke text dump.
func ToProfile(st interface{}) *profile.Profile {
	v := reflect.ValueOf(st)
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
		TimeNanos:  0,
	}
	byName := map[string]*profile.Function{}
	var loc uint64 = 1
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		t := v.Field(i).Type().String()
		var val int64
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			val = int64(v.Field(i).Interface().(Counter_t))
		case strings.HasSuffix(t, "Cycles_t"):
			val = int64(v.Field(i).Interface().(Cycles_t))
		default:
			continue
		}
		fn, ok := byName[name]
		if !ok {
			fn = &profile.Function{ID: uint64(len(p.Function) + 1), Name: name}
			p.Function = append(p.Function, fn)
			byName[name] = fn
		}
		l := &profile.Location{
			ID:   loc,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, l)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{l},
			Value:    []int64{val},
		})
		loc++
	}
	return p
}
