// Package bpf provides the CO-RE BPF loader and ring buffer accessor for
// the Tracer kernel probe adapter.
//
// Responsibilities:
//   - Verify kernel version (>= 5.8, for ring buffer map support).
//   - Load the embedded BPF ELF object via cilium/ebpf CO-RE, pinning the
//     maps under /sys/fs/bpf/tracer so they survive daemon restarts.
//   - Attach tracepoint programs for process exec, process exit, and the
//     OOM-kill kprobe.
//   - Expose the events ring buffer map and drop counter to the forwarding
//     goroutine in internal/kernel.
//
// Failure contract:
//   - Any failure in Load() causes the daemon to fall back to the procfs
//     poller (internal/procfs) rather than aborting startup — the kernel
//     probe is a performance optimisation, not a hard dependency. The
//     caller (cmd/tracerd) is responsible for making that fallback
//     decision; Load() itself just reports the error.
package bpf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

const (
	// MinKernelMajor and MinKernelMinor define the minimum supported kernel
	// (ring buffer maps require >= 5.8).
	MinKernelMajor = 5
	MinKernelMinor = 8

	// EventsMapName is the ring buffer map name as declared in the C source.
	EventsMapName = "events"

	// DropCounterMapName is the per-CPU drop counter map name.
	DropCounterMapName = "tracer_drop_counter"

	// BPFPinPath is the BPF filesystem directory the maps are pinned under,
	// so they (including the drop counter) survive daemon restarts.
	BPFPinPath = "/sys/fs/bpf/tracer"
)

// Objects holds references to all loaded BPF programs and maps. Callers
// must call Close() when done to release kernel resources.
type Objects struct {
	// Programs (tracepoint / kprobe hooks)
	ProcessExec *ebpf.Program
	ProcessExit *ebpf.Program
	OOMKill     *ebpf.Program

	// Maps
	Events      *ebpf.Map
	DropCounter *ebpf.Map

	// Links (keep alive to maintain attachment)
	links []link.Link
}

// Close releases all BPF resources: programs, maps, and tracepoint links.
// Safe to call multiple times.
func (o *Objects) Close() error {
	var errs []error
	for _, l := range o.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.ProcessExec != nil {
		errs = append(errs, o.ProcessExec.Close())
	}
	if o.ProcessExit != nil {
		errs = append(errs, o.ProcessExit.Close())
	}
	if o.OOMKill != nil {
		errs = append(errs, o.OOMKill.Close())
	}
	if o.Events != nil {
		errs = append(errs, o.Events.Close())
	}
	if o.DropCounter != nil {
		errs = append(errs, o.DropCounter.Close())
	}
	return errors.Join(errs...)
}

// Load performs the full BPF initialisation sequence:
//  1. Kernel version check (>= 5.8).
//  2. Load ELF from embedded bytes via CO-RE, pinning maps by name under
//     BPFPinPath so existing pinned maps are reused on restart.
//  3. Attach tracepoint/kprobe programs.
//
// Returns a fully initialised *Objects or a descriptive error. On any
// error, all partially allocated resources are released.
func Load() (*Objects, error) {
	if err := checkKernelVersion(MinKernelMajor, MinKernelMinor); err != nil {
		return nil, fmt.Errorf("kernel version check failed: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpfObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection spec: %w", err)
	}

	if err := os.MkdirAll(BPFPinPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create BPF pin path %s: %w", BPFPinPath, err)
	}

	// Pin maps by name so existing pinned maps are reused on restart,
	// preserving the drop counter across daemon crashes.
	for _, mapSpec := range spec.Maps {
		mapSpec.Pinning = ebpf.PinByName
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{
			PinPath: BPFPinPath,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection: %w", err)
	}

	objs := &Objects{
		ProcessExec: coll.Programs["tracer_process_exec"],
		ProcessExit: coll.Programs["tracer_process_exit"],
		OOMKill:     coll.Programs["tracer_oom_kill"],
		Events:      coll.Maps[EventsMapName],
		DropCounter: coll.Maps[DropCounterMapName],
	}

	if err := objs.validate(); err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("BPF object validation failed: %w", err)
	}

	if err := objs.attach(); err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("tracepoint attachment failed: %w", err)
	}

	return objs, nil
}

// validate checks that all expected BPF objects were loaded.
func (o *Objects) validate() error {
	var missing []string
	if o.ProcessExec == nil {
		missing = append(missing, "program:tracer_process_exec")
	}
	if o.ProcessExit == nil {
		missing = append(missing, "program:tracer_process_exit")
	}
	if o.OOMKill == nil {
		missing = append(missing, "program:tracer_oom_kill")
	}
	if o.Events == nil {
		missing = append(missing, "map:"+EventsMapName)
	}
	if o.DropCounter == nil {
		missing = append(missing, "map:"+DropCounterMapName)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing BPF objects: %v", missing)
	}
	return nil
}

// attach attaches the exec/exit tracepoints and the OOM-kill kprobe,
// storing the links for the lifetime of the adapter.
func (o *Objects) attach() error {
	execLink, err := link.Tracepoint("sched", "sched_process_exec", o.ProcessExec, nil)
	if err != nil {
		return fmt.Errorf("attach sched_process_exec: %w", err)
	}
	o.links = append(o.links, execLink)

	exitLink, err := link.Tracepoint("sched", "sched_process_exit", o.ProcessExit, nil)
	if err != nil {
		return fmt.Errorf("attach sched_process_exit: %w", err)
	}
	o.links = append(o.links, exitLink)

	oomLink, err := link.Kprobe("oom_kill_process", o.OOMKill, nil)
	if err != nil {
		return fmt.Errorf("attach oom_kill_process kprobe: %w", err)
	}
	o.links = append(o.links, oomLink)

	return nil
}

// ReadDropCount reads the total ring buffer drop count across all CPUs.
// Returns the sum of per-CPU counters.
func (o *Objects) ReadDropCount() (uint64, error) {
	var key uint32 = 0
	var perCPUValues []uint64
	if err := o.DropCounter.Lookup(key, &perCPUValues); err != nil {
		return 0, fmt.Errorf("ReadDropCount: %w", err)
	}
	var total uint64
	for _, v := range perCPUValues {
		total += v
	}
	return total, nil
}

// ─── Kernel / environment checks ─────────────────────────────────────────────

// checkKernelVersion reads the running kernel version via uname(2) and
// verifies it meets the minimum requirement.
func checkKernelVersion(major, minor int) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname failed: %w", err)
	}
	// Utsname.Release is a [65]int8 on Linux/amd64.
	release := unix.ByteSliceToString((*[65]byte)(unsafe.Pointer(&uts.Release[0]))[:])

	var kMajor, kMinor, kPatch int
	if _, err := fmt.Sscanf(release, "%d.%d.%d", &kMajor, &kMinor, &kPatch); err != nil {
		return fmt.Errorf("failed to parse kernel version %q: %w", release, err)
	}

	if kMajor < major || (kMajor == major && kMinor < minor) {
		return fmt.Errorf("kernel %d.%d.%d < required %d.%d",
			kMajor, kMinor, kPatch, major, minor)
	}
	return nil
}
