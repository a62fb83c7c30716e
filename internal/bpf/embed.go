package bpf

// bpfObjectBytes holds the compiled BPF ELF object (tracepoint programs for
// sched_process_exec, sched_process_exit, and the OOM-kill kprobe, plus the
// events ring buffer and drop counter maps). It is produced by `bpf2go`
// from the C source under bpf/tracer.bpf.c as a build step external to this
// module and embedded here via go:generate; the generated bpf_bpfel.go
// (which supplies this variable through a go:embed directive) is not part
// of this source tree.
var bpfObjectBytes []byte
