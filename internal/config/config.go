// Package config implements cmd/tenbox-runtime's CLI surface (spec.md
// §4.20, §6.5) on top of the standard library `flag` package. Per
// SPEC_FULL.md §4.20, the on-disk VM manifest and any higher-level
// orchestration are owned by an external manager process; this is only
// the runtime binary's own bootstrapping flag surface.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// stringList collects a repeatable flag's values in the order given.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Config is the parsed `tenbox-runtime` command line.
type Config struct {
	KernelPath string
	InitrdPath string
	DiskPath   string
	Cmdline    string

	MemoryMB int
	CPUs     int

	Net      string   // "", "nat", or "tap:<ifname>"
	Forwards []string // "HOSTPORT:GUESTPORT"
	Shares   []string // "TAG:PATH" or "TAG:PATH:ro"

	VMID            string
	ControlEndpoint string // "" (none), "-" (stdio), or a unix socket path
	Interactive     bool

	Version bool
	Help    bool
}

// defaultMemoryMB and defaultCPUs seed the flags; spec.md §6.5 only
// requires --memory >= 16 and --cpus in [1,128], not specific defaults,
// so these match the teacher's own single-vCPU, modest-memory defaults.
const (
	defaultMemoryMB = 256
	defaultCPUs     = 1
)

// Parse parses args (excluding the program name) into a Config and
// validates it per spec.md §6.5. --version and --help short-circuit
// validation: callers should check those fields before using the rest.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("tenbox-runtime", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.KernelPath, "kernel", "", "path to a Linux bzImage kernel (required)")
	fs.StringVar(&cfg.InitrdPath, "initrd", "", "path to an initramfs image")
	fs.StringVar(&cfg.DiskPath, "disk", "", "path to a raw or qcow2 disk image")
	fs.StringVar(&cfg.Cmdline, "cmdline", "", "kernel command line")
	fs.IntVar(&cfg.MemoryMB, "memory", defaultMemoryMB, "guest memory in MiB, >= 16")
	fs.IntVar(&cfg.CPUs, "cpus", defaultCPUs, "guest vCPU count, 1..128")
	fs.StringVar(&cfg.Net, "net", "", "guest networking: \"nat\" or \"tap:<ifname>\"")
	fs.Var((*stringList)(&cfg.Forwards), "forward", "host:guest TCP port forward (repeatable)")
	fs.Var((*stringList)(&cfg.Shares), "share", "TAG:PATH[:ro] virtio-fs share (repeatable)")
	fs.StringVar(&cfg.VMID, "vm-id", "", "runtime id reported over the control endpoint")
	fs.StringVar(&cfg.ControlEndpoint, "control-endpoint", "", "runtime IPC endpoint: \"-\" for stdio, or a unix socket path")
	interactive := fs.String("interactive", "on", "\"on\" or \"off\": whether stdin/stdout are wired to the guest console")
	fs.BoolVar(&cfg.Version, "version", false, "print the runtime version and exit")
	fs.BoolVar(&cfg.Help, "help", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Version || cfg.Help {
		return cfg, nil
	}

	switch *interactive {
	case "on":
		cfg.Interactive = true
	case "off":
		cfg.Interactive = false
	default:
		return nil, fmt.Errorf("config: --interactive must be \"on\" or \"off\", got %q", *interactive)
	}

	if cfg.KernelPath == "" {
		return nil, fmt.Errorf("config: --kernel is required")
	}
	if cfg.MemoryMB < 16 {
		return nil, fmt.Errorf("config: --memory must be >= 16 MiB, got %d", cfg.MemoryMB)
	}
	if cfg.CPUs < 1 || cfg.CPUs > 128 {
		return nil, fmt.Errorf("config: --cpus must be in [1,128], got %d", cfg.CPUs)
	}
	if cfg.Net != "" && cfg.Net != "nat" && !strings.HasPrefix(cfg.Net, "tap:") {
		return nil, fmt.Errorf("config: --net must be \"nat\" or \"tap:<ifname>\", got %q", cfg.Net)
	}
	for _, f := range cfg.Forwards {
		if _, _, err := ParseForward(f); err != nil {
			return nil, err
		}
	}
	for _, s := range cfg.Shares {
		if _, _, _, err := ParseShare(s); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ParseForward splits a "--forward H:G" value into its host and guest
// ports.
func ParseForward(spec string) (hostPort, guestPort int, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: malformed --forward %q, want HOSTPORT:GUESTPORT", spec)
	}
	hostPort, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("config: malformed --forward host port %q: %w", parts[0], err)
	}
	guestPort, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("config: malformed --forward guest port %q: %w", parts[1], err)
	}
	return hostPort, guestPort, nil
}

// ParseShare splits a "--share TAG:PATH[:ro]" value.
func ParseShare(spec string) (tag, path string, readOnly bool, err error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return "", "", false, fmt.Errorf("config: malformed --share %q, want TAG:PATH[:ro]", spec)
	}
	tag, path = parts[0], parts[1]
	if tag == "" || path == "" {
		return "", "", false, fmt.Errorf("config: malformed --share %q, want TAG:PATH[:ro]", spec)
	}
	if len(parts) == 3 {
		if parts[2] != "ro" {
			return "", "", false, fmt.Errorf("config: malformed --share %q, trailing mode must be \"ro\"", spec)
		}
		readOnly = true
	}
	return tag, path, readOnly, nil
}

// ParseTap extracts the interface name from a "tap:<ifname>" --net value.
func ParseTap(net string) (ifname string, ok bool) {
	if !strings.HasPrefix(net, "tap:") {
		return "", false
	}
	return strings.TrimPrefix(net, "tap:"), true
}

// Usage returns the flag usage text for --help.
func Usage() string {
	fs := flag.NewFlagSet("tenbox-runtime", flag.ContinueOnError)
	var cfg Config
	var interactive string
	fs.StringVar(&cfg.KernelPath, "kernel", "", "path to a Linux bzImage kernel (required)")
	fs.StringVar(&cfg.InitrdPath, "initrd", "", "path to an initramfs image")
	fs.StringVar(&cfg.DiskPath, "disk", "", "path to a raw or qcow2 disk image")
	fs.StringVar(&cfg.Cmdline, "cmdline", "", "kernel command line")
	fs.IntVar(&cfg.MemoryMB, "memory", defaultMemoryMB, "guest memory in MiB, >= 16")
	fs.IntVar(&cfg.CPUs, "cpus", defaultCPUs, "guest vCPU count, 1..128")
	fs.StringVar(&cfg.Net, "net", "", "guest networking: \"nat\" or \"tap:<ifname>\"")
	fs.Var((*stringList)(&cfg.Forwards), "forward", "host:guest TCP port forward (repeatable)")
	fs.Var((*stringList)(&cfg.Shares), "share", "TAG:PATH[:ro] virtio-fs share (repeatable)")
	fs.StringVar(&cfg.VMID, "vm-id", "", "runtime id reported over the control endpoint")
	fs.StringVar(&cfg.ControlEndpoint, "control-endpoint", "", "runtime IPC endpoint: \"-\" for stdio, or a unix socket path")
	fs.StringVar(&interactive, "interactive", "on", "\"on\" or \"off\": whether stdin/stdout are wired to the guest console")
	fs.BoolVar(&cfg.Version, "version", false, "print the runtime version and exit")
	fs.BoolVar(&cfg.Help, "help", false, "print usage and exit")

	var b strings.Builder
	fs.SetOutput(&b)
	fs.PrintDefaults()
	return b.String()
}
