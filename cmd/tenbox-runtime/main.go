// Command tenbox-runtime is the per-VM process (spec.md §4.20, §6.5):
// it parses the runtime's own bootstrapping flags, builds one VM from
// them, and runs it to completion.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/config"
	"github.com/tenbox/tenbox/internal/device/virtio/fs"
	ipcruntime "github.com/tenbox/tenbox/internal/ipc/runtime"
	"github.com/tenbox/tenbox/internal/netstack/nat"
	"github.com/tenbox/tenbox/internal/netstack/tap"
	"github.com/tenbox/tenbox/internal/vmm"
)

// version is the runtime's own release identifier; overridden at build
// time with -ldflags if a release process wants to stamp a real one.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg.Help {
		fmt.Println(config.Usage())
		return 0
	}
	if cfg.Version {
		fmt.Println("tenbox-runtime " + version)
		return 0
	}

	log := logrus.NewEntry(logrus.StandardLogger())

	vmCfg := vmm.Config{
		CPUCount:     cfg.CPUs,
		MemoryBytes:  uint64(cfg.MemoryMB) * 1024 * 1024,
		KernelPath:   cfg.KernelPath,
		InitrdPath:   cfg.InitrdPath,
		Cmdline:      cfg.Cmdline,
		DiskPath:     cfg.DiskPath,
		DiskReadOnly: false,
		VMID:         cfg.VMID,
		Log:          log,
	}

	if cfg.Interactive {
		vmCfg.ConsoleOut = os.Stdout
	}

	for _, spec := range cfg.Shares {
		tag, path, ro, err := config.ParseShare(spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		vmCfg.Shares = append(vmCfg.Shares, fs.Share{Tag: tag, HostPath: path, ReadOnly: ro})
	}

	if err := configureNet(&vmCfg, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if cfg.ControlEndpoint != "" {
		endpoint, err := openControlEndpoint(cfg.ControlEndpoint, cfg.VMID, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		vmCfg.Runtime = endpoint
	}

	vm, err := vmm.New(vmCfg)
	if err != nil {
		log.WithError(err).Error("tenbox-runtime: failed to construct VM")
		return 1
	}
	defer vm.Close()

	if err := vm.Run(); err != nil {
		if err == vmm.ErrGuestRebootRequested {
			return 128
		}
		log.WithError(err).Error("tenbox-runtime: VM exited with error")
		return 1
	}
	return 0
}

func configureNet(vmCfg *vmm.Config, cfg *config.Config) error {
	switch {
	case cfg.Net == "":
		vmCfg.Net.Mode = vmm.NetModeNone
	case cfg.Net == "nat":
		vmCfg.Net.Mode = vmm.NetModeNAT
		vmCfg.Net.NAT = nat.Config{
			GatewayIP: net.IPv4(10, 0, 2, 2),
			GuestIP:   net.IPv4(10, 0, 2, 15),
			Netmask:   net.IPv4(255, 255, 255, 0),
		}
		vmCfg.Net.MAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
		for _, spec := range cfg.Forwards {
			host, guest, err := config.ParseForward(spec)
			if err != nil {
				return err
			}
			vmCfg.Net.PortForwards = append(vmCfg.Net.PortForwards, nat.PortForward{
				HostPort: host, GuestPort: uint16(guest),
			})
		}
	default:
		ifname, ok := config.ParseTap(cfg.Net)
		if !ok {
			return fmt.Errorf("tenbox-runtime: unrecognized --net %q", cfg.Net)
		}
		vmCfg.Net.Mode = vmm.NetModeTap
		vmCfg.Net.TapName = ifname
		mac, err := tap.HardwareAddr(ifname)
		if err == nil {
			copy(vmCfg.Net.MAC[:], mac)
		} else {
			vmCfg.Net.MAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
		}
	}
	return nil
}

// openControlEndpoint wires the runtime IPC duplex stream (spec.md
// §4.18): "-" pins it to this process's own stdio, anything else is
// treated as a unix domain socket path the manager already listens on.
func openControlEndpoint(endpoint, vmID string, log *logrus.Entry) (*ipcruntime.Endpoint, error) {
	if endpoint == "-" {
		id := vmID
		if id == "" {
			id = ipcruntime.NewVMID()
		}
		return ipcruntime.New(os.Stdout, os.Stdin, id, log.WithField("component", "ipc")), nil
	}

	conn, err := net.Dial("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("tenbox-runtime: dial control endpoint %q: %w", endpoint, err)
	}
	id := vmID
	if id == "" {
		id = ipcruntime.NewVMID()
	}
	return ipcruntime.New(conn, conn, id, log.WithField("component", "ipc")), nil
}
