// Command mellokernel boots the hosted build: it wires together every
// internal/* subsystem the way the real SMP bring-up of spec section 4.4
// would, brings up the configured number of APs, mounts the root mfs
// image, spawns init, and then blocks serving the scheduler's per-CPU
// ticks until interrupted. There is no real hardware underneath this
// process, so the platform-layer console (internal/platform.Writer) is
// wired against a fake always-ready serial port purely to exercise the
// same boot-log path main.go's original _comready/_kready console
// writes did; nothing here pokes actual machine state.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/justanotherdot/mello/internal/bootcfg"
	"github.com/justanotherdot/mello/internal/fs/mfs"
	"github.com/justanotherdot/mello/internal/ipc"
	"github.com/justanotherdot/mello/internal/kernel"
	"github.com/justanotherdot/mello/internal/klog"
	"github.com/justanotherdot/mello/internal/mm"
	"github.com/justanotherdot/mello/internal/platform"
	"github.com/justanotherdot/mello/internal/proc"
	"github.com/justanotherdot/mello/internal/sched"
	"github.com/justanotherdot/mello/internal/smp"
	"github.com/justanotherdot/mello/internal/vfs"
)

const (
	physBase   = 0
	physFrames = 1 << 18 // 1 GiB of simulated physical memory, 4 KiB frames

	lapicBase      = 0xfee00000
	defaultImgSize = 16384 // blocks, fresh image only
)

func main() {
	cfg := bootcfg.Default()
	var imagePath string
	var ncpu int

	root := &cobra.Command{
		Use:   "mellokernel",
		Short: "Boot the hosted kernel build",
		RunE: func(cmd *cobra.Command, args []string) error {
			logRoot, err := klog.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logRoot.Sync()
			return boot(cfg, logRoot, imagePath, ncpu)
		},
	}
	root.Flags().StringVar(&imagePath, "image", "mello.img", "path to the root mfs image")
	root.Flags().IntVar(&ncpu, "ncpu", 1, "number of CPUs to bring up, including the BSP")
	cfg.BindFlags(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func boot(cfg bootcfg.Config, logRoot *klog.Root, imagePath string, ncpu int) error {
	log := logRoot.For("boot")
	if ncpu < 1 {
		ncpu = 1
	}
	if cfg.MaxCPUs > 0 && ncpu > cfg.MaxCPUs {
		ncpu = cfg.MaxCPUs
	}

	log.Info("bringing up memory management", "frames", physFrames)
	mem := mm.NewPhysMem(physBase, physFrames)
	frames := mm.NewFrameAllocator(physBase, physFrames)
	cow := mm.NewCOWTable()

	ipi := smp.NewIPIController(logRoot.For("smp"))
	mmu := mm.NewPageTable(mem, frames, cow, ipi, logRoot.For("mm"))
	if _, err := mmu.BootstrapKernelHalf(); err != nil {
		return fmt.Errorf("boot: bootstrap kernel half: %w", err)
	}

	s := sched.NewScheduler(ncpu, cfg.RunqueueDepth, ipi, logRoot.For("sched"))
	for cpu := 0; cpu < ncpu; cpu++ {
		idle, err := s.Spawn(fmt.Sprintf("idle%d", cpu), sched.Low, 0, 0, sched.SavedContext{}, cpu)
		if err != nil {
			return fmt.Errorf("boot: spawn idle task for cpu %d: %w", cpu, err)
		}
		s.SetIdle(cpu, idle.ID)
	}

	bringUpAPs(logRoot, ipi, ncpu)

	procs := proc.NewTable(s, mmu, frames, 4096, logRoot.For("proc"))
	ports := ipc.NewTable(logRoot.For("ipc"))

	log.Info("mounting root filesystem", "image", imagePath)
	rootfs, err := mountRoot(imagePath, logRoot.For("mfs"))
	if err != nil {
		return fmt.Errorf("boot: mount root: %w", err)
	}

	mounts := vfs.NewMountTable()
	resolver := vfs.NewResolver(mounts)
	rootInode := rootfs.Root()

	kern := kernel.New(s, procs, mmu, frames, ports, rootInode, mounts, resolver, logRoot.For("kernel"))

	initFd, errno := vfs.Open(resolver, rootInode, rootInode, ".", vfs.OpenFlags{Directory: true}, 0, vfs.FD_READ)
	if errno != 0 {
		return fmt.Errorf("boot: open root cwd for init: errno %d", errno)
	}
	initProc, err := procs.Spawn("init", initFd, sched.Normal, sched.SavedContext{}, 0)
	if err != nil {
		return fmt.Errorf("boot: spawn init: %w", err)
	}
	log.Info("init spawned", "pid", initProc.Pid)
	_ = kern // the SYSCALL trap path is driven by the platform layer on
	// real hardware; this hosted build only exercises it through
	// internal/kernel's own tests, since there is no trap to field here.

	serial := platform.NewWriter(nullSerialPort{})
	fmt.Fprintf(serial, "mello: booted %d cpu(s), init pid %d\n", ncpu, initProc.Pid)

	log.Info("boot complete, idling until signalled")
	return serveUntilSignal(log, s, ncpu)
}

// bringUpAPs runs the same serial INIT-SIPI-SIPI sequence spec 4.4
// describes, registering each booted AP as an IPIController shootdown
// target. There is one shared in-process PageTable rather than a
// per-CPU TLB, so an AP's acknowledgment is a no-op; apShootdownTarget
// exists only so the fan-out/ack bookkeeping in internal/smp runs the
// same way it would against a real per-CPU TLB.
func bringUpAPs(logRoot *klog.Root, ipi *smp.IPIController, ncpu int) {
	if ncpu <= 1 {
		return
	}

	table := make([]smp.CPUDescriptor, ncpu)
	for cpu := 0; cpu < ncpu; cpu++ {
		table[cpu] = smp.CPUDescriptor{LogicalID: cpu, ApicID: cpu, IsBSP: cpu == 0, Enabled: true}
	}

	smpLog := logRoot.For("smp")
	handoff := func(cpu smp.CPUDescriptor, data smp.TrampolineData) {
		ipi.Register(cpu.LogicalID, apShootdownTarget{cpu: cpu.LogicalID, log: smpLog})
		smpLog.Info("AP online", "cpu", cpu.LogicalID)
	}
	online := smp.NewBringup(smpLog, handoff).Start(table, lapicBase)
	smpLog.Info("AP bring-up complete", "online", online)
}

type apShootdownTarget struct {
	cpu int
	log logr.Logger
}

func (t apShootdownTarget) Invalidate(r mm.ShootdownRange) {
	t.log.V(1).Info("shootdown acknowledged", "cpu", t.cpu, "start", r.Start, "end", r.End)
}

// mountRoot formats a fresh image if none exists yet, otherwise mounts
// the existing one at its current size -- the boot-time counterpart to
// cmd/mkmfs, which only ever formats.
func mountRoot(path string, log logr.Logger) (*mfs.Filesystem, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		dev, err := mfs.OpenFileDevice(path, defaultImgSize)
		if err != nil {
			return nil, err
		}
		return mfs.Format(dev, log)
	}
	if err != nil {
		return nil, err
	}
	numBlocks := uint64(info.Size()) / mfs.BlockSize
	dev, err := mfs.OpenFileDevice(path, numBlocks)
	if err != nil {
		return nil, err
	}
	return mfs.Mount(dev, log)
}

// serveUntilSignal drives the scheduler's per-CPU Tick the way the real
// timer-interrupt-driven preemption loop would, until SIGINT/SIGTERM asks
// it to stop -- this hosted build has no hardware timer, so a ticker
// stands in for the periodic preemption check.
func serveUntilSignal(log logr.Logger, s *sched.Scheduler, ncpu int) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-sigc:
			log.Info("shutdown requested")
			return nil
		case <-ticker.C:
			tick++
			for cpu := 0; cpu < ncpu; cpu++ {
				s.Tick(tick, cpu)
			}
		}
	}
}

type nullSerialPort struct{}

func (nullSerialPort) TransmitReady() bool { return true }
func (nullSerialPort) TransmitByte(b byte) {}
