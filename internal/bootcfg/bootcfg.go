// Package bootcfg holds the boot-time tunables that would otherwise be
// scattered const literals across every subsystem: runqueue depth, port
// count, filesystem block size, page-cache size, log level. cmd/mellokernel
// populates one from cobra flags the way jra3-system-agent's cmd/main.go
// populates its CLI options struct, then passes it down to subsystem
// constructors instead of having each subsystem read global flags itself.
package bootcfg

import "github.com/spf13/cobra"

type Config struct {
	// MaxCPUs caps the total number of CPUs brought up, the BSP
	// included; 0 means no cap.
	MaxCPUs int

	// RunqueueDepth is the bounded ring size of each per-CPU runqueue.
	RunqueueDepth int

	// PortCount is the number of IPC ports allocated at boot (spec: ids
	// 0..256).
	PortCount int

	// BlockSize is the filesystem block size in bytes; must be a power
	// of two and is recorded in the on-disk superblock.
	BlockSize int

	// PageCacheSize is the number of 4 KiB pages cached per inode before
	// LRU eviction kicks in.
	PageCacheSize int

	// LogLevel is passed to klog.New.
	LogLevel string
}

// Default mirrors the constants the teacher's main.go otherwise hardcodes
// (256-deep runqueues, 256 ports, 4 KiB blocks).
func Default() Config {
	return Config{
		MaxCPUs:       0,
		RunqueueDepth: 256,
		PortCount:     256,
		BlockSize:     4096,
		PageCacheSize: 64,
		LogLevel:      "info",
	}
}

// BindFlags registers the tunables on a cobra command, the way
// jra3-system-agent's cmd/main.go registers its CLI options on flag.
func (c *Config) BindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&c.MaxCPUs, "max-cpus", c.MaxCPUs, "cap on total CPUs brought up, BSP included (0 = no cap)")
	f.IntVar(&c.RunqueueDepth, "runqueue-depth", c.RunqueueDepth, "bounded ring size of each per-CPU runqueue")
	f.IntVar(&c.PortCount, "port-count", c.PortCount, "number of IPC ports allocated at boot")
	f.IntVar(&c.BlockSize, "block-size", c.BlockSize, "filesystem block size in bytes")
	f.IntVar(&c.PageCacheSize, "page-cache-pages", c.PageCacheSize, "pages cached per inode before LRU eviction")
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "minimum log level (debug, info, warn, error)")
}
