// Package procfs formats spec section 6's "/proc read interface": the
// conventional Linux /proc text formats for per-process and
// system-wide state. Grounded on the field order
// guillermo-go.procstat/stat.go's Stat.Update documents for
// /proc/<pid>/stat (same scanf-style field sequence, reproduced here in
// the write direction), and on original_source's process/system
// accounting for the fields the distilled spec left implicit
// (SPEC_FULL.md section D: /proc/loadavg, /proc/version).
package procfs

import "fmt"

// ProcessState is the single-character state code spec 6's stat format
// uses: "state char (R|S|T|Z)".
type ProcessState byte

const (
	StateRunning ProcessState = 'R'
	StateSleep   ProcessState = 'S'
	StateStopped ProcessState = 'T'
	StateZombie  ProcessState = 'Z'
)

// ProcessSnapshot is the subset of a process/task's state every
// per-process /proc file needs. The caller (internal/proc, typically)
// builds one from its Process/TCB fields; procfs never reaches into
// those packages directly, keeping this package free of an import on
// internal/proc.
type ProcessSnapshot struct {
	Pid   uint64
	Comm  string
	State ProcessState
	Ppid  uint64
	Pgid  uint64
	Sid   uint64
	TTY   int
	Tpgid uint64

	Utime uint64 // clock ticks
	Stime uint64

	VSize uint64 // bytes
	RSS   uint64 // pages

	Argv []string
}

// FormatStat renders /proc/<pid>/stat per spec 6: "pid, comm in parens,
// state char (R|S|T|Z), ppid, pgid, sid, tty_nr, tpgid, padded zeros,
// utime, stime, zeros, vsize, rss, more zeros." Fields this engine has
// no concept of (minflt, cminflt, priority, ...) are emitted as the
// conventional zero padding the format calls for, in the same field
// order guillermo-go.procstat's Stat struct scans in.
func FormatStat(s ProcessSnapshot) []byte {
	return []byte(fmt.Sprintf(
		"%d (%s) %c %d %d %d %d %d 0 0 0 0 0 %d %d 0 0 0 0 0 0 0 %d %d 0 0\n",
		s.Pid, s.Comm, rune(s.State), s.Ppid, s.Pgid, s.Sid, s.TTY, s.Tpgid,
		s.Utime, s.Stime,
		s.VSize, s.RSS,
	))
}

// FormatStatus renders /proc/<pid>/status per spec 6's key:value lines.
func FormatStatus(s ProcessSnapshot) []byte {
	return []byte(fmt.Sprintf(
		"Name:\t%s\nState:\t%c\nPid:\t%d\nPPid:\t%d\nPgid:\t%d\nSid:\t%d\nVmSize:\t%d kB\nVmRSS:\t%d kB\n",
		s.Comm, rune(s.State), s.Pid, s.Ppid, s.Pgid, s.Sid,
		s.VSize/1024, s.RSS*4,
	))
}

// FormatCmdline renders /proc/<pid>/cmdline: "null-separated argv bytes."
func FormatCmdline(argv []string) []byte {
	var out []byte
	for _, a := range argv {
		out = append(out, a...)
		out = append(out, 0)
	}
	return out
}

// SystemSnapshot is the subset of system-wide state the non-per-process
// /proc files format.
type SystemSnapshot struct {
	TotalMemBytes uint64
	FreeMemBytes  uint64

	NumCPU int

	UptimeSeconds float64
	IdleSeconds   float64

	LoadAvg1, LoadAvg5, LoadAvg15 float64
	RunnableTasks, TotalTasks     int

	KernelVersion string
	BuildTag      string
}

// FormatMeminfo renders /proc/meminfo's conventional key/value lines.
func FormatMeminfo(s SystemSnapshot) []byte {
	return []byte(fmt.Sprintf(
		"MemTotal:\t%d kB\nMemFree:\t%d kB\n",
		s.TotalMemBytes/1024, s.FreeMemBytes/1024,
	))
}

// FormatCPUInfo renders /proc/cpuinfo: one "processor" stanza per CPU,
// the conventional format's minimal form.
func FormatCPUInfo(s SystemSnapshot) []byte {
	var out []byte
	for i := 0; i < s.NumCPU; i++ {
		out = append(out, []byte(fmt.Sprintf("processor\t: %d\n\n", i))...)
	}
	return out
}

// FormatUptime renders /proc/uptime: "uptime idletime", in seconds.
func FormatUptime(s SystemSnapshot) []byte {
	return []byte(fmt.Sprintf("%.2f %.2f\n", s.UptimeSeconds, s.IdleSeconds))
}

// FormatProcStat renders /proc/stat's conventional summary line.
func FormatProcStat(s SystemSnapshot) []byte {
	return []byte(fmt.Sprintf("cpu  0 0 0 0 0 0 0 0\nprocesses %d\n", s.TotalTasks))
}

// FormatLoadavg renders /proc/loadavg: the supplemented file SPEC_FULL.md
// section D adds beyond the distilled spec's explicit list, in the
// conventional "1m 5m 15m runnable/total lastpid" shape.
func FormatLoadavg(s SystemSnapshot) []byte {
	return []byte(fmt.Sprintf("%.2f %.2f %.2f %d/%d 0\n",
		s.LoadAvg1, s.LoadAvg5, s.LoadAvg15, s.RunnableTasks, s.TotalTasks))
}

// FormatVersion renders /proc/version: the supplemented file SPEC_FULL.md
// section D adds.
func FormatVersion(s SystemSnapshot) []byte {
	return []byte(fmt.Sprintf("%s %s\n", s.KernelVersion, s.BuildTag))
}

// ReadAt implements spec 6's "any read accepts an offset and returns
// bytes from that offset or 0 at EOF" for an already-formatted /proc
// file's contents.
func ReadAt(content []byte, offset int64, dst []byte) int {
	if offset < 0 || offset >= int64(len(content)) {
		return 0
	}
	return copy(dst, content[offset:])
}
