package procfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatStatFieldOrder(t *testing.T) {
	s := ProcessSnapshot{
		Pid: 42, Comm: "init", State: StateRunning,
		Ppid: 1, Pgid: 42, Sid: 42, TTY: 0, Tpgid: 42,
		Utime: 10, Stime: 5, VSize: 4096, RSS: 2,
	}
	out := string(FormatStat(s))
	fields := strings.Fields(out)
	require.Equal(t, "42", fields[0])
	require.Equal(t, "(init)", fields[1])
	require.Equal(t, "R", fields[2])
	require.Equal(t, "1", fields[3]) // ppid
	require.Equal(t, "42", fields[4]) // pgid
}

func TestFormatCmdlineNullSeparated(t *testing.T) {
	out := FormatCmdline([]string{"echo", "hi"})
	require.Equal(t, []byte("echo\x00hi\x00"), out)
}

func TestReadAtOffsetAndEOF(t *testing.T) {
	content := []byte("hello world")
	dst := make([]byte, 5)

	n := ReadAt(content, 6, dst)
	require.Equal(t, "world", string(dst[:n]))

	n = ReadAt(content, int64(len(content)), dst)
	require.Equal(t, 0, n)
}

func TestFormatStatusIncludesNameAndPid(t *testing.T) {
	s := ProcessSnapshot{Pid: 7, Comm: "shell", State: StateSleep, Ppid: 1, Pgid: 7, Sid: 7}
	out := string(FormatStatus(s))
	require.Contains(t, out, "Name:\tshell")
	require.Contains(t, out, "Pid:\t7")
	require.Contains(t, out, "State:\tS")
}
