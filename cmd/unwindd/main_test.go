package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/fpunwind/internal/dump/dumptest"
	"github.com/DataExMachina-dev/fpunwind/internal/eeprom"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func saveDump(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system.dump")
	require.NoError(t, dumptest.New().Save(path))
	return path
}

func TestParseFlags(t *testing.T) {
	env := map[string]string{
		ENV_DUMP:        "/var/dumps/a.dump",
		ENV_LISTEN_ADDR: "0.0.0.0:9000",
	}
	cfg, err := parseFlags(nil, func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "/var/dumps/a.dump", cfg.dumpPath)
	require.Equal(t, "0.0.0.0:9000", cfg.listenAddr)
	require.False(t, cfg.print)

	cfg, err = parseFlags([]string{"-dump", "b.dump", "-print", "-cpu", "1"}, func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "b.dump", cfg.dumpPath)
	require.True(t, cfg.print)
	require.Equal(t, 1, cfg.cpu)

	_, err = parseFlags(nil, func(string) string { return "" })
	require.Error(t, err)
}

func TestPrint(t *testing.T) {
	var out bytes.Buffer
	cfg := config{dumpPath: saveDump(t), print: true}
	require.NoError(t, run(context.Background(), cfg, discardLogger(), &out))

	got := out.String()
	require.Contains(t, got, "pid 1 \"worker\" (running on cpu 0)\n  #0  0x100\n")
	require.Contains(t, got, "  #2  0x5000\n")
	require.Contains(t, got, "pid 2 \"net\" (running on cpu 1)\n  <live on another cpu>\n")
	require.Equal(t, 2, strings.Count(got, "(blocked)\n  #0  0x7000\n"))
}

func TestRunErrors(t *testing.T) {
	err := run(context.Background(), config{dumpPath: filepath.Join(t.TempDir(), "none")}, discardLogger(), io.Discard)
	require.Error(t, err)

	err = run(context.Background(), config{dumpPath: saveDump(t), print: true, cpu: 4}, discardLogger(), io.Discard)
	require.Error(t, err)
}

func TestServeSavesCrashLog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	crashLog := filepath.Join(t.TempDir(), "crash.img")
	cfg := config{
		dumpPath:     saveDump(t),
		listenAddr:   "127.0.0.1:0",
		crashLogPath: crashLog,
		crashLogSize: 256,
	}
	require.NoError(t, run(ctx, cfg, discardLogger(), io.Discard))

	b, err := os.ReadFile(crashLog)
	require.NoError(t, err)
	require.Len(t, b, 256)
	require.Equal(t, bytes.Repeat([]byte{eeprom.Erased}, 256), b)
}
