package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inopsio/modeld/pkg/config"
	"github.com/inopsio/modeld/pkg/lifecycle"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modeld.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand("dev", "unknown", "unknown")

	for _, name := range []string{"serve", "migrate", "config", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	if root.PersistentFlags().ShorthandLookup("c") == nil {
		t.Error("expected -c shorthand for --config")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	for _, want := range []string{"modeld 1.2.3", "abc123", "2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("MODELD_STORE_DRIVER", "")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "valid",
			content: "store:\n  driver: memory\nserver:\n  address: \":9090\"\n",
		},
		{
			name:    "unknown driver",
			content: "store:\n  driver: postgres\n",
			wantErr: "driver",
		},
		{
			name:    "unknown key",
			content: "servr:\n  address: \":9090\"\n",
			wantErr: "servr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			out, err := runCommand(t, "config", "validate", path)

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !strings.Contains(out, "is valid") {
					t.Errorf("output = %q", out)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateRequiresPath(t *testing.T) {
	if _, err := runCommand(t, "config", "validate"); err == nil {
		t.Fatal("expected error without a path")
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	t.Setenv("MODELD_STORE_DRIVER", "")
	path := writeConfig(t, "store:\n  driver: memory\nremote:\n  password: hunter2\n")

	out, err := runCommand(t, "-c", path, "config", "show")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Error("password printed in clear")
	}
	if !strings.Contains(out, redacted) {
		t.Error("expected redacted password")
	}
	if !strings.Contains(out, "driver: memory") {
		t.Errorf("output missing store driver:\n%s", out)
	}
}

func TestMigrate(t *testing.T) {
	t.Setenv("MODELD_STORE_DRIVER", "")
	t.Setenv("MODELD_STORE_PATH", "")

	dbPath := filepath.Join(t.TempDir(), "data", "modeld.db")
	path := writeConfig(t, "store:\n  driver: sqlite\n  path: "+dbPath+"\n")

	out, err := runCommand(t, "-c", path, "migrate")
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "schema version 2 (dirty: false)") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}

	// Running again is a no-op.
	if _, err := runCommand(t, "-c", path, "migrate"); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestMigrateMemoryDriver(t *testing.T) {
	t.Setenv("MODELD_STORE_DRIVER", "")
	path := writeConfig(t, "store:\n  driver: memory\n")

	out, err := runCommand(t, "-c", path, "migrate")
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "needs no migrations") {
		t.Errorf("output = %q", out)
	}
}

type fakeCountingStore struct {
	*lifecycle.MemoryStore
	counts map[lifecycle.State]int
}

func (s *fakeCountingStore) CountByState(context.Context) (map[lifecycle.State]int, error) {
	return s.counts, nil
}

func TestModelCounter(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregate query", func(t *testing.T) {
		store := &fakeCountingStore{
			MemoryStore: lifecycle.NewMemoryStore(),
			counts: map[lifecycle.State]int{
				lifecycle.StateReady:    2,
				lifecycle.StateDeployed: 1,
				lifecycle.StateDeleted:  5,
			},
		}
		got, err := modelCounter(store)(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got["ready"] != 2 || got["deployed"] != 1 {
			t.Errorf("counts = %v", got)
		}
		if _, ok := got["deleted"]; ok {
			t.Error("deleted models should not be counted")
		}
	})

	t.Run("list fallback", func(t *testing.T) {
		store := lifecycle.NewMemoryStore()
		for _, id := range []string{"a", "b"} {
			rec := &lifecycle.ModelRecord{ID: id, Name: id, State: lifecycle.StateRegistered, StateVersion: 1}
			if err := store.Create(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}
		got, err := modelCounter(store)(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got["registered"] != 2 {
			t.Errorf("counts = %v", got)
		}
	})
}

func TestBuildRunner(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Executor.SimulatedDelay = 0
	cfg.Models.CacheDir = t.TempDir()
	cfg.Models.RequireArtifact = true

	runner, closeRunner, err := buildRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer closeRunner()

	ctx := context.Background()
	model := lifecycle.ModelRecord{ID: "m1", Name: "resnet"}

	if err := runner.Run(ctx, &lifecycle.Job{ID: "j1", Kind: lifecycle.JobInitialize, Model: model}); err == nil {
		t.Error("initialize without an artifact should fail when artifacts are required")
	}
	if err := runner.Run(ctx, &lifecycle.Job{ID: "j2", Kind: lifecycle.JobDeploy, Model: model}); err != nil {
		t.Errorf("simulated deploy failed: %v", err)
	}
}

type countingGC struct {
	runs   atomic.Int32
	mu     sync.Mutex
	closed bool
	late   bool
}

func (g *countingGC) RunGC(float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		g.late = true
	}
	g.runs.Add(1)
	return nil
}

func (g *countingGC) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

func TestBadgerGCStopsBeforeClose(t *testing.T) {
	gc := &countingGC{}
	stop := startBadgerGC(context.Background(), gc, time.Millisecond, zerolog.Nop())

	deadline := time.Now().Add(2 * time.Second)
	for gc.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if gc.runs.Load() == 0 {
		t.Fatal("GC never ran")
	}

	stop()
	gc.Close()
	after := gc.runs.Load()
	time.Sleep(20 * time.Millisecond)

	if gc.runs.Load() != after {
		t.Error("GC ran after stop returned")
	}
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.late {
		t.Error("GC ran against a closed store")
	}
}

func TestBadgerGCStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gc := &countingGC{}
	stop := startBadgerGC(ctx, gc, time.Hour, zerolog.Nop())
	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after context cancel")
	}
}
