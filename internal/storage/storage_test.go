package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"schedd/pkg/logx"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []RunRecord{
		{Job: "backup", Handle: "task#1", Due: base, Started: base.Add(5 * time.Millisecond), TookMS: 120},
		{Job: "hello", Handle: "task#2", Due: base.Add(time.Second), Started: base.Add(time.Second), TookMS: 1},
		{Job: "backup", Handle: "task#1", Due: base.Add(time.Hour), Started: base.Add(time.Hour), TookMS: 90, Error: "exit status 1"},
	}
	for _, r := range recs {
		if err := st.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	got, err := st.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentRuns len = %d", len(got))
	}
	if got[0].Job != "backup" || got[0].OK() || !got[0].Started.Equal(base.Add(time.Hour)) {
		t.Fatalf("newest = %+v", got[0])
	}
	if got[1].Job != "hello" || !got[1].OK() || got[1].TookMS != 1 {
		t.Fatalf("second = %+v", got[1])
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatalf("ids not assigned: %q %q", got[0].ID, got[1].ID)
	}

	all, err := st.RecentRuns(ctx, 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("RecentRuns(10) = %d, %v", len(all), err)
	}

	last, ok, err := st.LastRun(ctx, "backup")
	if err != nil || !ok {
		t.Fatalf("LastRun = %v, %v", ok, err)
	}
	if last.Error != "exit status 1" || !last.Due.Equal(base.Add(time.Hour)) {
		t.Fatalf("LastRun = %+v", last)
	}
	if _, ok, err := st.LastRun(ctx, "missing"); ok || err != nil {
		t.Fatalf("LastRun(missing) = %v, %v", ok, err)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	cfg := Config{Driver: "file", Path: "/var/lib/schedd/history.db", Fs: fs}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"history.runs.jsonl", "history.last.journal.jsonl"} {
		if ok, _ := afero.Exists(fs, "/var/lib/schedd/"+name); !ok {
			t.Fatalf("%s not created", name)
		}
	}

	// Latest-run state survives a reopen.
	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	last, ok, _ := st.LastRun(context.Background(), "backup")
	if !ok || last.Error != "exit status 1" {
		t.Fatalf("after reopen LastRun = %+v, %v", last, ok)
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	cfg := Config{Driver: "file", Path: "/data/h.db", Fs: fs}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < compactEvery; i++ {
		if err := st.AppendRun(ctx, RunRecord{Job: "tick", TookMS: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := afero.Exists(fs, "/data/h.last.snapshot.json"); !ok {
		t.Fatal("snapshot not written")
	}
	if fi, err := fs.Stat("/data/h.last.journal.jsonl"); err != nil || fi.Size() != 0 {
		t.Fatalf("journal not truncated: %v", err)
	}
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	last, ok, _ := st.LastRun(ctx, "tick")
	if !ok || last.TookMS != compactEvery-1 {
		t.Fatalf("LastRun = %+v, %v", last, ok)
	}
}

func TestFileStoreSkipsTornLines(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/d/h.runs.jsonl", []byte("{\"job\":\"a\",\"id\":\"1\"}\n{\"job\":\"b\",\"i"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: "/d/h.db", Fs: fs}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.RecentRuns(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Job != "a" {
		t.Fatalf("got %+v", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestOpen(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("disabled: %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file", Fs: afero.NewMemMapFs()}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}
