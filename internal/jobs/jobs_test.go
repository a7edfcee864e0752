package jobs

import (
	"context"
	"os/exec"
	"reflect"
	"strings"
	"testing"
	"time"

	"schedd/internal/config"
	"schedd/internal/task/clock"
	"schedd/internal/task/scheduler"
	"schedd/pkg/logx"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func TestBuildTimings(t *testing.T) {
	t.Parallel()
	log := logx.Nop()

	p, err := Build(config.JobConfig{Name: "d", Kind: config.KindLog, Message: "m", Delay: "90s", Priority: 3}, epoch, log)
	if err != nil {
		t.Fatal(err)
	}
	if p.Periodic() || !p.Due.Equal(epoch.Add(90*time.Second)) || p.Priority != 3 {
		t.Fatalf("delay plan = %+v", p)
	}

	p, err = Build(config.JobConfig{Name: "a", Kind: config.KindLog, Message: "m", At: "2026-05-02T00:00:00Z", Timeout: "5s"}, epoch, log)
	if err != nil {
		t.Fatal(err)
	}
	if !p.FirstRun(epoch).Equal(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)) || p.Timeout != 5*time.Second {
		t.Fatalf("at plan = %+v", p)
	}

	p, err = Build(config.JobConfig{Name: "e", Kind: config.KindLog, Message: "m", Every: "1m"}, epoch, log)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Periodic() || p.Jitter != 0 || !p.FirstRun(epoch).Equal(epoch.Add(time.Minute)) {
		t.Fatalf("every plan = %+v first=%s", p, p.FirstRun(epoch))
	}
}

func TestEverySpreadJitter(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		sched, jitter := everySchedule(time.Minute, 10*time.Second, epoch, "job")
		if jitter < 0 || jitter >= 10*time.Second {
			t.Fatalf("jitter %s out of range", jitter)
		}
		first := sched.Next(epoch)
		if !first.Equal(epoch.Add(time.Minute + jitter)) {
			t.Fatalf("first = %s, jitter %s", first, jitter)
		}
		if next := sched.Next(first); !next.Equal(first.Truncate(time.Second).Add(time.Minute)) {
			t.Fatalf("second = %s", next)
		}
	}
	// Spread never exceeds the interval.
	_, jitter := everySchedule(2*time.Second, time.Hour, epoch, "short")
	if jitter >= 2*time.Second {
		t.Fatalf("jitter %s not capped", jitter)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	cases := []config.JobConfig{
		{Name: "x", Kind: "bogus", Delay: "1s"},
		{Name: "x", Kind: config.KindLog, Message: "m", Every: "nope"},
		{Name: "x", Kind: config.KindLog, Message: "m", At: "tomorrow"},
		{Name: "x", Kind: config.KindSystemd, Unit: "a.service", UnitAction: "mask", Delay: "1s"},
	}
	for _, jc := range cases {
		if _, err := Build(jc, epoch, logx.Nop()); err == nil {
			t.Errorf("Build(%+v): expected error", jc)
		}
	}
}

func TestExecAction(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ok := execAction(config.JobConfig{Name: "ok", Command: []string{"sh", "-c", "test \"$GREETING\" = hi"}, Env: []string{"GREETING=hi"}}, logx.Nop())
	if err := ok(context.Background()); err != nil {
		t.Fatalf("ok: %v", err)
	}

	fail := execAction(config.JobConfig{Name: "fail", Command: []string{"sh", "-c", "echo broken >&2; exit 3"}}, logx.Nop())
	err := fail(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken") || !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("fail: %v", err)
	}

	slow := execAction(config.JobConfig{Name: "slow", Command: []string{"sh", "-c", "exec sleep 5"}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := slow(ctx); err == nil || !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Fatalf("slow: %v", err)
	}
}

func TestTail(t *testing.T) {
	t.Parallel()
	if got := tail("abcdef", 3); got != "...def" {
		t.Fatalf("tail = %q", got)
	}
	if got := tail("ab", 3); got != "ab" {
		t.Fatalf("tail = %q", got)
	}
}

func upcomingNames(s *scheduler.Scheduler) []string {
	var out []string
	for _, ti := range s.Snapshot().Upcoming {
		out = append(out, ti.Name)
	}
	return out
}

func TestRegistrySync(t *testing.T) {
	t.Parallel()
	mc := clock.NewManual(epoch)
	s := scheduler.New(scheduler.Config{Clock: mc}, logx.Nop(), nil)
	reg := NewRegistry(s, logx.Nop(), mc.Now)

	jobs := []config.JobConfig{
		{Name: "a", Kind: config.KindLog, Message: "a", Delay: "1m"},
		{Name: "b", Kind: config.KindLog, Message: "b", Every: "10m"},
		{Name: "c", Kind: config.KindLog, Message: "c", Delay: "2m", Disabled: true},
	}
	res, err := reg.Sync(jobs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Added, []string{"a", "b"}) || !res.Changed() {
		t.Fatalf("first sync = %+v", res)
	}
	if got := upcomingNames(s); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("upcoming = %v", got)
	}
	hb, _ := reg.Handle("b")

	// Same config: nothing changes, handles are kept.
	res, err = reg.Sync(jobs)
	if err != nil || res.Changed() || res.Kept != 2 {
		t.Fatalf("noop sync = %+v, %v", res, err)
	}
	if h, _ := reg.Handle("b"); h != hb {
		t.Fatal("unchanged job was rescheduled")
	}

	jobs[0].Message = "a2"
	jobs[1].Disabled = true
	jobs[2].Disabled = false
	res, err = reg.Sync(jobs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Added, []string{"c"}) || !reflect.DeepEqual(res.Replaced, []string{"a"}) || !reflect.DeepEqual(res.Removed, []string{"b"}) {
		t.Fatalf("reload sync = %+v", res)
	}
	if got := upcomingNames(s); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("upcoming = %v", got)
	}
	if !reflect.DeepEqual(reg.Names(), []string{"a", "c"}) {
		t.Fatalf("names = %v", reg.Names())
	}

	if n := reg.CancelAll(); n != 2 || s.Len() != 0 {
		t.Fatalf("CancelAll = %d, Len = %d", n, s.Len())
	}
}

func TestRegistrySyncPartialFailure(t *testing.T) {
	t.Parallel()
	mc := clock.NewManual(epoch)
	s := scheduler.New(scheduler.Config{Clock: mc}, logx.Nop(), nil)
	reg := NewRegistry(s, logx.Nop(), mc.Now)

	res, err := reg.Sync([]config.JobConfig{
		{Name: "good", Kind: config.KindLog, Message: "ok", Delay: "1s"},
		{Name: "bad", Kind: "bogus", Delay: "1s"},
	})
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(res.Added, []string{"good"}) || s.Len() != 1 {
		t.Fatalf("res = %+v, Len = %d", res, s.Len())
	}
}

func TestRegistryJobsRun(t *testing.T) {
	t.Parallel()
	s := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	defer s.Stop(context.Background(), scheduler.StopNow)
	reg := NewRegistry(s, logx.Nop(), nil)
	if _, err := reg.Sync([]config.JobConfig{{Name: "hi", Kind: config.KindLog, Message: "hello", Delay: "0s"}}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.Wait(ctx) {
		t.Fatal("job did not run")
	}
	if snap := s.Snapshot(); snap.Executed != 1 || snap.History[0].Name != "hi" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
