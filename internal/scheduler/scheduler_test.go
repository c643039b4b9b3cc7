package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"kis-daytrader/internal/market"
)

func TestIntervalSchedulerKeepsRunningAfterErrors(t *testing.T) {
	var calls atomic.Int32
	s := New(Options{Interval: 20 * time.Millisecond, Immediate: true}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	err := s.Run(ctx, func(ctx context.Context, at time.Time) error {
		calls.Add(1)
		return errors.New("boom")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应在上下文结束时返回: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("出错后应继续执行, 实际调用 %d 次", calls.Load())
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("间隔为 0 应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func TestCronSpecFiresInMarketZone(t *testing.T) {
	session := market.DefaultSession(market.KR)
	spec := CronSpec(market.TimeOfDay{Hour: 9, Minute: 30}, session.Location)
	if spec != "CRON_TZ=Asia/Seoul 30 9 * * 1-5" {
		t.Fatalf("cron 表达式错误: %s", spec)
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	// Friday 2026-10-16 10:00 KST; next fire is Monday 09:30 KST.
	from := time.Date(2026, 10, 16, 10, 0, 0, 0, session.Location)
	next := sched.Next(from).In(session.Location)
	want := time.Date(2026, 10, 19, 9, 30, 0, 0, session.Location)
	if !next.Equal(want) {
		t.Fatalf("下次触发应为周一 09:30, 实际 %s", next)
	}
}

func TestDailyRegisterAndNext(t *testing.T) {
	d := NewDaily(zerolog.Nop())
	ny := market.DefaultSession(market.US).Location
	err := d.Register(context.Background(), Job{
		Name:     "morning_buy_US",
		At:       market.TimeOfDay{Hour: 10, Minute: 0},
		Location: ny,
		Run:      func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	next, ok := d.Next("morning_buy_US")
	if !ok || next.IsZero() {
		t.Fatal("启动后应有下次触发时间")
	}
	if local := next.In(ny); local.Hour() != 10 || local.Minute() != 0 || local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		t.Fatalf("下次触发时间错误: %s", local)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("停止后应返回 Canceled: %v", err)
	}
}
