package signals

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func newTestFetcher(sources []Source, retries int) (*Fetcher, *[]time.Duration) {
	f := NewFetcher(sources, FetcherOptions{Delay: 200 * time.Millisecond, Retries: retries, BaseBackoff: 350 * time.Millisecond, CallTimeout: time.Second}, zerolog.Nop())
	var slept []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return f, &slept
}

func TestFetchAllRetriesTransient(t *testing.T) {
	calls := 0
	src := Source{Name: SourceVolume, Fetch: func(ctx context.Context) ([]Entry, error) {
		calls++
		if calls < 3 {
			return nil, statusErr(503)
		}
		return []Entry{{InstrumentID: "A"}}, nil
	}}
	f, slept := newTestFetcher([]Source{src}, 2)

	lists, failures := f.FetchAll(context.Background())
	if len(failures) != 0 {
		t.Fatalf("重试后应成功: %v", failures)
	}
	if len(lists[SourceVolume]) != 1 {
		t.Fatalf("应返回 1 条记录")
	}
	if calls != 3 {
		t.Fatalf("期望调用 3 次, 实际 %d", calls)
	}
	want := []time.Duration{350 * time.Millisecond, 700 * time.Millisecond}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("退避时间不符合线性增长: %v", *slept)
	}
}

func TestFetchAllPermanentFailureIsolated(t *testing.T) {
	badCalls := 0
	sources := []Source{
		{Name: SourceVolume, Fetch: func(ctx context.Context) ([]Entry, error) {
			badCalls++
			return nil, statusErr(400)
		}},
		{Name: SourcePower, Fetch: func(ctx context.Context) ([]Entry, error) {
			return []Entry{{InstrumentID: "B", Value: 130}}, nil
		}},
	}
	f, slept := newTestFetcher(sources, 2)

	lists, failures := f.FetchAll(context.Background())
	if badCalls != 1 {
		t.Fatalf("4xx 不应重试, 实际调用 %d 次", badCalls)
	}
	if failures[SourceVolume] == nil {
		t.Fatal("volume 源应记录失败")
	}
	if len(lists[SourceVolume]) != 0 || len(lists[SourcePower]) != 1 {
		t.Fatalf("失败源应为空, 其他源不受影响: %+v", lists)
	}
	if len(*slept) != 1 || (*slept)[0] != 200*time.Millisecond {
		t.Fatalf("源之间应间隔 200ms: %v", *slept)
	}
}

func TestFetchAllGivesUpAfterRetries(t *testing.T) {
	calls := 0
	src := Source{Name: SourceBulk, Fetch: func(ctx context.Context) ([]Entry, error) {
		calls++
		return nil, statusErr(429)
	}}
	f, _ := newTestFetcher([]Source{src}, 2)

	_, failures := f.FetchAll(context.Background())
	if calls != 3 {
		t.Fatalf("期望 1+2 次调用, 实际 %d", calls)
	}
	if failures[SourceBulk] == nil {
		t.Fatal("重试耗尽后应报告失败")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{statusErr(500), true},
		{statusErr(429), true},
		{statusErr(404), false},
		{fmt.Errorf("wrap: %w", statusErr(502)), true},
		{errors.New("connection reset"), true},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) 期望 %v, 实际 %v", tc.err, tc.want, got)
		}
	}
}
