package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultSafetyBuffer 本地截止时间相对服务端截止时间的保护余量（调度抖动 + 发送延迟）
const DefaultSafetyBuffer = 200 * time.Millisecond

// ClockOffset 服务端时钟与本地时钟的差值（server - local），外加固定保护余量。
// 会话开始时测量一次，此后只读。
type ClockOffset struct {
	Offset    time.Duration
	RoundTrip time.Duration // 被选中样本的往返耗时
	Safety    time.Duration
}

// LocalDeadline 将服务端截止时间换算为本地截止时间：serverDeadline - Offset - Safety
func (o ClockOffset) LocalDeadline(serverDeadline time.Time) time.Time {
	return serverDeadline.Add(-o.Offset - o.Safety)
}

// Better 往返耗时更短的样本更可信
func (o ClockOffset) Better(other ClockOffset) bool {
	return o.RoundTrip < other.RoundTrip
}

// EstimateOffset 根据一次请求的 T0（本地发送）、Ts（服务端时间）、T1（本地接收）估算时钟差。
// 假设服务端时间对应往返的中点：offset = Ts - (T0 + (T1-T0)/2)
func EstimateOffset(t0, ts, t1 time.Time) time.Duration {
	mid := t0.Add(t1.Sub(t0) / 2)
	return ts.Sub(mid)
}

// TimeSource 提供服务端当前时间
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// TimeSynchronizer 通过多次计时请求估算时钟差
type TimeSynchronizer struct {
	source  TimeSource
	clock   clockwork.Clock
	samples int
	safety  time.Duration
}

func NewTimeSynchronizer(source TimeSource, clock clockwork.Clock, samples int, safety time.Duration) *TimeSynchronizer {
	if samples < 1 {
		samples = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TimeSynchronizer{source: source, clock: clock, samples: samples, safety: safety}
}

// MeasureOffset 进行多次采样，保留往返耗时最短的一次。
// 全部采样失败时返回 TimeRequestError，绝不默认为零偏移。
func (s *TimeSynchronizer) MeasureOffset(ctx context.Context) (ClockOffset, error) {
	var (
		best    ClockOffset
		found   bool
		lastErr error
	)
	for i := 0; i < s.samples; i++ {
		if err := ctx.Err(); err != nil {
			return ClockOffset{}, newError(KindTimeRequest, err, "synchronization aborted")
		}
		t0 := s.clock.Now()
		ts, err := s.source.ServerTime(ctx)
		t1 := s.clock.Now()
		if err != nil {
			lastErr = err
			Log.Warnw("time sample failed", "sample", i+1, "err", err)
			continue
		}
		sample := ClockOffset{
			Offset:    EstimateOffset(t0, ts, t1),
			RoundTrip: t1.Sub(t0),
			Safety:    s.safety,
		}
		Log.Debugw("time sample", "sample", i+1, "offset", sample.Offset, "rtt", sample.RoundTrip)
		if !found || sample.Better(best) {
			best, found = sample, true
		}
	}
	if !found {
		return ClockOffset{}, newError(KindTimeRequest, lastErr, "no successful time sample out of %d", s.samples)
	}
	Log.Infow("clock synchronized", "offset", best.Offset, "rtt", best.RoundTrip, "safety", best.Safety)
	return best, nil
}

// HTTPTimeSource 通过 HTTP GET 查询服务端时间接口
type HTTPTimeSource struct {
	url    string
	client *http.Client
}

func NewHTTPTimeSource(url string, timeout time.Duration) *HTTPTimeSource {
	return &HTTPTimeSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPTimeSource) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return time.Time{}, newError(KindTimeRequest, err, "failed to create request")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return time.Time{}, newError(KindTimeRequest, err, "request to %s failed", h.url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return time.Time{}, newError(KindTimeRequest, err, "failed to read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return time.Time{}, newError(KindTimeRequest, nil, "time API returned status code: %d, response: %s", resp.StatusCode, string(body))
	}
	ts, err := DecodeServerTime(body)
	if err != nil {
		return time.Time{}, newError(KindTimeRequest, err, "unparsable time response")
	}
	return ts, nil
}

// String 便于日志输出
func (o ClockOffset) String() string {
	return fmt.Sprintf("offset=%v rtt=%v safety=%v", o.Offset, o.RoundTrip, o.Safety)
}
