package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter caps client audio by frames and bytes per second, each
// with a burst of burstSeconds worth of traffic. A nil limiter allows all.
type inboundAudioLimiter struct {
	now func() time.Time
	fps *rate.Limiter
	bps *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.fps = newFullLimiter(now(), float64(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bps = newFullLimiter(now(), float64(bps), int(bps)*burstSeconds)
	}
	return l
}

// newFullLimiter anchors the limiter to the injected clock so the bucket
// starts full at t.
func newFullLimiter(t time.Time, r float64, burst int) *rate.Limiter {
	lim := rate.NewLimiter(rate.Limit(r), burst)
	lim.SetLimitAt(t, rate.Limit(r))
	return lim
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	now := l.now()

	// Check both buckets before consuming either so a denied frame costs nothing.
	if l.fps != nil && l.fps.TokensAt(now) < 1 {
		return false
	}
	if l.bps != nil && l.bps.TokensAt(now) < float64(frameBytes) {
		return false
	}
	if l.fps != nil {
		l.fps.AllowN(now, 1)
	}
	if l.bps != nil && frameBytes > 0 {
		l.bps.AllowN(now, frameBytes)
	}
	return true
}
