package broker

import (
	"time"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/matching"
)

// Config holds the broker's timeouts and limits.
type Config struct {
	InterestFallback time.Duration // tagged ticket wait before reissue
	GracePeriod      time.Duration // reconnection window after a drop
	IdleTimeout      time.Duration // quiet time before the inactivity warning
	IdleFinalWindow  time.Duration // time between warning and forced close
	TypingDebounce   time.Duration // typing flag auto-clear
	HistorySize      int           // messages kept per session
	ReportSnapshot   int           // messages attached to a report
	BanCheckTimeout  time.Duration
	ReportTimeout    time.Duration
	EventBuffer      int // inbound event channel capacity
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InterestFallback: matching.DefaultInterestFallback,
		GracePeriod:      30 * time.Second,
		IdleTimeout:      5 * time.Minute,
		IdleFinalWindow:  30 * time.Second,
		TypingDebounce:   2 * time.Second,
		HistorySize:      chat.DefaultHistorySize,
		ReportSnapshot:   10,
		BanCheckTimeout:  2 * time.Second,
		ReportTimeout:    5 * time.Second,
		EventBuffer:      1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InterestFallback <= 0 {
		c.InterestFallback = d.InterestFallback
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.IdleFinalWindow <= 0 {
		c.IdleFinalWindow = d.IdleFinalWindow
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = d.TypingDebounce
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ReportSnapshot <= 0 {
		c.ReportSnapshot = d.ReportSnapshot
	}
	if c.BanCheckTimeout <= 0 {
		c.BanCheckTimeout = d.BanCheckTimeout
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = d.ReportTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

func seconds(d time.Duration) int { return int(d / time.Second) }
