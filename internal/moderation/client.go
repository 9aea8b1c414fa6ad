package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable wraps any failure to reach the moderation store.
var ErrStoreUnavailable = errors.New("moderation: store unavailable")

// BanLookup is the read side of the ban list. *ban.Store implements it.
type BanLookup interface {
	IsBanned(ctx context.Context, fingerprint string) (bool, int, string, error)
}

// Bus is the request/reply and subscription surface of the message bus.
// *messaging.NATSClient implements it.
type Bus interface {
	RequestReport(ctx context.Context, data []byte) ([]byte, error)
	SubscribeBans(handler func(data []byte)) error
}

// Client is the broker's handle on the external moderation store. Ban
// lookups go straight to the ban list; reports and ban events travel over
// the bus to the moderator service.
type Client struct {
	bans BanLookup
	bus  Bus
}

// NewClient creates a Client. Either dependency may be nil, in which case
// the corresponding calls fail with ErrStoreUnavailable.
func NewClient(bans BanLookup, bus Bus) *Client {
	return &Client{bans: bans, bus: bus}
}

// Check looks up fingerprint in the ban list.
func (c *Client) Check(ctx context.Context, fingerprint string) (Verdict, error) {
	if c.bans == nil {
		return Verdict{}, ErrStoreUnavailable
	}
	banned, remaining, reason, err := c.bans.IsBanned(ctx, fingerprint)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: ban lookup: %v", ErrStoreUnavailable, err)
	}
	return Verdict{
		Banned:    banned,
		Reason:    reason,
		Remaining: time.Duration(remaining) * time.Second,
	}, nil
}

// Submit forwards a report and waits for the moderator's reply. A reply
// that does not accept the report is an error.
func (c *Client) Submit(ctx context.Context, req ReportRequest) (ReportReply, error) {
	if c.bus == nil {
		return ReportReply{}, ErrStoreUnavailable
	}
	data, err := json.Marshal(req)
	if err != nil {
		return ReportReply{}, fmt.Errorf("moderation: marshal report: %w", err)
	}
	raw, err := c.bus.RequestReport(ctx, data)
	if err != nil {
		return ReportReply{}, fmt.Errorf("%w: report request: %v", ErrStoreUnavailable, err)
	}
	var reply ReportReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return ReportReply{}, fmt.Errorf("moderation: decode report reply: %w", err)
	}
	if !reply.Accepted {
		return reply, fmt.Errorf("moderation: report %s rejected: %s", req.ReportID, reply.Error)
	}
	return reply, nil
}

// OnBan subscribes fn to ban events. Malformed events are dropped.
func (c *Client) OnBan(fn func(BanEvent)) error {
	if c.bus == nil {
		return ErrStoreUnavailable
	}
	return c.bus.SubscribeBans(func(data []byte) {
		var ev BanEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Fingerprint == "" {
			return
		}
		fn(ev)
	})
}
