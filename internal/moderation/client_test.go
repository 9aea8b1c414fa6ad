package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBans struct {
	banned    bool
	remaining int
	reason    string
	err       error
}

func (f fakeBans) IsBanned(context.Context, string) (bool, int, string, error) {
	return f.banned, f.remaining, f.reason, f.err
}

type fakeBus struct {
	reply   []byte
	err     error
	sent    []byte
	handler func([]byte)
}

func (b *fakeBus) RequestReport(_ context.Context, data []byte) ([]byte, error) {
	b.sent = data
	return b.reply, b.err
}

func (b *fakeBus) SubscribeBans(h func([]byte)) error {
	b.handler = h
	return nil
}

func TestClientCheck(t *testing.T) {
	c := NewClient(fakeBans{banned: true, remaining: 90, reason: "spam"}, nil)

	v, err := c.Check(context.Background(), "fp1")
	require.NoError(t, err)
	assert.True(t, v.Banned)
	assert.Equal(t, "spam", v.Reason)
	assert.Equal(t, 90*time.Second, v.Remaining)
}

func TestClientCheck_StoreDown(t *testing.T) {
	c := NewClient(fakeBans{err: errors.New("dial tcp: refused")}, nil)

	_, err := c.Check(context.Background(), "fp1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = NewClient(nil, nil).Check(context.Background(), "fp1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestClientSubmit(t *testing.T) {
	bus := &fakeBus{reply: []byte(`{"report_id":"r1","accepted":true}`)}
	c := NewClient(nil, bus)

	reply, err := c.Submit(context.Background(), ReportRequest{ReportID: "r1", Reason: "spam"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)

	var sent ReportRequest
	require.NoError(t, json.Unmarshal(bus.sent, &sent))
	assert.Equal(t, "r1", sent.ReportID)
}

func TestClientSubmit_Failures(t *testing.T) {
	tests := []struct {
		name string
		bus  *fakeBus
		want error
	}{
		{"timeout", &fakeBus{err: context.DeadlineExceeded}, ErrStoreUnavailable},
		{"rejected", &fakeBus{reply: []byte(`{"report_id":"r1","accepted":false,"error":"invalid reason"}`)}, nil},
		{"garbage", &fakeBus{reply: []byte(`nope`)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(nil, tt.bus).Submit(context.Background(), ReportRequest{ReportID: "r1"})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestClientOnBan(t *testing.T) {
	bus := &fakeBus{}
	c := NewClient(nil, bus)

	var got []BanEvent
	require.NoError(t, c.OnBan(func(ev BanEvent) { got = append(got, ev) }))

	bus.handler([]byte(`{"fingerprint":"fp1","reason":"multiple_reports","duration_seconds":900}`))
	bus.handler([]byte(`{"reason":"no fingerprint"}`))
	bus.handler([]byte(`not json`))

	require.Len(t, got, 1)
	assert.Equal(t, "fp1", got[0].Fingerprint)
	assert.Equal(t, 900, got[0].DurationSeconds)
}
