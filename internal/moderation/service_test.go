package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/report"
)

type memReports struct {
	saved []*report.Report
	err   error
}

func (m *memReports) Create(_ context.Context, r *report.Report) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, r)
	return nil
}

type countingEscalator struct {
	counts    map[string]int
	threshold int
}

func (e *countingEscalator) ReportAndCheck(_ context.Context, fp, _ string) (bool, time.Duration, error) {
	e.counts[fp]++
	if e.counts[fp] >= e.threshold {
		return true, 15 * time.Minute, nil
	}
	return false, 0, nil
}

type memPublisher struct{ events [][]byte }

func (p *memPublisher) PublishBan(data []byte) error {
	p.events = append(p.events, data)
	return nil
}

func reportPayload(t *testing.T, id string) []byte {
	t.Helper()
	data, err := json.Marshal(ReportRequest{
		ReportID:            id,
		SessionID:           "alice-bob-1",
		ReporterFingerprint: "fp-a",
		ReportedFingerprint: "fp-b",
		Reason:              "spam",
		Messages:            []ReportedMessage{{Sender: "Bob", Kind: "text", Text: "buy now", Ts: 10}},
	})
	require.NoError(t, err)
	return data
}

func decodeReply(t *testing.T, data []byte) ReportReply {
	t.Helper()
	var r ReportReply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestServiceHandleReport_PersistsAndEscalates(t *testing.T) {
	store := &memReports{}
	esc := &countingEscalator{counts: map[string]int{}, threshold: 3}
	pub := &memPublisher{}
	svc := NewService(store, esc, pub, time.Second)

	for i, id := range []string{"r1", "r2", "r3"} {
		reply := decodeReply(t, svc.HandleReport(reportPayload(t, id)))
		assert.True(t, reply.Accepted, "report %d", i)
		assert.Equal(t, id, reply.ReportID)
	}

	require.Len(t, store.saved, 3)
	assert.Equal(t, "alice-bob-1", store.saved[0].SessionID)
	require.Len(t, store.saved[0].Messages, 1)
	assert.Equal(t, "buy now", store.saved[0].Messages[0].Text)

	require.Len(t, pub.events, 1, "ban announced once the threshold is reached")
	var ev BanEvent
	require.NoError(t, json.Unmarshal(pub.events[0], &ev))
	assert.Equal(t, "fp-b", ev.Fingerprint)
	assert.Equal(t, 900, ev.DurationSeconds)
}

func TestServiceHandleReport_StoreFailureRejects(t *testing.T) {
	svc := NewService(&memReports{err: errors.New("db down")}, nil, nil, time.Second)

	reply := decodeReply(t, svc.HandleReport(reportPayload(t, "r1")))
	assert.False(t, reply.Accepted)
	assert.NotEmpty(t, reply.Error)
}

func TestServiceHandleReport_BadPayload(t *testing.T) {
	svc := NewService(&memReports{}, nil, nil, time.Second)

	reply := decodeReply(t, svc.HandleReport([]byte("{")))
	assert.False(t, reply.Accepted)
}
