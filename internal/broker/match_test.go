package broker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/protocol"
)

func TestGeneralPhase_PairsInArrivalOrder(t *testing.T) {
	h := newHarness(t)
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	h.connect(ids...)
	for i, id := range ids {
		h.findMatch(id, fmt.Sprintf("user%d", i+1), "")
	}

	assert.Equal(t, "user2", last[protocol.MatchFoundMsg](t, h, "c1", protocol.TypeMatchFound).PartnerName)
	assert.Equal(t, "user1", last[protocol.MatchFoundMsg](t, h, "c2", protocol.TypeMatchFound).PartnerName)
	assert.Equal(t, "user4", last[protocol.MatchFoundMsg](t, h, "c3", protocol.TypeMatchFound).PartnerName)
	assert.Equal(t, 0, h.out.count("c5", protocol.TypeMatchFound))
	assert.Equal(t, []string{"c5"}, h.b.queue.ConnIDs())

	found := last[protocol.MatchFoundMsg](t, h, "c1", protocol.TypeMatchFound)
	assert.Equal(t, matching.KindRandom, found.MatchKind)
	assert.NotNil(t, found.SharedInterests)
	assert.Len(t, h.b.sessions, 2)
}

func TestInterestPhase_OldestOverlapWins(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "c2", "c3")
	h.findMatch("c1", "Ann", "", "music", "go")
	h.findMatch("c2", "Ben", "", "art")
	h.findMatch("c3", "Cat", "", "Go")

	f := last[protocol.MatchFoundMsg](t, h, "c3", protocol.TypeMatchFound)
	assert.Equal(t, "Ann", f.PartnerName)
	assert.Equal(t, matching.KindInterest, f.MatchKind)
	assert.Equal(t, []string{"go"}, f.SharedInterests)

	started := last[protocol.MatchingStartedMsg](t, h, "c2", protocol.TypeMatchingStarted)
	assert.Equal(t, 5, started.InterestTimeout)
	assert.True(t, h.b.queue.Has("c2"))
}

func TestInterestFallback_PairsRandomlyAfterWindow(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "c2", "c3")
	h.findMatch("c1", "Ann", "", "music")
	h.advance(time.Second)
	h.findMatch("c2", "Ben", "", "art")
	h.findMatch("c3", "Cat", "")

	// Live tagged tickets are skipped by the general phase.
	h.advance(3 * time.Second)
	for _, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, 0, h.out.count(id, protocol.TypeMatchFound), id)
	}

	// c1's window closes first; it is reissued untagged and pairs with c3.
	h.advance(time.Second)
	f := last[protocol.MatchFoundMsg](t, h, "c1", protocol.TypeMatchFound)
	assert.Equal(t, "Cat", f.PartnerName)
	assert.Equal(t, matching.KindRandom, f.MatchKind)
	assert.Empty(t, f.SharedInterests)

	h.advance(time.Second)
	assert.Equal(t, []string{"c2"}, h.b.queue.ConnIDs())
	tk, _ := h.b.queue.Get("c2")
	assert.False(t, tk.Tagged(), "c2 should be untagged after its window")
}

func TestCancelMatch_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.connect("c1")
	h.findMatch("c1", "Ann", "", "music")

	h.in("c1", `{"type":"cancel_match"}`)
	h.in("c1", `{"type":"cancel_match"}`)

	assert.Equal(t, 1, h.out.count("c1", protocol.TypeMatchCancelled))
	assert.Empty(t, h.errorCodes("c1"))
	assert.Equal(t, 0, h.b.queue.Len())

	// The cancelled ticket's fallback never fires.
	h.advance(time.Minute)
	assert.Equal(t, 0, h.b.queue.Len())
	assert.Empty(t, h.b.tasks)
}

func TestFindMatch_RepeatWhileQueuedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connect("c1")
	h.findMatch("c1", "Ann", "fp1")
	h.findMatch("c1", "Ann", "fp1")

	assert.Equal(t, 1, h.b.queue.Len())
	assert.Equal(t, 1, h.bans.calls)
	assert.Empty(t, h.errorCodes("c1"))
}

func TestFindMatch_InSessionRejected(t *testing.T) {
	h := newHarness(t)
	h.pair("a", "b")

	h.findMatch("a", "Alice", "fp-a")
	assert.Equal(t, []string{protocol.CodeAlreadyInSession}, h.errorCodes("a"))
}

func TestDisconnectWhileQueued_DropsTicket(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "c2")
	h.findMatch("c1", "Ann", "")
	h.disconnect("c1")
	h.findMatch("c2", "Ben", "")

	assert.Equal(t, 0, h.out.count("c2", protocol.TypeMatchFound))
	assert.Equal(t, []string{"c2"}, h.b.queue.ConnIDs())
}

func TestBanCheck_FailsOpen(t *testing.T) {
	h := newHarness(t)
	h.bans.err = errors.New("redis: connection refused")

	sid, _, _ := h.pair("a", "b")
	assert.NotEmpty(t, sid)
	assert.Equal(t, 2, h.bans.calls)
}

func TestBannedFingerprint_NeverMatches(t *testing.T) {
	h := newHarness(t)
	h.bans.verdicts["fp-bad"] = banVerdict("harassment", time.Hour)

	h.connect("bad", "ok")
	h.findMatch("ok", "Ok", "fp-ok")
	for i := 0; i < 3; i++ {
		h.findMatch("bad", "Bad", "fp-bad")
	}
	assert.Equal(t, 3, h.out.count("bad", protocol.TypeBanned))
	assert.Equal(t, 0, h.out.count("bad", protocol.TypeMatchFound))

	banned := last[protocol.BannedMsg](t, h, "bad", protocol.TypeBanned)
	assert.Equal(t, "harassment", banned.Reason)
	assert.Equal(t, 3600, banned.Duration)

	// A fresh connection with the same fingerprint is checked again.
	h.disconnect("bad")
	h.connect("bad2")
	h.findMatch("bad2", "Bad", "fp-bad")
	assert.Equal(t, 1, h.out.count("bad2", protocol.TypeBanned))
	assert.Equal(t, []string{"ok"}, h.b.queue.ConnIDs())
}

func TestBanExpires_AllowsMatching(t *testing.T) {
	h := newHarness(t)
	h.bans.verdicts["fp-x"] = banVerdict("spam", time.Minute)
	h.connect("x")
	h.findMatch("x", "X", "fp-x")
	require.Equal(t, 1, h.out.count("x", protocol.TypeBanned))

	delete(h.bans.verdicts, "fp-x")
	h.advance(2 * time.Minute)
	h.findMatch("x", "X", "fp-x")
	assert.True(t, h.b.queue.Has("x"))
}

func TestStaleBanCheck_Dropped(t *testing.T) {
	h := newHarness(t)
	var deferred []func()
	h.b.async = func(fn func()) { deferred = append(deferred, fn) }

	h.connect("c1")
	h.findMatch("c1", "Ann", "fp1")
	h.in("c1", `{"type":"cancel_match"}`)
	assert.Equal(t, 1, h.out.count("c1", protocol.TypeMatchCancelled))

	require.Len(t, deferred, 1)
	deferred[0]()
	h.drain()

	assert.False(t, h.b.queue.Has("c1"), "result of a cancelled check must not enqueue")
	assert.Equal(t, 0, h.out.count("c1", protocol.TypeMatchingStarted))
}
