package ws

import (
	"context"
	"log"
	"time"

	"github.com/whisper/pairchat/internal/broker"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
)

const limiterTimeout = 500 * time.Millisecond

// Limiter is the rate limiter applied to inbound frames.
type Limiter interface {
	Allow(ctx context.Context, id string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Dispatcher decodes client frames, applies rate limits and submits the
// result to the engine. Frames of one connection arrive here in order, so
// the engine sees them in order too.
type Dispatcher struct {
	engine  Engine
	limiter Limiter
}

func NewDispatcher(engine Engine, limiter Limiter) *Dispatcher {
	return &Dispatcher{engine: engine, limiter: limiter}
}

// ruleFor returns the rate limit rule covering msgType, if any.
func ruleFor(msgType string) (ratelimit.Rule, bool) {
	switch msgType {
	case protocol.TypeMessage, protocol.TypeTyping, protocol.TypeEffect, protocol.TypeReact:
		return ratelimit.RuleMessage, true
	case protocol.TypeFindMatch:
		return ratelimit.RuleMatch, true
	}
	return ratelimit.Rule{}, false
}

// Dispatch handles one text frame from conn.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error id=%s: %v", conn.ID, err)
		if err := conn.Enqueue(protocol.NewError(protocol.CodeInvalidMessage, "invalid message format")); err != nil {
			log.Printf("ws: failed to queue error for %s: %v", conn.ID, err)
		}
		return
	}

	if rule, ok := ruleFor(msgType); ok && d.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
		dec, _ := d.limiter.Allow(ctx, conn.ID, rule)
		cancel()
		if !dec.Allowed {
			metrics.RateLimited.WithLabelValues(msgType).Inc()
			d.reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: retrySeconds(dec.RetryAfter),
			})
			return
		}
	}

	d.engine.Submit(broker.Inbound{ConnID: conn.ID, Type: msgType, Msg: msg})
}

func (d *Dispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s for %s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.Enqueue(data); err != nil {
		log.Printf("ws: failed to queue %s for %s: %v", msgType, conn.ID, err)
	}
}

// retrySeconds rounds up so clients never retry early.
func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
