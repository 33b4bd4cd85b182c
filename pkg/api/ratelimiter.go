package api

import (
	"context"
	"time"
)

// ==========================
// Per-IP rate limiting logic
// ==========================

// RequestKind separates cheap snapshot calls from full pipeline runs.
// A pipeline run unpacks an archive and may download remote sources, so
// repeated runs from one address get a cooldown between them.
type RequestKind int

const (
	// RequestSnapshot marks inexpensive calls that only need the per-IP
	// queue so one client cannot flood the server with concurrent work.
	RequestSnapshot RequestKind = iota
	// RequestPipeline marks the extract/parse/join runs. After each one
	// finishes the same IP waits out a cooldown before the next starts.
	RequestPipeline
)

// RateLimiter sequences requests per client IP without mutexes. Each IP
// gets its own goroutine that owns the little state there is.
type RateLimiter struct {
	pipelineCooldown time.Duration
	requests         chan keyedRequest
	now              func() time.Time
}

type keyedRequest struct {
	ip  string
	req ipRequest
}

type ipRequest struct {
	ctx      context.Context
	kind     RequestKind
	arrived  time.Time
	response chan acquireResponse
}

type acquireResponse struct {
	release      chan struct{}
	wait         bool
	waitDuration time.Duration
	err          error
}

// Permit is an acquired slot for one request. Release it when the
// handler is done so the next queued request for that IP can proceed.
type Permit struct {
	release      chan struct{}
	WaitNotice   bool
	WaitDuration time.Duration
}

// Release signals the owning goroutine that the request finished. The
// channel is nilled out so a double release is harmless.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewRateLimiter builds a limiter with the given cooldown between
// pipeline runs from one IP and starts its coordination goroutine.
func NewRateLimiter(pipelineCooldown time.Duration) *RateLimiter {
	limiter := &RateLimiter{
		pipelineCooldown: pipelineCooldown,
		requests:         make(chan keyedRequest),
		now:              time.Now,
	}

	go limiter.loop()

	return limiter
}

// Acquire reserves a slot for the given IP and request kind. The
// returned Permit must be released once the handler is done. A nil
// limiter hands out permits freely. If the context ends before the slot
// opens up, the context error is returned instead.
func (l *RateLimiter) Acquire(ctx context.Context, ip string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return nil, nil
	}

	respCh := make(chan acquireResponse, 1)
	req := ipRequest{
		ctx:      ctx,
		kind:     kind,
		arrived:  l.now(),
		response: respCh,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- keyedRequest{ip: ip, req: req}:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.err != nil {
			return nil, resp.err
		}
		permit := &Permit{
			release:      resp.release,
			WaitNotice:   resp.wait,
			WaitDuration: resp.waitDuration,
		}
		return permit, nil
	}
}

func (l *RateLimiter) loop() {
	workers := make(map[string]chan ipRequest)

	for keyed := range l.requests {
		ch, ok := workers[keyed.ip]
		if !ok {
			ch = make(chan ipRequest)
			workers[keyed.ip] = ch
			go l.runIPWorker(ch)
		}

		select {
		case ch <- keyed.req:
		case <-keyed.req.ctx.Done():
			keyed.req.response <- acquireResponse{err: keyed.req.ctx.Err()}
		}
	}
}

func (l *RateLimiter) runIPWorker(requests <-chan ipRequest) {
	var lastPipelineFinish time.Time

	for req := range requests {
		select {
		case <-req.ctx.Done():
			req.response <- acquireResponse{err: req.ctx.Err()}
			continue
		default:
		}

		now := l.now()
		queueWait := now.Sub(req.arrived)
		if queueWait < 0 {
			queueWait = 0
		}
		totalWait := queueWait

		if req.kind == RequestPipeline && !lastPipelineFinish.IsZero() {
			readyAt := lastPipelineFinish.Add(l.pipelineCooldown)
			now = l.now()
			if now.Before(readyAt) {
				cooldownWait := readyAt.Sub(now)
				timer := time.NewTimer(cooldownWait)
				select {
				case <-req.ctx.Done():
					if !timer.Stop() {
						<-timer.C
					}
					req.response <- acquireResponse{err: req.ctx.Err()}
					continue
				case <-timer.C:
					totalWait += cooldownWait
				}
			}
		}

		release := make(chan struct{})
		resp := acquireResponse{
			release:      release,
			wait:         totalWait > 0,
			waitDuration: totalWait,
		}

		select {
		case <-req.ctx.Done():
			req.response <- acquireResponse{err: req.ctx.Err()}
			continue
		case req.response <- resp:
		}

		// Wait for the handler to finish even when its context dies,
		// otherwise the release channel would leak a goroutine.
		select {
		case <-release:
		case <-req.ctx.Done():
			<-release
		}

		if req.kind == RequestPipeline {
			lastPipelineFinish = l.now()
		}
	}
}
