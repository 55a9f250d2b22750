package wxhttp

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wxclaw/wxclaw/pkg/logger"
	"github.com/wxclaw/wxclaw/pkg/metrics"
)

var ErrQueueClosed = errors.New("wxhttp: outbound queue closed")

// PostFunc performs one API call. Client.Post satisfies it.
type PostFunc func(ctx context.Context, path string, payload interface{}) (*Response, error)

type OutboundRequest struct {
	ID      string
	Op      string
	Path    string
	Payload interface{}

	ctx  context.Context
	done chan queueResult
}

type queueResult struct {
	resp *Response
	err  error
}

// Pending is the completion handle of one submitted request.
type Pending struct {
	req *OutboundRequest
}

func (p *Pending) ID() string {
	return p.req.ID
}

func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case res := <-p.req.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue serializes API calls through one worker, pausing a random duration
// in [minDelay, maxDelay] before each dispatch. Depth is unbounded.
type Queue struct {
	post     PostFunc
	account  string
	minDelay time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	pending []*OutboundRequest
	closed  bool
	notify  chan struct{}

	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewQueue(post PostFunc, account string, minDelay, maxDelay time.Duration) *Queue {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Queue{
		post:      post,
		account:   account,
		minDelay:  minDelay,
		maxDelay:  maxDelay,
		notify:    make(chan struct{}, 1),
		randFloat: rand.Float64,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a request and returns immediately.
func (q *Queue) Submit(ctx context.Context, op, path string, payload interface{}) *Pending {
	req := &OutboundRequest{
		ID:      uuid.NewString(),
		Op:      op,
		Path:    path,
		Payload: payload,
		ctx:     ctx,
		done:    make(chan queueResult, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		req.done <- queueResult{err: ErrQueueClosed}
		return &Pending{req: req}
	}
	q.pending = append(q.pending, req)
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.OutboundQueueDepth.WithLabelValues(q.account).Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return &Pending{req: req}
}

func (q *Queue) Do(ctx context.Context, op, path string, payload interface{}) (*Response, error) {
	return q.Submit(ctx, op, path, payload).Wait(ctx)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run processes requests until ctx ends. Requests still queued at that point
// fail with ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()

	logger.DebugCF("wxhttp", "Outbound queue worker started", map[string]interface{}{
		"account": q.account,
	})

	defer q.shutdown()

	for {
		req := q.next()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}

		if err := q.sleep(ctx, q.jitter()); err != nil {
			q.complete(req, nil, ErrQueueClosed)
			return
		}
		q.dispatch(req)
	}
}

func (q *Queue) next() *OutboundRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	req := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	metrics.OutboundQueueDepth.WithLabelValues(q.account).Set(float64(len(q.pending)))
	return req
}

func (q *Queue) jitter() time.Duration {
	if q.maxDelay <= 0 {
		return 0
	}
	span := q.maxDelay - q.minDelay
	return q.minDelay + time.Duration(q.randFloat()*float64(span))
}

func (q *Queue) dispatch(req *OutboundRequest) {
	if err := req.ctx.Err(); err != nil {
		q.complete(req, nil, err)
		return
	}

	start := time.Now()
	resp, err := q.post(req.ctx, req.Path, req.Payload)

	fields := map[string]interface{}{
		"request_id": req.ID,
		"op":         req.Op,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WarnCF("wxhttp", "Queued request failed", fields)
	} else {
		logger.DebugCF("wxhttp", "Queued request done", fields)
	}
	q.complete(req, resp, err)
}

func (q *Queue) complete(req *OutboundRequest, resp *Response, err error) {
	metrics.OutboundRequests.WithLabelValues(q.account, req.Op, metrics.Result(err)).Inc()
	req.done <- queueResult{resp: resp, err: err}
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	left := q.pending
	q.pending = nil
	q.mu.Unlock()

	metrics.OutboundQueueDepth.WithLabelValues(q.account).Set(0)
	for _, req := range left {
		q.complete(req, nil, ErrQueueClosed)
	}
}
