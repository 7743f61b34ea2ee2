package cloudapi

import (
	"bytes"
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/rs/zerolog/log"
)

// job is one scheduled request, ordered by priority desc then FIFO
// sequence asc — the same scheduling order OperationQueue uses for its
// persistent queue.
type job struct {
	seq      int64
	priority int
	run      func(ctx context.Context) (*ExecutorResponse, error)
	result   chan jobResult
	dedupeKey string
}

type jobResult struct {
	resp *ExecutorResponse
	err  error
}

// jobHeap is a container/heap ordering jobs by (priority desc, seq asc).
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type cacheEntry struct {
	resp    *ExecutorResponse
	expires time.Time
}

// NetworkRequestManager schedules requests by priority/FIFO, caps
// concurrent in-flight execution, deduplicates identical requests within
// a short window, optionally caches GET responses, and holds a retry
// queue that drains when OnlineState transitions to online.
type NetworkRequestManager struct {
	maxConcurrent int
	dedupeWindow  time.Duration
	getCacheTTL   time.Duration

	session *SessionClient

	mu       sync.Mutex
	queue    jobHeap
	nextSeq  int64
	inflight int
	seenAt   map[string]time.Time
	getCache map[string]cacheEntry
	notEmpty *sync.Cond

	retryMu sync.Mutex
	retryQ  []*job
}

// NewNetworkRequestManager constructs the manager; it does not start the
// dispatch loop, which the caller runs with Run. session is injected
// after construction via SetSession
// once SessionClient itself has been built: two-phase construction,
// since the two types depend on each other.
func NewNetworkRequestManager(maxConcurrent int, dedupeWindow, getCacheTTL time.Duration) *NetworkRequestManager {
	m := &NetworkRequestManager{
		maxConcurrent: maxConcurrent,
		dedupeWindow:  dedupeWindow,
		getCacheTTL:   getCacheTTL,
		seenAt:        make(map[string]time.Time),
		getCache:      make(map[string]cacheEntry),
	}
	m.notEmpty = sync.NewCond(&m.mu)
	return m
}

// SetSession completes the two-phase wiring.
func (m *NetworkRequestManager) SetSession(s *SessionClient) {
	m.session = s
}

func dedupeKey(req *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte(req.URL.String()))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Submit schedules req at priority (higher first) and blocks until it
// has executed, honoring concurrency cap, dedupe window, and GET cache.
func (m *NetworkRequestManager) Submit(ctx context.Context, priority int, req *http.Request) (*ExecutorResponse, error) {
	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		bodyBytes = b
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	key := dedupeKey(req, bodyBytes)

	if req.Method == http.MethodGet && m.getCacheTTL > 0 {
		m.mu.Lock()
		if entry, ok := m.getCache[key]; ok && time.Now().Before(entry.expires) {
			m.mu.Unlock()
			return entry.resp, nil
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if seenAt, ok := m.seenAt[key]; ok && time.Since(seenAt) < m.dedupeWindow {
		m.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	m.seenAt[key] = time.Now()
	m.mu.Unlock()

	j := &job{
		priority:  priority,
		dedupeKey: key,
		result:    make(chan jobResult, 1),
		run: func(ctx context.Context) (*ExecutorResponse, error) {
			runReq := req
			if bodyBytes != nil {
				runReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}
			return m.session.Do(ctx, runReq)
		},
	}
	m.enqueue(j)

	select {
	case res := <-j.result:
		if res.err == nil && req.Method == http.MethodGet && m.getCacheTTL > 0 {
			m.mu.Lock()
			m.getCache[key] = cacheEntry{resp: res.resp, expires: time.Now().Add(m.getCacheTTL)}
			m.mu.Unlock()
		}
		if res.err != nil && ClassifyError(statusOf(res.resp), res.err).Retryable() {
			m.enqueueRetry(j)
		}
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func statusOf(resp *ExecutorResponse) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func (m *NetworkRequestManager) enqueue(j *job) {
	m.mu.Lock()
	j.seq = m.nextSeq
	m.nextSeq++
	heap.Push(&m.queue, j)
	m.notEmpty.Signal()
	m.mu.Unlock()
}

// Run drives the dispatch loop until ctx is cancelled. Call it once from
// a background goroutine at startup.
func (m *NetworkRequestManager) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.notEmpty.Broadcast()
		m.mu.Unlock()
		close(done)
	}()

	for {
		m.mu.Lock()
		for m.queue.Len() == 0 || m.inflight >= m.maxConcurrent {
			select {
			case <-done:
				m.mu.Unlock()
				return
			default:
			}
			m.notEmpty.Wait()
			select {
			case <-done:
				m.mu.Unlock()
				return
			default:
			}
		}
		j := heap.Pop(&m.queue).(*job)
		m.inflight++
		m.mu.Unlock()

		go func(j *job) {
			resp, err := j.run(ctx)
			j.result <- jobResult{resp: resp, err: err}

			m.mu.Lock()
			m.inflight--
			m.notEmpty.Signal()
			m.mu.Unlock()
		}(j)
	}
}

func (m *NetworkRequestManager) enqueueRetry(j *job) {
	m.retryMu.Lock()
	m.retryQ = append(m.retryQ, j)
	m.retryMu.Unlock()
}

// HandleOnlineEvent drains the retry queue when the aggregate state
// transitions to online.
func (m *NetworkRequestManager) HandleOnlineEvent(ev eventbus.OnlineEvent) {
	if !ev.IsOnline {
		return
	}
	m.retryMu.Lock()
	pending := m.retryQ
	m.retryQ = nil
	m.retryMu.Unlock()

	if len(pending) == 0 {
		return
	}
	log.Info().Int("count", len(pending)).Msg("cloudapi: draining retry queue on reconnect")
	for _, j := range pending {
		fresh := &job{priority: j.priority, dedupeKey: j.dedupeKey, result: make(chan jobResult, 1), run: j.run}
		m.enqueue(fresh)
	}
}

