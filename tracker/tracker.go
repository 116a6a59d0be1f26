// Package tracker polls submitted transactions until they are confirmed
// or fail.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/types"
)

// Request identifies the transaction to follow.
type Request struct {
	TransactionHash       string
	Network               int
	RequiredConfirmations int
}

func (r Request) required() uint64 {
	if r.RequiredConfirmations <= 0 {
		return types.DefaultRequiredConfirmations
	}
	return uint64(r.RequiredConfirmations)
}

// Result is one classification of the transaction.
type Result struct {
	Status          types.TransactionStatus
	TransactionHash string
	Network         int
	Confirmations   uint64
	BlockNumber     uint64
}

type key struct {
	network int
	hash    string
}

// Tracker classifies transactions against the chain.
type Tracker struct {
	chains   clients.ChainProvider
	interval time.Duration
	log      logger.Logger
	metrics  metrics.Recorder

	mu    sync.Mutex
	polls map[key]*poller
}

type Option func(*Tracker)

func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		t.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(t *Tracker) {
		t.metrics = r
	}
}

func New(chains clients.ChainProvider, opts ...Option) *Tracker {
	t := &Tracker{
		chains:   chains,
		interval: types.DefaultPollInterval,
		polls:    make(map[key]*poller),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logger.OrNoop(t.log)
	t.metrics = metrics.OrNoop(t.metrics)
	return t
}

// Check polls the chain once. A missing receipt is PROCESSING, a failed
// receipt is ERROR regardless of depth, and a successful one is FINISHED
// once its confirmations exceed the requirement.
func (t *Tracker) Check(ctx context.Context, req Request) (Result, error) {
	if req.TransactionHash == "" {
		return Result{}, types.NewError(types.ErrValidationFailed, "transaction hash cannot be empty")
	}

	res := Result{
		Status:          types.TransactionProcessing,
		TransactionHash: req.TransactionHash,
		Network:         req.Network,
	}

	reader, err := t.chains.Reader(req.Network)
	if err != nil {
		return Result{}, err
	}

	receipt, err := reader.TransactionReceipt(ctx, common.HexToHash(req.TransactionHash))
	if errors.Is(err, ethereum.NotFound) {
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return res, nil
	}

	res.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		res.Status = types.TransactionError
		return res, nil
	}

	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch block number: %w", err)
	}
	res.Confirmations = 1
	if head >= res.BlockNumber {
		res.Confirmations = head - res.BlockNumber + 1
	}

	if res.Confirmations > req.required() {
		res.Status = types.TransactionFinished
	}
	return res, nil
}

// Watch follows req until a terminal status, Stop or ctx cancellation.
//
// Every transaction is polled once however many callers watch it; each
// caller gets its own Handle and onUpdate. onUpdate is called from the
// polling goroutine with the latest classification as soon as the caller
// joins, then whenever the status or the confirmation count changes. The
// terminal result is delivered once per caller. Polling stops when the
// transaction settles or its last watcher leaves.
func (t *Tracker) Watch(ctx context.Context, req Request, onUpdate func(Result)) (*Handle, error) {
	if req.TransactionHash == "" {
		return nil, types.NewError(types.ErrValidationFailed, "transaction hash cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := key{network: req.Network, hash: strings.ToLower(req.TransactionHash)}
	h := &Handle{
		onUpdate: onUpdate,
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	p, ok := t.polls[k]
	if !ok {
		pctx, cancel := context.WithCancel(context.Background())
		p = &poller{
			req:    req,
			cancel: cancel,
			wake:   make(chan struct{}, 1),
			subs:   make(map[*Handle]struct{}),
			last:   Result{Status: types.TransactionProcessing, TransactionHash: req.TransactionHash, Network: req.Network},
		}
		t.polls[k] = p
		go t.poll(pctx, k, p)
	}
	h.tracker, h.key, h.poller = t, k, p
	p.subs[h] = struct{}{}
	h.stopAfter = context.AfterFunc(ctx, h.Stop)
	t.mu.Unlock()

	p.nudge()
	return h, nil
}

// Active returns how many transactions are being polled.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.polls)
}

// leave removes h from its poller and cancels the poll once nobody watches.
func (t *Tracker) leave(h *Handle) {
	t.mu.Lock()
	p := h.poller
	delete(p.subs, h)
	if len(p.subs) == 0 && t.polls[h.key] == p {
		delete(t.polls, h.key)
		p.cancel()
	}
	t.mu.Unlock()
	h.close()
}

// finish unregisters p and returns the watchers still attached to it.
func (t *Tracker) finish(k key, p *poller) []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.polls[k] == p {
		delete(t.polls, k)
	}
	subs := make([]*Handle, 0, len(p.subs))
	for h := range p.subs {
		subs = append(subs, h)
	}
	p.subs = map[*Handle]struct{}{}
	return subs
}

func (t *Tracker) watchers(p *poller) []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := make([]*Handle, 0, len(p.subs))
	for h := range p.subs {
		subs = append(subs, h)
	}
	return subs
}

func (t *Tracker) poll(ctx context.Context, k key, p *poller) {
	defer p.cancel()

	log := t.log.With(map[string]any{
		"hash":    p.req.TransactionHash,
		"network": p.req.Network,
	})
	labels := map[string]string{"network": strconv.Itoa(p.req.Network)}
	started := time.Now()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	checked := false
	for {
		res, err := t.Check(ctx, p.req)
		switch {
		case err != nil && ctx.Err() != nil:
			t.end(k, p, false)
			return
		case err != nil:
			log.Warn("transaction poll failed", map[string]any{"error": err})
		default:
			checked = true
			if p.set(res) {
				log.Debug("transaction status", map[string]any{
					"status":        res.Status,
					"confirmations": res.Confirmations,
				})
			}
			if res.Status.IsTerminal() {
				t.metrics.ObserveLatency(metrics.ConfirmLatency, time.Since(started), labels)
				log.Info("transaction settled", map[string]any{"status": res.Status})
				t.end(k, p, true)
				return
			}
			p.fanOut(t.watchers(p))
		}

		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				t.end(k, p, false)
				return
			case <-ticker.C:
				waiting = false
			case <-p.wake:
				// a new watcher joined; replay without polling early
				if checked {
					p.fanOut(t.watchers(p))
				} else {
					waiting = false
				}
			}
		}
	}
}

// end detaches every watcher, delivering the terminal result first when
// the transaction settled.
func (t *Tracker) end(k key, p *poller, settled bool) {
	subs := t.finish(k, p)
	if settled {
		p.fanOut(subs)
	}
	for _, h := range subs {
		h.close()
	}
}

// poller is the single polling loop behind every Handle of a transaction.
type poller struct {
	req    Request
	cancel context.CancelFunc
	wake   chan struct{}

	// guarded by Tracker.mu
	subs map[*Handle]struct{}

	mu   sync.Mutex
	last Result
}

func (p *poller) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *poller) set(res Result) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := res.Status != p.last.Status || res.Confirmations != p.last.Confirmations
	p.last = res
	return changed
}

func (p *poller) latest() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// fanOut delivers the latest result to every watcher that has not seen it.
// It only runs on the polling goroutine.
func (p *poller) fanOut(subs []*Handle) {
	res := p.latest()
	for _, h := range subs {
		if h.seen && h.sent.Status == res.Status && h.sent.Confirmations == res.Confirmations {
			continue
		}
		h.seen, h.sent = true, res
		if h.onUpdate != nil {
			h.onUpdate(res)
		}
	}
}

// Handle is one caller's view of a watched transaction.
type Handle struct {
	tracker   *Tracker
	key       key
	poller    *poller
	onUpdate  func(Result)
	stopAfter func() bool

	// owned by the polling goroutine
	seen bool
	sent Result

	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Stop detaches this watcher. Polling continues for the others. It is safe
// to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { h.tracker.leave(h) })
}

// Done is closed once this watcher has stopped or the transaction settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Last returns the latest classification of the transaction.
func (h *Handle) Last() Result { return h.poller.latest() }

func (h *Handle) close() {
	h.closeOnce.Do(func() {
		if h.stopAfter != nil {
			h.stopAfter()
		}
		close(h.done)
	})
}
