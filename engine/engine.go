package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"autorepayd/journal"
	"autorepayd/observability"
)

const (
	defaultConfirmTimeout = 90 * time.Second
	defaultPreviewMaxAge  = 30 * time.Second
	defaultSlippageBps    = 50
)

// Config wires an orchestration engine for a single position. Reader and
// Writer are required; everything else has working defaults.
type Config struct {
	IPID    common.Address
	Account common.Address
	Reader  Reader
	Writer  Writer
	Journal Journal
	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
	// Now is injectable for deterministic tests.
	Now            func() time.Time
	ConfirmTimeout time.Duration
	PreviewMaxAge  time.Duration
	SlippageBps    uint16
}

// Engine owns the orchestration state for one IP asset in this process.
// It sequences lock, claim-and-repay and unlock against the chain,
// re-deriving the published snapshot exclusively from confirmed reads, and
// admits at most one mutating transition in flight at a time.
type Engine struct {
	ipID    common.Address
	account common.Address
	reader  Reader
	writer  Writer
	journal Journal
	log     *slog.Logger
	metrics *observability.EngineMetrics
	tracer  trace.Tracer
	nowFn   func() time.Time

	confirmTimeout time.Duration
	previewMaxAge  time.Duration
	slippageBps    uint16

	// refreshMu admits one refresh at a time; mutating transitions hold
	// it for their whole protocol so their terminal refresh cannot be
	// raced by the reconciler.
	refreshMu sync.Mutex

	mu       sync.Mutex
	snapshot Snapshot
	inflight bool
	subs     map[int]chan Snapshot
	nextSub  int
}

// New constructs an engine and recovers any journalled pending write so a
// restart cannot silently abandon a submitted transaction.
func New(cfg Config) (*Engine, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("engine requires a chain reader")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("engine requires a chain writer")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	previewMaxAge := cfg.PreviewMaxAge
	if previewMaxAge <= 0 {
		previewMaxAge = defaultPreviewMaxAge
	}
	slippage := cfg.SlippageBps
	if slippage == 0 {
		slippage = defaultSlippageBps
	}
	e := &Engine{
		ipID:           cfg.IPID,
		account:        cfg.Account,
		reader:         cfg.Reader,
		writer:         cfg.Writer,
		journal:        cfg.Journal,
		log:            logger.With(slog.String("ipId", strings.ToLower(cfg.IPID.Hex()))),
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer("autorepayd/engine"),
		nowFn:          nowFn,
		confirmTimeout: confirmTimeout,
		previewMaxAge:  previewMaxAge,
		slippageBps:    slippage,
		snapshot:       Snapshot{IPID: cfg.IPID, Status: StatusUnlocked},
		subs:           make(map[int]chan Snapshot),
	}
	if e.journal != nil {
		entries, err := e.journal.PendingFor(e.journalID())
		if err != nil {
			return nil, fmt.Errorf("recover pending writes: %w", err)
		}
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			e.snapshot.Pending = &PendingWrite{
				ID:          last.ID,
				Op:          Operation(last.Op),
				TxHash:      common.HexToHash(last.TxHash),
				SubmittedAt: last.SubmittedAt,
			}
			e.inflight = true
			e.log.Info("recovered pending write",
				slog.String("op", last.Op),
				slog.String("txHash", last.TxHash))
		}
	}
	return e, nil
}

// IPID returns the position identifier this engine owns.
func (e *Engine) IPID() common.Address { return e.ipID }

// PreviewMaxAge returns the configured staleness window for conversion
// previews.
func (e *Engine) PreviewMaxAge() time.Duration { return e.previewMaxAge }

// Snapshot returns a deep copy of the current orchestration state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.Clone()
}

// Subscribe registers an observer channel that receives a snapshot copy
// after every state change. Slow consumers drop updates rather than block
// the engine. The returned cancel function releases the subscription.
func (e *Engine) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()
	cancel := func() {
		e.mu.Lock()
		if existing, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(existing)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// Refresh re-derives the snapshot from authoritative reads. It is safe to
// call in any state and is the single authority for status derivation.
func (e *Engine) Refresh(ctx context.Context) (Snapshot, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	return e.refreshLocked(ctx)
}

// TryRefresh refreshes only when no other refresh or mutating transition
// holds the refresh lock. The reconciler uses it so its ticks coalesce
// with in-flight work instead of racing it.
func (e *Engine) TryRefresh(ctx context.Context) (Snapshot, bool, error) {
	if !e.refreshMu.TryLock() {
		return Snapshot{}, false, nil
	}
	defer e.refreshMu.Unlock()
	snap, err := e.refreshLocked(ctx)
	return snap, true, err
}

// Lock binds the IP asset to a new debt position in the target token. The
// receipt alone is never trusted: the transition to Locked happens only if
// the post-confirmation re-read agrees.
func (e *Engine) Lock(ctx context.Context, target common.Address) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "autorepay.lock",
		trace.WithAttributes(attribute.String("token", target.Hex())))
	defer span.End()

	if err := e.beginMutation(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.Snapshot(), err
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	release := true
	defer func() {
		if release {
			e.endMutation()
		}
	}()

	cur := e.Snapshot()
	if cur.Status != StatusUnlocked {
		err := fmt.Errorf("%w: position is %s", ErrInvalidTransition, cur.Status)
		span.SetStatus(codes.Error, err.Error())
		return cur, err
	}

	hash, err := e.writer.SubmitLock(ctx, e.ipID, target)
	if err != nil {
		e.metrics.ObserveWrite(string(OpLock), "submit_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cur, err
	}
	entryID := e.journalSubmitted(OpLock, hash)
	span.SetAttributes(attribute.String("tx.hash", hash.Hex()))

	conf, err := e.writer.AwaitConfirmation(ctx, hash, e.confirmTimeout)
	if err != nil {
		e.markPending(entryID, OpLock, hash)
		release = false
		e.metrics.ObserveWrite(string(OpLock), "pending")
		span.RecordError(err)
		return e.Snapshot(), err
	}

	switch conf.State {
	case TxPending:
		e.markPending(entryID, OpLock, hash)
		release = false
		e.metrics.ObserveWrite(string(OpLock), "pending")
		e.log.Info("lock confirmation still pending", slog.String("txHash", hash.Hex()))
		return e.Snapshot(), nil
	case TxReverted:
		e.journalResolved(entryID, journal.OutcomeReverted, conf.Reason)
		snap, rerr := e.refreshLocked(ctx)
		if rerr == nil && snap.Status != StatusUnlocked && snap.Lock != nil && snap.Lock.Owner == e.account {
			// The contract refused because the lock already exists and
			// belongs to this account: a retry after an ambiguous prior
			// outcome. The authoritative read wins.
			e.metrics.ObserveWrite(string(OpLock), "benign_conflict")
			e.log.Info("lock revert superseded by on-chain state", slog.String("txHash", hash.Hex()))
			span.SetStatus(codes.Ok, "already locked")
			return snap, nil
		}
		e.metrics.ObserveWrite(string(OpLock), "reverted")
		revert := &RevertError{Op: OpLock, Reason: conf.Reason}
		span.RecordError(revert)
		span.SetStatus(codes.Error, revert.Error())
		if rerr != nil {
			return e.Snapshot(), revert
		}
		return snap, revert
	}

	e.journalResolved(entryID, journal.OutcomeConfirmed, "")
	snap, rerr := e.refreshLocked(ctx)
	if rerr != nil {
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		return e.Snapshot(), rerr
	}
	if snap.Status == StatusUnlocked {
		e.metrics.ObserveWrite(string(OpLock), "inconsistent")
		e.metrics.ObserveInconsistency()
		err := fmt.Errorf("lock %s confirmed but position reads unlocked: %w", hash.Hex(), ErrInconsistentState)
		e.log.Error("lock verification failed", slog.String("txHash", hash.Hex()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return snap, err
	}
	e.metrics.ObserveWrite(string(OpLock), "confirmed")
	span.SetStatus(codes.Ok, "locked")
	return snap, nil
}

// ClaimAndRepay claims the accrued royalty balance and applies it to the
// debt. The post-attempt refresh decides the visible result regardless of
// the write's own success flag, because royalty and debt balances may have
// moved even on partial failure.
func (e *Engine) ClaimAndRepay(ctx context.Context) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "autorepay.claim_and_repay")
	defer span.End()

	if err := e.beginMutation(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.Snapshot(), err
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	release := true
	defer func() {
		if release {
			e.endMutation()
		}
	}()

	cur := e.Snapshot()
	if cur.Status != StatusLocked {
		err := fmt.Errorf("%w: position is %s", ErrInvalidTransition, cur.Status)
		span.SetStatus(codes.Error, err.Error())
		return cur, err
	}
	if cur.Royalty == nil || cur.Royalty.AmountRaw == nil || cur.Royalty.AmountRaw.Sign() <= 0 {
		span.SetStatus(codes.Error, ErrNothingToClaim.Error())
		return cur, ErrNothingToClaim
	}

	hash, err := e.writer.SubmitClaim(ctx, e.ipID)
	if err != nil {
		e.metrics.ObserveWrite(string(OpClaim), "submit_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cur, err
	}
	entryID := e.journalSubmitted(OpClaim, hash)
	span.SetAttributes(attribute.String("tx.hash", hash.Hex()))

	conf, err := e.writer.AwaitConfirmation(ctx, hash, e.confirmTimeout)
	if err != nil {
		e.markPending(entryID, OpClaim, hash)
		release = false
		e.metrics.ObserveWrite(string(OpClaim), "pending")
		span.RecordError(err)
		return e.Snapshot(), err
	}
	if conf.State == TxPending {
		e.markPending(entryID, OpClaim, hash)
		release = false
		e.metrics.ObserveWrite(string(OpClaim), "pending")
		e.log.Info("claim confirmation still pending", slog.String("txHash", hash.Hex()))
		return e.Snapshot(), nil
	}

	outcome := journal.OutcomeConfirmed
	if conf.State == TxReverted {
		outcome = journal.OutcomeReverted
	}
	e.journalResolved(entryID, outcome, conf.Reason)

	// Refresh unconditionally: a claim can land while the downstream
	// repay step reverts, moving both balances anyway.
	snap, rerr := e.refreshLocked(ctx)
	if conf.State == TxReverted {
		e.metrics.ObserveWrite(string(OpClaim), "reverted")
		revert := &RevertError{Op: OpClaim, Reason: conf.Reason}
		span.RecordError(revert)
		span.SetStatus(codes.Error, revert.Error())
		if rerr != nil {
			e.log.Warn("post-revert refresh failed", slog.Any("error", rerr))
			return e.Snapshot(), revert
		}
		return snap, revert
	}
	if rerr != nil {
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		return e.Snapshot(), rerr
	}
	e.metrics.ObserveWrite(string(OpClaim), "confirmed")
	span.SetStatus(codes.Ok, "repaid")
	return snap, nil
}

// Unlock releases the lock. Allowed from Locked or DebtSettled; the local
// state flips to Unlocked only when the post-confirmation read agrees,
// never by forcing it.
func (e *Engine) Unlock(ctx context.Context) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "autorepay.unlock")
	defer span.End()

	if err := e.beginMutation(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.Snapshot(), err
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	release := true
	defer func() {
		if release {
			e.endMutation()
		}
	}()

	cur := e.Snapshot()
	if cur.Status != StatusLocked && cur.Status != StatusDebtSettled {
		err := fmt.Errorf("%w: position is %s", ErrInvalidTransition, cur.Status)
		span.SetStatus(codes.Error, err.Error())
		return cur, err
	}
	if cur.Lock != nil && cur.Lock.Owner != e.account {
		err := fmt.Errorf("%w: lock owned by %s", ErrInvalidTransition, cur.Lock.Owner.Hex())
		span.SetStatus(codes.Error, err.Error())
		return cur, err
	}

	hash, err := e.writer.SubmitUnlock(ctx, e.ipID)
	if err != nil {
		e.metrics.ObserveWrite(string(OpUnlock), "submit_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cur, err
	}
	entryID := e.journalSubmitted(OpUnlock, hash)
	span.SetAttributes(attribute.String("tx.hash", hash.Hex()))

	conf, err := e.writer.AwaitConfirmation(ctx, hash, e.confirmTimeout)
	if err != nil {
		e.markPending(entryID, OpUnlock, hash)
		release = false
		e.metrics.ObserveWrite(string(OpUnlock), "pending")
		span.RecordError(err)
		return e.Snapshot(), err
	}

	switch conf.State {
	case TxPending:
		e.markPending(entryID, OpUnlock, hash)
		release = false
		e.metrics.ObserveWrite(string(OpUnlock), "pending")
		e.log.Info("unlock confirmation still pending", slog.String("txHash", hash.Hex()))
		return e.Snapshot(), nil
	case TxReverted:
		e.journalResolved(entryID, journal.OutcomeReverted, conf.Reason)
		snap, rerr := e.refreshLocked(ctx)
		if rerr == nil && snap.Status == StatusUnlocked {
			e.metrics.ObserveWrite(string(OpUnlock), "benign_conflict")
			e.log.Info("unlock revert superseded by on-chain state", slog.String("txHash", hash.Hex()))
			span.SetStatus(codes.Ok, "already unlocked")
			return snap, nil
		}
		e.metrics.ObserveWrite(string(OpUnlock), "reverted")
		revert := &RevertError{Op: OpUnlock, Reason: conf.Reason}
		span.RecordError(revert)
		span.SetStatus(codes.Error, revert.Error())
		if rerr != nil {
			return e.Snapshot(), revert
		}
		return snap, revert
	}

	e.journalResolved(entryID, journal.OutcomeConfirmed, "")
	snap, rerr := e.refreshLocked(ctx)
	if rerr != nil {
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		return e.Snapshot(), rerr
	}
	if snap.Status != StatusUnlocked {
		e.metrics.ObserveWrite(string(OpUnlock), "inconsistent")
		e.metrics.ObserveInconsistency()
		err := fmt.Errorf("unlock %s confirmed but position still reads locked: %w", hash.Hex(), ErrInconsistentState)
		e.log.Error("unlock verification failed", slog.String("txHash", hash.Hex()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return snap, err
	}
	e.metrics.ObserveWrite(string(OpUnlock), "confirmed")
	span.SetStatus(codes.Ok, "unlocked")
	return snap, nil
}

func (e *Engine) beginMutation() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.account == (common.Address{}) {
		return ErrNotConnected
	}
	if e.inflight {
		return ErrOperationInProgress
	}
	e.inflight = true
	return nil
}

func (e *Engine) endMutation() {
	e.mu.Lock()
	e.inflight = false
	e.mu.Unlock()
}

func (e *Engine) markPending(id string, op Operation, hash common.Hash) {
	e.mu.Lock()
	e.snapshot.Pending = &PendingWrite{
		ID:          id,
		Op:          op,
		TxHash:      hash,
		SubmittedAt: e.nowFn().UTC(),
	}
	e.publishLocked()
	e.mu.Unlock()
}

// refreshLocked performs the authoritative read sequence and replaces the
// snapshot. Callers must hold refreshMu. On read failure the previous
// snapshot is retained untouched.
func (e *Engine) refreshLocked(ctx context.Context) (Snapshot, error) {
	start := e.nowFn()
	ctx, span := e.tracer.Start(ctx, "autorepay.refresh")
	defer span.End()

	e.resolvePending(ctx)

	locked, err := e.reader.IsLocked(ctx, e.ipID)
	if err != nil {
		e.metrics.ObserveRefresh("read_unavailable", e.nowFn().Sub(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.Snapshot(), err
	}

	next := Snapshot{IPID: e.ipID, Status: StatusUnlocked}
	if locked {
		info, err := e.reader.LockInfo(ctx, e.ipID)
		if err != nil {
			e.metrics.ObserveRefresh("read_unavailable", e.nowFn().Sub(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.Snapshot(), err
		}
		if info.Debt == nil || info.Debt.Sign() < 0 {
			e.metrics.ObserveRefresh("inconsistent", e.nowFn().Sub(start))
			e.metrics.ObserveInconsistency()
			err := fmt.Errorf("%w: negative debt balance", ErrInconsistentState)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.Snapshot(), err
		}
		balance, err := e.reader.RoyaltyBalance(ctx, e.ipID)
		if err != nil {
			e.metrics.ObserveRefresh("read_unavailable", e.nowFn().Sub(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.Snapshot(), err
		}
		if balance == nil {
			balance = big.NewInt(0)
		}
		if balance.Sign() < 0 {
			e.metrics.ObserveRefresh("inconsistent", e.nowFn().Sub(start))
			e.metrics.ObserveInconsistency()
			err := fmt.Errorf("%w: negative royalty balance", ErrInconsistentState)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.Snapshot(), err
		}

		next.Lock = &Lock{
			IPID:          e.ipID,
			Owner:         info.Owner,
			BorrowedToken: info.Token,
			Debt:          new(big.Int).Set(info.Debt),
		}
		next.Royalty = &RoyaltyBalance{
			IPID:      e.ipID,
			Token:     info.Token,
			AmountRaw: new(big.Int).Set(balance),
		}
		if balance.Sign() > 0 {
			estimate, err := e.reader.PreviewConversion(ctx, balance, info.Token)
			if err != nil {
				e.metrics.ObserveRefresh("read_unavailable", e.nowFn().Sub(start))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return e.Snapshot(), err
			}
			next.Preview = &ConversionPreview{
				InputAmount:    new(big.Int).Set(balance),
				OutputEstimate: copyAmount(estimate),
				MinimumOut:     MinimumOut(estimate, e.slippageBps),
				QuotedAt:       e.nowFn().UTC(),
			}
		}
		if info.Debt.Sign() == 0 {
			next.Status = StatusDebtSettled
		} else {
			next.Status = StatusLocked
		}
	}
	next.RefreshedAt = e.nowFn().UTC()

	e.mu.Lock()
	next.Pending = e.snapshot.Pending
	e.snapshot = next
	clone := e.snapshot.Clone()
	e.publishLocked()
	e.mu.Unlock()

	e.metrics.ObserveRefresh("ok", e.nowFn().Sub(start))
	span.SetAttributes(attribute.String("status", clone.Status.String()))
	span.SetStatus(codes.Ok, clone.Status.String())
	return clone, nil
}

// resolvePending re-checks a previously timed-out write against its
// receipt and releases the in-flight slot once an outcome is known.
func (e *Engine) resolvePending(ctx context.Context) {
	e.mu.Lock()
	pending := e.snapshot.Pending
	e.mu.Unlock()
	if pending == nil {
		return
	}
	conf, err := e.writer.TxStatus(ctx, pending.TxHash)
	if err != nil {
		e.log.Debug("pending write still unresolved",
			slog.String("txHash", pending.TxHash.Hex()), slog.Any("error", err))
		return
	}
	if conf.State == TxPending {
		return
	}
	outcome := journal.OutcomeConfirmed
	if conf.State == TxReverted {
		outcome = journal.OutcomeReverted
	}
	e.journalResolved(pending.ID, outcome, conf.Reason)
	e.mu.Lock()
	e.snapshot.Pending = nil
	e.inflight = false
	e.mu.Unlock()
	e.log.Info("pending write resolved",
		slog.String("op", string(pending.Op)),
		slog.String("txHash", pending.TxHash.Hex()),
		slog.String("outcome", string(outcome)))
}

// publishLocked fans the current snapshot out to subscribers without
// blocking on slow consumers. Callers must hold mu.
func (e *Engine) publishLocked() {
	if len(e.subs) == 0 {
		return
	}
	clone := e.snapshot.Clone()
	for _, ch := range e.subs {
		select {
		case ch <- clone:
		default:
		}
	}
}

func (e *Engine) journalID() string {
	return strings.ToLower(e.ipID.Hex())
}

func (e *Engine) journalSubmitted(op Operation, hash common.Hash) string {
	id := uuid.NewString()
	if e.journal == nil {
		return id
	}
	entry := journal.Entry{
		ID:          id,
		Op:          string(op),
		IPID:        e.journalID(),
		TxHash:      hash.Hex(),
		SubmittedAt: e.nowFn().UTC(),
		Outcome:     journal.OutcomePending,
	}
	if err := e.journal.Append(entry); err != nil {
		e.log.Warn("journal append failed", slog.Any("error", err))
	}
	return id
}

func (e *Engine) journalResolved(id string, outcome journal.Outcome, reason string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Resolve(id, outcome, reason, e.nowFn()); err != nil {
		e.log.Warn("journal resolve failed", slog.String("entry", id), slog.Any("error", err))
	}
}
