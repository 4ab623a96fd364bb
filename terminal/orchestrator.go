package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-terminal/internal/cvm"
	panutil "github.com/alovak/cardflow-terminal/internal/pan"
	"github.com/alovak/cardflow-terminal/terminal/models"
)

// Orchestrator owns the transaction lifecycle. It consumes kernel, PIN pad
// and transport events from a single queue; the loop goroutine is the only
// writer of the TransactionContext and the only caller of kernel
// acknowledgements. Network calls run on worker goroutines and report back
// through the queue, so the offline-PIN/no-CVM acknowledgement path never
// waits on I/O.
type Orchestrator struct {
	logger   *slog.Logger
	cfg      *Config
	codec    *Codec
	backend  AuthorizationBackend
	kernel   KernelDriver
	pinpad   PinPad
	recovery *RecoveryManager
	repo     *Repository
	metrics  *Metrics

	events chan Event

	// All fields below are owned by the event loop.
	state            models.State
	txn              *models.TransactionContext
	nextSTAN         int
	watchdog         *time.Timer
	awaitingResubmit bool
	journaled        bool

	mu        sync.RWMutex
	lastState models.State
	lastCode  string

	wg sync.WaitGroup
}

func NewOrchestrator(logger *slog.Logger, cfg *Config, codec *Codec, backend AuthorizationBackend, kernel KernelDriver, pinpad PinPad, recovery *RecoveryManager, repo *Repository, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		logger:   logger.With(slog.String("component", "orchestrator")),
		cfg:      cfg,
		codec:    codec,
		backend:  backend,
		kernel:   kernel,
		pinpad:   pinpad,
		recovery: recovery,
		repo:     repo,
		metrics:  metrics,
		events:   make(chan Event, 32),
		state:    models.StateIdle,
		nextSTAN: 1,
	}
}

// Submit posts an event to the queue. Kernel and PIN pad adapters call this
// from their own threads.
func (o *Orchestrator) Submit(ev Event) {
	o.events <- ev
}

// Status reports the current state and the response code of the last
// resolved transaction.
func (o *Orchestrator) Status() (models.State, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastState, o.lastCode
}

// Run consumes events until ctx is cancelled. An in-flight transaction is
// cancelled with a safe decline before returning.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if o.txn != nil {
				o.cancelTransaction("shutting down")
			}
			o.wg.Wait()
			return
		case ev := <-o.events:
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventCardDetected:
		o.handleCardDetected(ev)
	case EventCandidatesOffered:
		o.handleCandidatesOffered(ev)
	case EventApplicationSelected:
		// informational; selection was already confirmed
	case EventCardNumberConfirmed:
		o.handleCardNumberConfirmed(ev)
	case EventPinRequested:
		o.handlePinRequested(ctx, ev)
	case EventPinEntered:
		o.handlePinEntered(ctx, ev)
	case EventSignatureRequested:
		o.ackSignature()
	case EventOnlineRequested:
		o.handleOnlineRequested(ctx, ev)
	case eventAuthCompleted:
		o.handleAuthCompleted(ctx, ev)
	case eventWatchdog:
		o.handleWatchdog(ev)
	case EventResult:
		o.logger.Info("kernel reported result", slog.String("code", ev.Code), slog.String("description", ev.Description))
	case EventCancel:
		// A txnID-tagged cancel belongs to that transaction only; an untagged
		// one is an operator cancel of whatever is current.
		if o.txn != nil && (ev.txnID == "" || ev.txnID == o.txn.ID) {
			o.cancelTransaction(ev.Description)
		}
	default:
		o.logger.Warn("unknown event", slog.String("type", string(ev.Type)))
	}
}

func (o *Orchestrator) handleCardDetected(ev Event) {
	if o.txn != nil {
		o.protocolError("card detected while a transaction is active")
		return
	}

	stan := o.nextSTAN
	o.nextSTAN++

	o.txn = &models.TransactionContext{
		ID:        uuid.New().String(),
		STAN:      stan,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
		EntryMode: ev.EntryMode,
		StartedAt: time.Now(),
	}
	o.journaled = false
	o.awaitingResubmit = false
	o.setState(models.StateCardPresented)

	txnID := o.txn.ID
	o.watchdog = time.AfterFunc(o.cfg.TransactionTimeout, func() {
		o.Submit(Event{Type: eventWatchdog, txnID: txnID})
	})

	o.logger.Info("transaction started",
		slog.String("txn_id", o.txn.ID),
		slog.Int("stan", stan),
		slog.Int64("amount", ev.Amount),
		slog.String("entry_mode", string(ev.EntryMode)),
	)
}

func (o *Orchestrator) handleCandidatesOffered(ev Event) {
	if o.txn == nil || o.state != models.StateCardPresented {
		o.protocolError("candidates offered out of order")
		return
	}
	if len(ev.Candidates) == 0 {
		o.logger.Error("application selection failed", "err", &models.KernelProtocolError{Reason: "empty candidate list"})
		o.resolveError(models.RespSystemError, "no matching application")
		return
	}

	// The kernel already performed matching; confirm the first offer.
	if err := o.kernel.SelectCandidate(ev.Candidates[0].Index); err != nil {
		o.logger.Error("selecting candidate", "err", err)
		o.resolveError(models.RespSystemError, "candidate selection failed")
		return
	}
	o.txn.AID = ev.Candidates[0].AID
	o.setState(models.StateKernelSelecting)
}

func (o *Orchestrator) handleCardNumberConfirmed(ev Event) {
	if o.txn == nil {
		o.protocolError("card number confirmed without a transaction")
		return
	}
	pan := panutil.Normalize(ev.PAN)
	if err := panutil.Validate(pan); err != nil {
		o.logger.Error("card number rejected", "err", err)
		if err := o.kernel.ConfirmCardNumber(false); err != nil {
			o.logger.Error("rejecting card number", "err", err)
		}
		o.resolveError(models.RespSystemError, "invalid card number")
		return
	}
	o.txn.MaskedPAN = panutil.Mask(pan)
	if err := o.kernel.ConfirmCardNumber(true); err != nil {
		o.logger.Error("confirming card number", "err", err)
	}
}

func (o *Orchestrator) handlePinRequested(ctx context.Context, ev Event) {
	if o.txn == nil || (o.state != models.StateKernelSelecting && o.state != models.StateCvmPinPending) {
		o.protocolError("pin requested out of order")
		return
	}

	// Resolve once; the kernel may legitimately re-request verification.
	if !o.txn.CVMResolved {
		o.txn.CVM = cvm.Resolve(ev.CVMCode, ev.FallbackHint)
		o.txn.CVMResolved = true
	}
	o.setState(models.StateCvmPinPending)

	decision := o.txn.CVM
	if decision.CollectPin {
		o.txn.PinEntered = true
	}

	if decision.ForwardPin {
		// Online PIN: the kernel waits until the pad delivers the block.
		o.capturePin(ctx)
		return
	}

	// Offline PIN, no CVM and CDCVM are acknowledged immediately. The
	// kernel's PIN-entry deadline must never depend on network I/O.
	if err := o.kernel.AckPinEntry(); err != nil {
		o.logger.Error("acknowledging pin entry", "err", err)
		o.resolveError(models.RespSystemError, "kernel ack failed")
	}
}

func (o *Orchestrator) ackSignature() {
	if err := o.kernel.AckSignature(); err != nil {
		o.logger.Error("acknowledging signature", "err", err)
	}
}

func (o *Orchestrator) capturePin(ctx context.Context) {
	maskedPAN := o.txn.MaskedPAN
	txnID := o.txn.ID
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		result, err := o.pinpad.Capture(ctx, maskedPAN, true)
		if err != nil {
			o.Submit(Event{Type: EventCancel, txnID: txnID, Description: "pin capture failed"})
			return
		}
		o.Submit(Event{Type: EventPinEntered, txnID: txnID, PinBlock: result.Block, KSN: result.KSN})
	}()
}

func (o *Orchestrator) handlePinEntered(ctx context.Context, ev Event) {
	if o.txn == nil || o.txn.ID != ev.txnID || o.state != models.StateCvmPinPending {
		// Late capture after cancel, or a stale capture racing the next
		// transaction; wipe and drop.
		wipe(ev.PinBlock)
		wipe(ev.KSN)
		return
	}

	o.txn.PinBlock = ev.PinBlock
	o.txn.KSN = ev.KSN

	if o.awaitingResubmit {
		// PIN re-entry after a wrong-PIN response: the kernel already asked
		// for online processing, so go straight back out.
		o.awaitingResubmit = false
		o.setState(models.StateOnlineAuthPending)
		o.dispatchAuthorization(ctx)
		return
	}

	if err := o.kernel.AckPinEntry(); err != nil {
		o.logger.Error("acknowledging pin entry", "err", err)
		o.resolveError(models.RespSystemError, "kernel ack failed")
	}
}

func (o *Orchestrator) handleOnlineRequested(ctx context.Context, ev Event) {
	if o.txn == nil || (o.state != models.StateCvmPinPending && o.state != models.StateKernelSelecting) {
		o.protocolError("online processing requested out of order")
		return
	}

	o.txn.EMVData = ev.EMVData
	if ev.AID != "" {
		o.txn.AID = ev.AID
	}
	o.txn.RiskData = ev.RiskData
	o.setState(models.StateOnlineAuthPending)
	o.dispatchAuthorization(ctx)
}

// dispatchAuthorization builds the request and hands it to a worker. The PIN
// block is consumed by the codec and wiped before the network call starts.
func (o *Orchestrator) dispatchAuthorization(ctx context.Context) {
	req, err := o.codec.BuildAuthorization(o.txn)
	o.txn.ClearPinMaterial()
	if err != nil {
		o.logger.Error("building authorization", "err", err)
		o.resolveDeclined(models.RespSystemError, "invalid authorization request", nil)
		return
	}

	txnID := o.txn.ID
	timeout := o.cfg.HTTPTimeout
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		callCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := o.backend.Authorize(callCtx, req)
		o.Submit(Event{Type: eventAuthCompleted, txnID: txnID, authResp: resp, authErr: err})
	}()
}

func (o *Orchestrator) handleAuthCompleted(ctx context.Context, ev Event) {
	if o.txn == nil || o.txn.ID != ev.txnID || o.state != models.StateOnlineAuthPending {
		// A cancelled transaction's in-flight call completed; discard.
		return
	}

	if ev.authErr != nil {
		o.handleAuthError(ev.authErr)
		return
	}

	outcome, err := o.codec.DecodeAuthorization(ev.authResp)
	if err != nil {
		o.logger.Error("decoding authorization response", "err", err)
		o.resolveDeclined(models.RespSystemError, "malformed backend response", nil)
		return
	}

	switch outcome.Kind {
	case OutcomeApproved:
		o.txn.RetryAttempts = 0
		o.resolveApproved(outcome)
	case OutcomeWrongPin:
		o.handleWrongPin(ctx, outcome)
	case OutcomeKeySync:
		o.handleKeySync(outcome)
	default:
		o.resolveDeclined(outcome.Code, outcome.Message, outcome)
	}
}

func (o *Orchestrator) handleAuthError(err error) {
	var derr *models.DecodeError
	if errors.As(err, &derr) {
		o.logger.Error("backend payload unusable", "err", err)
		o.resolveDeclined(models.RespSystemError, "malformed backend response", nil)
		return
	}

	var terr *models.TransportError
	if !errors.As(err, &terr) {
		terr = &models.TransportError{Kind: models.ProtocolError, Err: err}
	}
	o.logger.Error("authorization transport failure", slog.String("kind", string(terr.Kind)), "err", terr.Err)

	// Outcome unknown to the host: queue the reversal, then unblock the
	// kernel with a safe decline.
	o.recovery.HandleTransportFailure(o.txn, terr)
	o.journaled = true
	o.metrics.Authorizations.WithLabelValues("error").Inc()
	o.finish(models.StateReversalQueued, models.RespHostUnavailable)
	o.completeKernel(false, nil)
}

func (o *Orchestrator) handleWrongPin(ctx context.Context, outcome *Outcome) {
	o.txn.RetryAttempts++
	o.txn.ClearPinMaterial()

	if o.txn.RetryAttempts < o.cfg.MaxPinRetries {
		o.logger.Info("wrong pin, re-prompting",
			slog.Int("attempt", o.txn.RetryAttempts),
			slog.Int("max", o.cfg.MaxPinRetries),
		)
		o.metrics.PinRetries.Inc()
		o.awaitingResubmit = true
		o.setState(models.StateCvmPinPending)
		o.capturePin(ctx)
		return
	}

	if o.cfg.SignatureFallback {
		o.logger.Info("pin retries exhausted, falling back to signature")
		if err := o.kernel.AckSignature(); err != nil {
			o.logger.Error("requesting signature", "err", err)
		}
		// Proceed without PIN; the signature device is a collaborator.
		o.txn.CVM = cvm.Decision{Method: cvm.NoCvm}
		o.setState(models.StateOnlineAuthPending)
		o.dispatchAuthorization(ctx)
		return
	}

	o.logger.Info("pin retries exhausted, declining")
	o.resolveDeclined(outcome.Code, "pin retries exhausted", outcome)
}

func (o *Orchestrator) handleKeySync(outcome *Outcome) {
	o.logger.Warn("backend requires key resynchronization")
	o.writeJournal(outcome.Code, "", outcome.RRN)
	o.metrics.Authorizations.WithLabelValues("declined").Inc()
	// Rotation is decoupled from this transaction, which stays declined.
	o.recovery.HandleKeySync()
	o.finish(models.StateResolvedDeclined, outcome.Code)
	o.completeKernel(false, nil)
}

func (o *Orchestrator) handleWatchdog(ev Event) {
	if o.txn == nil || o.txn.ID != ev.txnID || o.state.Terminal() {
		return
	}
	o.logger.Error("transaction watchdog fired", slog.String("txn_id", ev.txnID), slog.String("state", string(o.state)))

	if o.state == models.StateOnlineAuthPending {
		// The host may have seen the request; treat like a transport timeout.
		o.recovery.HandleTransportFailure(o.txn, &models.TransportError{Kind: models.Timeout, Err: fmt.Errorf("transaction timeout")})
		o.journaled = true
		o.metrics.Authorizations.WithLabelValues("error").Inc()
		o.finish(models.StateReversalQueued, models.RespHostUnavailable)
		o.completeKernel(false, nil)
		return
	}

	o.resolveError(models.RespSystemError, "transaction timeout")
}

func (o *Orchestrator) resolveApproved(outcome *Outcome) {
	o.writeJournal(outcome.Code, outcome.AuthCode, outcome.RRN)
	o.metrics.Authorizations.WithLabelValues("approved").Inc()
	o.logger.Info("transaction approved",
		slog.String("auth_code", outcome.AuthCode),
		slog.String("rrn", outcome.RRN),
	)
	o.finish(models.StateResolvedApproved, outcome.Code)
	o.completeKernel(true, outcome.KernelTags)
}

func (o *Orchestrator) resolveDeclined(code, message string, outcome *Outcome) {
	rrn := ""
	if outcome != nil {
		rrn = outcome.RRN
	}
	o.writeJournal(code, "", rrn)
	o.metrics.Authorizations.WithLabelValues("declined").Inc()
	o.logger.Info("transaction declined", slog.String("code", code), slog.String("message", message))
	o.finish(models.StateResolvedDeclined, code)
	o.completeKernel(false, nil)
}

// resolveError handles kernel-protocol and watchdog failures where the
// kernel never asked for online processing: abort instead of completing.
func (o *Orchestrator) resolveError(code, reason string) {
	o.writeJournal(code, "", "")
	o.metrics.Authorizations.WithLabelValues("error").Inc()
	o.finish(models.StateResolvedError, code)
	if err := o.kernel.Abort(reason); err != nil {
		o.logger.Error("aborting kernel interaction", "err", err)
	}
}

func (o *Orchestrator) protocolError(reason string) {
	o.logger.Error("kernel protocol error", slog.String("reason", reason))
	if o.txn == nil {
		// Nothing to decline; still answer the kernel so it never hangs.
		if err := o.kernel.Abort(reason); err != nil {
			o.logger.Error("aborting kernel interaction", "err", err)
		}
		return
	}
	o.resolveError(models.RespSystemError, reason)
}

func (o *Orchestrator) cancelTransaction(reason string) {
	o.logger.Info("cancelling transaction", slog.String("reason", reason))
	if o.state == models.StateOnlineAuthPending {
		// The in-flight call will complete and be discarded.
		o.resolveDeclined(models.RespSystemError, reason, nil)
		return
	}
	o.resolveError(models.RespSystemError, reason)
}

// completeKernel resolves the online-processing callback. Called on every
// path out of OnlineAuthPending so the kernel is never left waiting.
func (o *Orchestrator) completeKernel(approved bool, tags map[string]string) {
	if err := o.kernel.CompleteOnline(approved, tags); err != nil {
		o.logger.Error("completing kernel online processing", "err", err)
	}
}

// writeJournal records the terminal outcome exactly once per transaction.
func (o *Orchestrator) writeJournal(code, authCode, rrn string) {
	if o.journaled || o.txn == nil {
		return
	}
	o.journaled = true

	entry := &models.JournalEntry{
		ID:           uuid.New().String(),
		STAN:         o.txn.STAN,
		RRN:          rrn,
		ResponseCode: code,
		AuthCode:     authCode,
		EntryMode:    string(o.txn.EntryMode),
		AID:          o.txn.AID,
		RiskData:     o.txn.RiskData,
		Amount:       o.txn.Amount,
		Currency:     o.txn.Currency,
		CreatedAt:    time.Now(),
	}
	if err := o.repo.AppendJournal(context.Background(), entry); err != nil {
		o.logger.Error("writing journal entry", "err", err)
	}
}

func (o *Orchestrator) finish(final models.State, code string) {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
	o.setState(final)

	o.mu.Lock()
	o.lastCode = code
	o.mu.Unlock()

	o.txn.Zero()
	o.txn = nil
	o.awaitingResubmit = false
	o.state = models.StateIdle
}

func (o *Orchestrator) setState(s models.State) {
	o.state = s
	o.mu.Lock()
	o.lastState = s
	o.mu.Unlock()
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
