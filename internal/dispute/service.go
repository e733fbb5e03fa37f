package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/custody"
	"github.com/bookvault/bookvault/internal/idgen"
	"github.com/bookvault/bookvault/internal/metrics"
	"github.com/bookvault/bookvault/internal/money"
	"github.com/bookvault/bookvault/internal/notify"
	"github.com/bookvault/bookvault/internal/refund"
	"github.com/bookvault/bookvault/internal/scheduler"
	"github.com/bookvault/bookvault/internal/syncutil"
	"github.com/bookvault/bookvault/internal/traces"
)

var ErrEscrowSettled = errors.New("escrow already settled, dispute cannot hold funds")

// minEvidenceForAuto is how many verified items automatic resolution
// needs before consulting the analyzer.
const minEvidenceForAuto = 3

// Service runs the dispute workflow. Mutations serialize per dispute id
// and every transition appends an audit entry.
type Service struct {
	store    Store
	custody  *custody.Service
	ledger   *audit.Ledger
	notifier notify.Notifier
	analyzer Analyzer
	logger   *slog.Logger
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

func NewService(store Store, cust *custody.Service, ledger *audit.Ledger, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		custody:  cust,
		ledger:   ledger,
		notifier: notifier,
		analyzer: NewKeywordAnalyzer(),
		logger:   logger,
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
	}
}

// WithAnalyzer swaps the evidence analysis policy.
func (s *Service) WithAnalyzer(a Analyzer) *Service {
	s.analyzer = a
	return s
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	TransactionID  string      `json:"transactionId" binding:"required"`
	ReportedBy     string      `json:"reportedBy" binding:"required"`
	AgainstUser    string      `json:"againstUser" binding:"required"`
	Type           Type        `json:"type" binding:"required"`
	Title          string      `json:"title" binding:"required"`
	Description    string      `json:"description"`
	DisputedAmount money.Cents `json:"disputedAmount"`
	Evidence       []Evidence  `json:"evidence,omitempty"`
}

// Open creates a dispute, freezes the transaction's escrow when the
// category is financial, and immediately attempts automatic resolution.
// A dispute that cannot auto-resolve enters investigation with a
// deadline.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open")
	defer span.End()

	if !knownTypes[req.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
	if req.ReportedBy == req.AgainstUser {
		return nil, fmt.Errorf("reporter and respondent cannot be the same user")
	}
	if req.DisputedAmount < 0 {
		return nil, fmt.Errorf("disputed amount cannot be negative")
	}
	if existing, err := s.store.GetByTransaction(ctx, req.TransactionID); err == nil && existing != nil && !existing.Status.IsTerminal() {
		return nil, fmt.Errorf("transaction %s already has an open dispute %s", req.TransactionID, existing.ID)
	}

	now := s.now()
	severity := ScoreSeverity(req.Type, req.DisputedAmount)
	d := &Dispute{
		ID:             idgen.WithPrefix("dsp_"),
		TransactionID:  req.TransactionID,
		ReporterID:     req.ReportedBy,
		RespondentID:   req.AgainstUser,
		Type:           req.Type,
		Category:       CategoryFor(req.Type),
		Title:          req.Title,
		Description:    req.Description,
		DisputedAmount: req.DisputedAmount,
		Severity:       severity,
		Priority:       DerivePriority(severity, req.DisputedAmount),
		Status:         StatusOpen,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, ev := range req.Evidence {
		ev.ID = idgen.WithPrefix("evd_")
		ev.SubmittedBy = req.ReportedBy
		ev.SubmittedAt = now
		ev.Verified = false
		ev.VerifiedBy = ""
		d.Evidence = append(d.Evidence, ev)
	}
	d.Timeline = append(d.Timeline, TimelineEvent{
		At: now, Actor: req.ReportedBy, Event: "dispute_opened", Detail: req.Title,
	})

	// Financial disputes hold escrow for their whole lifetime.
	froze := false
	if d.Category == CategoryFinancial {
		var err error
		froze, err = s.holdEscrow(ctx, d)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, d); err != nil {
		// The dispute record never landed; a freeze issued for it would
		// strand the escrow with a dangling dispute reference.
		if froze {
			if _, uferr := s.custody.Unfreeze(ctx, d.EscrowAccountID, "dispute"); uferr != nil {
				s.logger.Error("CRITICAL: escrow frozen for unrecorded dispute",
					"account_id", d.EscrowAccountID, "error", uferr)
			}
		}
		return nil, fmt.Errorf("create dispute: %w", err)
	}
	s.appendAudit(ctx, req.ReportedBy, "dispute_opened", d, map[string]string{
		"type":     string(d.Type),
		"priority": string(d.Priority),
		"amount":   d.DisputedAmount.Format(),
	})

	if err := s.tryAutoResolve(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// holdEscrow freezes the transaction's escrow account under this
// dispute. An already-frozen account counts as held; a settled one
// cannot back a financial dispute. Reports whether this call issued
// the freeze, so the caller can undo it if the dispute never persists.
func (s *Service) holdEscrow(ctx context.Context, d *Dispute) (bool, error) {
	acct, err := s.custody.GetByTransaction(ctx, d.TransactionID)
	if err != nil {
		return false, fmt.Errorf("financial dispute needs an escrow account: %w", err)
	}
	d.EscrowAccountID = acct.ID
	if acct.IsTerminal() {
		return false, fmt.Errorf("%w: account %s is %s", ErrEscrowSettled, acct.ID, acct.Status)
	}
	froze := false
	if !acct.IsFrozen() {
		if _, err := s.custody.Freeze(ctx, acct.ID, d.ReporterID, d.Title, d.ID); err != nil {
			return false, fmt.Errorf("freeze escrow for dispute: %w", err)
		}
		froze = true
	}
	d.EscrowHeld = true
	return froze, nil
}

// tryAutoResolve attempts automatic resolution on a freshly opened
// dispute, otherwise moves it into investigation.
func (s *Service) tryAutoResolve(ctx context.Context, d *Dispute) error {
	now := s.now()

	// Low-value late returns settle as a penalty without review.
	if d.Type == TypeLateReturn && d.DisputedAmount <= autoPenaltyCeiling {
		d.Resolution = &Resolution{
			Decision:   DecisionAutomatic,
			Summary:    "low-value late return settled as penalty",
			Actions:    []ResolutionAction{{Type: ActionPenalty, TargetUserID: d.RespondentID, Amount: d.DisputedAmount, Reason: "late return"}},
			ProposedAt: now,
		}
		return s.finalize(ctx, d, "system", "automatic")
	}

	if d.VerifiedEvidence() >= minEvidenceForAuto {
		if v := s.analyzer.Analyze(ctx, d); v.Conclusive {
			res, err := s.favorResolution(ctx, d, v)
			if err != nil {
				return err
			}
			d.Resolution = res
			return s.finalize(ctx, d, "system", "automatic")
		}
	}

	d.Status = StatusInvestigating
	d.PhaseDeadline = now.Add(InvestigationTimeout)
	d.Timeline = append(d.Timeline, TimelineEvent{
		At: now, Actor: "system", Event: "investigation_started",
		Detail: fmt.Sprintf("deadline %s", d.PhaseDeadline.Format(time.RFC3339)),
	})
	return s.persist(ctx, d)
}

// favorResolution builds the automatic resolution for a conclusive
// verdict: a full refund when the evidence favors the borrower, a
// deposit penalty when it favors the lender, a suspension request for
// conduct disputes.
func (s *Service) favorResolution(ctx context.Context, d *Dispute, v Verdict) (*Resolution, error) {
	res := &Resolution{
		Decision:   DecisionAutomatic,
		Summary:    v.Rationale,
		ProposedAt: s.now(),
	}
	if d.EscrowAccountID == "" {
		res.Actions = []ResolutionAction{{Type: ActionSuspend, TargetUserID: d.RespondentID, Reason: v.Rationale}}
		return res, nil
	}
	acct, err := s.custody.Get(ctx, d.EscrowAccountID)
	if err != nil {
		return nil, err
	}
	if v.InFavorOf == acct.BorrowerID {
		res.Actions = []ResolutionAction{{Type: ActionRefund, TargetUserID: acct.BorrowerID, RefundType: string(refund.TypeFull), Reason: v.Rationale}}
	} else {
		res.Actions = []ResolutionAction{{Type: ActionPenalty, TargetUserID: acct.BorrowerID, Amount: money.Min(d.DisputedAmount, acct.SecurityDeposit), Reason: v.Rationale}}
	}
	return res, nil
}

// SubmitEvidence attaches an evidence item. Only parties to the dispute
// may submit, and only while the dispute is live.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, actor string, ev Evidence) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		if d.Status.IsTerminal() || d.Status == StatusResolved {
			return fmt.Errorf("%w: evidence on %s dispute", ErrInvalidStatus, d.Status)
		}
		if !d.IsParty(actor) {
			return ErrNotParty
		}
		now := s.now()
		ev.ID = idgen.WithPrefix("evd_")
		ev.SubmittedBy = actor
		ev.SubmittedAt = now
		ev.Verified = false
		ev.VerifiedBy = ""
		d.Evidence = append(d.Evidence, ev)
		d.Timeline = append(d.Timeline, TimelineEvent{At: now, Actor: actor, Event: "evidence_submitted", Detail: ev.Kind})
		if err := s.persist(ctx, d); err != nil {
			return err
		}
		s.appendAudit(ctx, actor, "evidence_submitted", d, map[string]string{"evidence": ev.ID, "kind": ev.Kind})
		return nil
	})
}

// VerifyEvidence marks an item verified and re-runs automatic
// resolution when enough verified evidence has accumulated.
func (s *Service) VerifyEvidence(ctx context.Context, disputeID, evidenceID, adminID string) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		if d.Status.IsTerminal() || d.Status == StatusResolved {
			return fmt.Errorf("%w: verify evidence on %s dispute", ErrInvalidStatus, d.Status)
		}
		ev := d.EvidenceByID(evidenceID)
		if ev == nil {
			return fmt.Errorf("%w: %s", ErrEvidenceNotFound, evidenceID)
		}
		now := s.now()
		ev.Verified = true
		ev.VerifiedBy = adminID
		d.Timeline = append(d.Timeline, TimelineEvent{At: now, Actor: adminID, Event: "evidence_verified", Detail: ev.ID})
		s.appendAudit(ctx, adminID, "evidence_verified", d, map[string]string{"evidence": ev.ID})

		if (d.Status == StatusOpen || d.Status == StatusInvestigating) && d.VerifiedEvidence() >= minEvidenceForAuto {
			if v := s.analyzer.Analyze(ctx, d); v.Conclusive {
				res, err := s.favorResolution(ctx, d, v)
				if err != nil {
					return err
				}
				d.Resolution = res
				return s.finalize(ctx, d, adminID, "automatic")
			}
		}
		return s.persist(ctx, d)
	})
}

// ProposeResolution records a proposed settlement and moves the dispute
// into mediation. Both parties must accept before it binds.
func (s *Service) ProposeResolution(ctx context.Context, disputeID, actor, summary string, actions []ResolutionAction) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		switch d.Status {
		case StatusOpen, StatusInvestigating, StatusMediation, StatusEscalated:
		default:
			return fmt.Errorf("%w: propose on %s dispute", ErrInvalidStatus, d.Status)
		}
		now := s.now()
		d.Resolution = &Resolution{
			Decision:        DecisionAgreement,
			DecidedBy:       actor,
			Summary:         summary,
			Actions:         actions,
			RequiredParties: []string{d.ReporterID, d.RespondentID},
			Accepted:        map[string]bool{},
			ProposedAt:      now,
		}
		d.Status = StatusMediation
		d.PhaseDeadline = now.Add(MediationTimeout)
		d.Timeline = append(d.Timeline, TimelineEvent{At: now, Actor: actor, Event: "resolution_proposed", Detail: summary})
		if err := s.persist(ctx, d); err != nil {
			return err
		}
		s.appendAudit(ctx, actor, "resolution_proposed", d, map[string]string{"summary": summary})
		return nil
	})
}

// Accept records a party's acceptance of the proposed resolution. Once
// every required party has accepted, the resolution executes.
func (s *Service) Accept(ctx context.Context, disputeID, userID string) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		if d.Status != StatusMediation {
			return fmt.Errorf("%w: accept on %s dispute", ErrInvalidStatus, d.Status)
		}
		if d.Resolution == nil {
			return ErrNoResolution
		}
		if !d.IsParty(userID) {
			return ErrNotParty
		}
		now := s.now()
		if d.Resolution.Accepted == nil {
			d.Resolution.Accepted = map[string]bool{}
		}
		d.Resolution.Accepted[userID] = true
		d.Timeline = append(d.Timeline, TimelineEvent{At: now, Actor: userID, Event: "resolution_accepted"})
		s.appendAudit(ctx, userID, "resolution_accepted", d, nil)

		if d.Resolution.AllAccepted() {
			return s.finalize(ctx, d, userID, "mediated")
		}
		return s.persist(ctx, d)
	})
}

// Escalate pushes the dispute to admin review.
func (s *Service) Escalate(ctx context.Context, disputeID, actor, reason string) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		switch d.Status {
		case StatusOpen, StatusInvestigating, StatusMediation:
		default:
			return fmt.Errorf("%w: escalate from %s", ErrInvalidStatus, d.Status)
		}
		s.escalate(ctx, d, actor, reason)
		return s.persist(ctx, d)
	})
}

func (s *Service) escalate(ctx context.Context, d *Dispute, actor, reason string) {
	d.Status = StatusEscalated
	d.PhaseDeadline = time.Time{}
	d.Timeline = append(d.Timeline, TimelineEvent{At: s.now(), Actor: actor, Event: "dispute_escalated", Detail: reason})
	s.appendAudit(ctx, actor, "dispute_escalated", d, map[string]string{"reason": reason})
	metrics.DisputesTotal.WithLabelValues("escalated").Inc()
}

// ReturnToMediation sends an escalated dispute back into mediation,
// keeping any proposed resolution on the table.
func (s *Service) ReturnToMediation(ctx context.Context, disputeID, adminID string) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		if d.Status != StatusEscalated {
			return fmt.Errorf("%w: mediation re-entry from %s", ErrInvalidStatus, d.Status)
		}
		now := s.now()
		d.Status = StatusMediation
		d.PhaseDeadline = now.Add(MediationTimeout)
		d.Timeline = append(d.Timeline, TimelineEvent{At: now, Actor: adminID, Event: "mediation_resumed"})
		return s.persist(ctx, d)
	})
}

// ResolveByAdmin imposes a resolution. Admin decisions bind without
// party acceptance.
func (s *Service) ResolveByAdmin(ctx context.Context, disputeID, adminID, summary string, actions []ResolutionAction) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		if d.Status.IsTerminal() || d.Status == StatusResolved {
			return fmt.Errorf("%w: resolve on %s dispute", ErrInvalidStatus, d.Status)
		}
		d.Resolution = &Resolution{
			Decision:   DecisionAdmin,
			DecidedBy:  adminID,
			Summary:    summary,
			Actions:    actions,
			ProposedAt: s.now(),
		}
		return s.finalize(ctx, d, adminID, "admin")
	})
}

// Close retires a resolved dispute.
func (s *Service) Close(ctx context.Context, disputeID, actor string) (*Dispute, error) {
	return s.withDispute(ctx, disputeID, func(d *Dispute) error {
		if d.Status != StatusResolved {
			return fmt.Errorf("%w: close from %s", ErrInvalidStatus, d.Status)
		}
		d.Status = StatusClosed
		d.Timeline = append(d.Timeline, TimelineEvent{At: s.now(), Actor: actor, Event: "dispute_closed"})
		if err := s.persist(ctx, d); err != nil {
			return err
		}
		s.appendAudit(ctx, actor, "dispute_closed", d, nil)
		return nil
	})
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ExpireTimeouts escalates every investigating or mediating dispute
// whose phase deadline has passed. Returns how many were escalated.
func (s *Service) ExpireTimeouts(ctx context.Context) (int, error) {
	timedOut, err := s.store.ListTimedOut(ctx, s.now(), 100)
	if err != nil {
		return 0, fmt.Errorf("list timed out disputes: %w", err)
	}
	n := 0
	for _, stale := range timedOut {
		escalated := false
		_, err := s.withDispute(ctx, stale.ID, func(d *Dispute) error {
			if d.Status != StatusInvestigating && d.Status != StatusMediation {
				return nil // moved on since the listing
			}
			if d.PhaseDeadline.IsZero() || d.PhaseDeadline.After(s.now()) {
				return nil
			}
			phase := string(d.Status)
			s.escalate(ctx, d, "system", phase+" phase timed out")
			escalated = true
			return s.persist(ctx, d)
		})
		if err != nil {
			s.logger.Warn("dispute timeout escalation failed", "dispute_id", stale.ID, "error", err)
			continue
		}
		if escalated {
			n++
		}
	}
	return n, nil
}

// Task wraps the timeout sweep as a schedulable loop.
func (s *Service) Task(interval time.Duration) *scheduler.Task {
	if interval <= 0 {
		interval = time.Hour
	}
	return scheduler.NewTask("dispute_timeouts", interval, func(ctx context.Context) {
		if _, err := s.ExpireTimeouts(ctx); err != nil {
			s.logger.Error("dispute timeout sweep failed", "error", err)
		}
	}, s.logger)
}

// finalize executes the resolution's actions, releases the escrow, and
// only then marks the dispute resolved and notifies both parties. An
// execution failure leaves the dispute in its prior state.
func (s *Service) finalize(ctx context.Context, d *Dispute, actor, path string) error {
	if d.Resolution == nil {
		return ErrNoResolution
	}
	if !d.Resolution.Binding() {
		return fmt.Errorf("resolution is not binding yet")
	}
	if err := s.executeResolution(ctx, d); err != nil {
		return fmt.Errorf("execute resolution for %s: %w", d.ID, err)
	}

	now := s.now()
	d.Status = StatusResolved
	d.ResolvedAt = &now
	d.EscrowHeld = false
	d.PhaseDeadline = time.Time{}
	d.Timeline = append(d.Timeline, TimelineEvent{At: now, Actor: actor, Event: "dispute_resolved", Detail: d.Resolution.Summary})
	if err := s.persist(ctx, d); err != nil {
		return err
	}
	s.appendAudit(ctx, actor, "dispute_resolved", d, map[string]string{
		"decision": string(d.Resolution.Decision),
		"summary":  d.Resolution.Summary,
	})
	metrics.DisputesTotal.WithLabelValues(path).Inc()

	for _, party := range []string{d.ReporterID, d.RespondentID} {
		if err := s.notifier.Notify(ctx, notify.Notification{
			Recipient: party,
			Event:     "dispute_resolved",
			Fields: map[string]string{
				"dispute_id": d.ID,
				"summary":    d.Resolution.Summary,
			},
		}); err != nil {
			s.logger.Warn("dispute notification failed", "dispute_id", d.ID, "recipient", party, "error", err)
		}
	}
	return nil
}

// executeResolution applies the resolution's financial actions against
// the escrow account and records any suspension requests. Financial
// actions settle the whole account balance in one allocation.
func (s *Service) executeResolution(ctx context.Context, d *Dispute) error {
	var refundAct, penaltyAct *ResolutionAction
	for i := range d.Resolution.Actions {
		a := &d.Resolution.Actions[i]
		switch a.Type {
		case ActionRefund:
			refundAct = a
		case ActionPenalty:
			penaltyAct = a
		case ActionSuspend:
			s.appendAudit(ctx, "dispute", "user_suspension_requested", d, map[string]string{
				"user": a.TargetUserID, "reason": a.Reason,
			})
			if err := s.notifier.Notify(ctx, notify.Notification{
				Recipient: a.TargetUserID,
				Event:     "account_suspension_requested",
				Fields:    map[string]string{"dispute_id": d.ID, "reason": a.Reason},
			}); err != nil {
				s.logger.Warn("suspension notification failed", "dispute_id", d.ID, "error", err)
			}
		default:
			return fmt.Errorf("unknown resolution action %q", a.Type)
		}
	}

	if refundAct == nil && penaltyAct == nil {
		// No financial consequence; a frozen account just thaws.
		if d.EscrowHeld && d.EscrowAccountID != "" {
			if _, err := s.custody.Unfreeze(ctx, d.EscrowAccountID, "dispute"); err != nil {
				return err
			}
		}
		return nil
	}
	if d.EscrowAccountID == "" {
		return fmt.Errorf("financial resolution without an escrow account")
	}

	acct, err := s.custody.Get(ctx, d.EscrowAccountID)
	if err != nil {
		return err
	}
	if acct.IsFrozen() {
		if acct, err = s.custody.Unfreeze(ctx, acct.ID, "dispute"); err != nil {
			return err
		}
	}
	if acct.IsTerminal() {
		return fmt.Errorf("%w: account %s is %s", ErrEscrowSettled, acct.ID, acct.Status)
	}

	alloc, err := s.buildAllocation(acct, refundAct, penaltyAct)
	if err != nil {
		return err
	}
	if _, err := s.custody.Release(ctx, acct.ID, "dispute", alloc); err != nil {
		return fmt.Errorf("release escrow per resolution: %w", err)
	}
	return nil
}

// buildAllocation turns the resolution's refund and penalty actions
// into one exact allocation of the account's balance. The refund
// calculator decides the borrower's share; the penalty bucket takes its
// cut from what would return to the borrower; the lender receives the
// remainder.
func (s *Service) buildAllocation(acct *custody.Account, refundAct, penaltyAct *ResolutionAction) (custody.Allocation, error) {
	borrower := money.Cents(0)
	platform := acct.PlatformFee

	if refundAct != nil {
		rt := refund.Type(refundAct.RefundType)
		opts := refund.Options{}
		if rt == refund.TypeDamageDeduction {
			opts.DamageAmount = refundAct.Amount
		}
		rAlloc, err := refund.Calculate(rt, refund.Amounts{
			RentalFee:   acct.RentalFee,
			Deposit:     acct.SecurityDeposit,
			PlatformFee: acct.PlatformFee,
		}, opts)
		if err != nil {
			return custody.Allocation{}, err
		}
		borrower = rAlloc.RefundToBorrower
		platform = acct.PlatformFee - rAlloc.FromPlatformFee
	} else {
		// Penalty-only resolutions refund the untouched deposit.
		borrower = acct.SecurityDeposit
	}

	penalty := money.Cents(0)
	if penaltyAct != nil {
		penalty = money.Min(penaltyAct.Amount, borrower)
		borrower -= penalty
	}

	lender := acct.TotalAmount - borrower - platform - penalty
	if lender < 0 {
		return custody.Allocation{}, fmt.Errorf("resolution over-allocates account %s", acct.ID)
	}
	return custody.Allocation{
		Lender:   lender,
		Platform: platform,
		Refund:   borrower,
		Penalty:  penalty,
	}, nil
}

// withDispute serializes on the dispute id, loads it fresh, and runs fn.
func (s *Service) withDispute(ctx context.Context, id string, fn func(*Dispute) error) (*Dispute, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) persist(ctx context.Context, d *Dispute) error {
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return fmt.Errorf("persist dispute %s: %w", d.ID, err)
	}
	d.Version++
	return nil
}

func (s *Service) appendAudit(ctx context.Context, actor, action string, d *Dispute, extra map[string]string) {
	after := map[string]string{"status": string(d.Status)}
	for k, v := range extra {
		after[k] = v
	}
	if _, err := s.ledger.Append(ctx, audit.Record{
		Actor:      actor,
		Action:     action,
		EntityType: "dispute",
		EntityID:   d.ID,
		After:      after,
		Category:   categoryFor(action),
	}); err != nil {
		s.logger.Error("CRITICAL: dispute state changed but audit append failed",
			"dispute_id", d.ID, "action", action, "error", err)
	}
}

func categoryFor(action string) audit.Category {
	switch action {
	case "dispute_opened", "dispute_escalated", "user_suspension_requested":
		return audit.CategorySecurity
	case "dispute_resolved":
		return audit.CategoryFinancial
	default:
		return audit.CategorySystem
	}
}
