package disbursement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgerflow/agreement"
	"ledgerflow/audit"
	"ledgerflow/balance"
	"ledgerflow/eligibility"
	"ledgerflow/index"
	"ledgerflow/store"
)

// CreateMilestoneAgreement opens the milestone agreement for the
// (payer, target, asset) tuple. There is at most one per tuple.
func (e *Engine) CreateMilestoneAgreement(ctx context.Context, caller, payer, target, asset string) (agreement.MilestoneAgreement, error) {
	now := e.now()
	fields := []zap.Field{zap.String("payer", payer), zap.String("target", target), zap.String("asset", asset)}
	if payer == "" || target == "" || asset == "" || payer == target {
		return agreement.MilestoneAgreement{}, e.finish("create milestone agreement",
			fmt.Errorf("disbursement: create milestone agreement: %w", agreement.ErrInvalidData), fields...)
	}

	a := agreement.MilestoneAgreement{
		ID:        agreement.MilestoneAgreementID(payer, target, asset),
		Payer:     payer,
		Target:    target,
		Asset:     asset,
		Status:    agreement.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		if err := e.authorize(ctx, caller, asPayer(payer)); err != nil {
			return err
		}
		if _, err := tx.MilestoneAgreement(ctx, a.ID); err == nil {
			return fmt.Errorf("disbursement: milestone agreement %s: %w", a.ID, agreement.ErrAgreementExists)
		}
		if err := tx.PutMilestoneAgreement(ctx, a); err != nil {
			return err
		}
		return index.Add(ctx, tx, a.Header())
	})
	if err != nil {
		return agreement.MilestoneAgreement{}, e.finish("create milestone agreement", err, fields...)
	}
	e.emit(ctx, audit.Fact{Type: audit.FactAgreementCreated, AgreementID: a.ID, Kind: agreement.KindMilestone, Actor: caller, Payer: payer, Target: target, Asset: asset, At: now})
	return a, e.finish("create milestone agreement", nil, append(fields, zap.String("agreement_id", a.ID))...)
}

// AddMilestone appends a milestone while the agreement is still Created.
func (e *Engine) AddMilestone(ctx context.Context, caller, id string, amount int64) (agreement.Milestone, error) {
	now := e.now()
	fields := []zap.Field{zap.String("agreement_id", id), zap.Int64("amount", amount)}

	var (
		a agreement.MilestoneAgreement
		m agreement.Milestone
	)
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var err error
		a, err = tx.MilestoneAgreement(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: milestone agreement %s: %w", id, err)
		}
		if err := e.authorize(ctx, caller, asPayer(a.Payer)); err != nil {
			return err
		}
		if a.Status != agreement.StatusCreated {
			return fmt.Errorf("disbursement: add milestone to %s agreement %s: %w", a.Status, id, agreement.ErrInvalidStatus)
		}
		if amount <= 0 {
			return fmt.Errorf("disbursement: milestone amount %d: %w", amount, agreement.ErrInvalidData)
		}
		if _, err := agreement.AddAmount(a.TotalAmount(), amount); err != nil {
			return err
		}
		m = agreement.Milestone{ID: uint32(len(a.Milestones) + 1), Amount: amount}
		a.Milestones = append(a.Milestones, m)
		a.UpdatedAt = now
		return tx.PutMilestoneAgreement(ctx, a)
	})
	if err != nil {
		return agreement.Milestone{}, e.finish("add milestone", err, fields...)
	}
	e.emit(ctx, audit.Fact{Type: audit.FactMilestoneAdded, AgreementID: id, Kind: agreement.KindMilestone, Actor: caller, Payer: a.Payer, Target: a.Target, Asset: a.Asset, Amount: amount, Details: map[string]any{"milestone_id": m.ID}, At: now})
	return m, e.finish("add milestone", nil, append(fields, zap.Uint32("milestone_id", m.ID))...)
}

// ApproveMilestone marks a milestone payable. The first approval moves the
// agreement from Created to Active, which closes it to new milestones.
func (e *Engine) ApproveMilestone(ctx context.Context, caller, id string, milestoneID uint32) error {
	now := e.now()
	fields := []zap.Field{zap.String("agreement_id", id), zap.Uint32("milestone_id", milestoneID)}

	var (
		a         agreement.MilestoneAgreement
		activated bool
		amount    int64
	)
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var err error
		a, err = tx.MilestoneAgreement(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: milestone agreement %s: %w", id, err)
		}
		if err := e.authorize(ctx, caller, asPayer(a.Payer)); err != nil {
			return err
		}
		m, err := a.Milestone(milestoneID)
		if err != nil {
			return err
		}
		if m.Approved {
			return fmt.Errorf("disbursement: milestone %d of %s: %w", milestoneID, id, agreement.ErrAlreadyApproved)
		}
		if a.Status.Terminal() {
			return fmt.Errorf("disbursement: approve in %s agreement %s: %w", a.Status, id, agreement.ErrInvalidStatus)
		}
		m.Approved = true
		m.ApprovedAt = &now
		amount = m.Amount
		if a.Status == agreement.StatusCreated {
			a.Status = agreement.StatusActive
			activated = true
		}
		a.UpdatedAt = now
		return tx.PutMilestoneAgreement(ctx, a)
	})
	if err != nil {
		return e.finish("approve milestone", err, fields...)
	}
	if activated {
		e.emit(ctx, audit.Fact{Type: audit.FactAgreementActivated, AgreementID: id, Kind: agreement.KindMilestone, Actor: caller, Payer: a.Payer, Target: a.Target, Asset: a.Asset, At: now})
	}
	e.emit(ctx, audit.Fact{Type: audit.FactMilestoneApproved, AgreementID: id, Kind: agreement.KindMilestone, Actor: caller, Payer: a.Payer, Target: a.Target, Asset: a.Asset, Amount: amount, Details: map[string]any{"milestone_id": milestoneID}, At: now})
	return e.finish("approve milestone", nil, fields...)
}

// ClaimMilestone pays an approved, unclaimed milestone from the agreement
// escrow. Claiming the last one completes the agreement.
func (e *Engine) ClaimMilestone(ctx context.Context, caller, id string, milestoneID uint32) (Payout, error) {
	now := e.now()
	fields := []zap.Field{zap.String("agreement_id", id), zap.Uint32("milestone_id", milestoneID)}

	var (
		payout       Payout
		prevStatus   agreement.Status
		completedNow bool
	)
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		a, err := tx.MilestoneAgreement(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: milestone agreement %s: %w", id, err)
		}
		if err := e.authorize(ctx, caller, asTarget(a.Target)); err != nil {
			return err
		}
		m, err := a.Milestone(milestoneID)
		if err != nil {
			return err
		}
		if m.Claimed {
			return fmt.Errorf("disbursement: milestone %d of %s: %w", milestoneID, id, agreement.ErrAlreadyClaimed)
		}
		if !eligibility.MilestoneClaimable(*m) {
			return fmt.Errorf("disbursement: milestone %d of %s: %w", milestoneID, id, agreement.ErrNotApproved)
		}
		if _, err := balance.DebitEscrow(ctx, tx, id, m.Amount); err != nil {
			return err
		}
		paid, err := agreement.AddAmount(a.PaidAmount, m.Amount)
		if err != nil {
			return err
		}
		m.Claimed = true
		m.ClaimedAt = &now
		a.PaidAmount = paid
		prevStatus = a.Status
		if a.AllClaimed() {
			a.Status = agreement.StatusCompleted
			completedNow = true
		}
		a.UpdatedAt = now
		payout = Payout{
			AgreementID: id,
			Kind:        agreement.KindMilestone,
			Payer:       a.Payer,
			Target:      a.Target,
			Asset:       a.Asset,
			Amount:      m.Amount,
			MilestoneID: milestoneID,
			Completed:   completedNow,
		}
		return tx.PutMilestoneAgreement(ctx, a)
	})
	if err != nil {
		return Payout{}, e.finish("claim milestone", err, fields...)
	}

	err = e.settle(ctx, "claim milestone", payout, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		if _, err := balance.CreditEscrow(ctx, tx, id, payout.Amount); err != nil {
			return err
		}
		cur, err := tx.MilestoneAgreement(ctx, id)
		if err != nil {
			return err
		}
		m, err := cur.Milestone(milestoneID)
		if err != nil {
			return err
		}
		if !m.Claimed || cur.PaidAmount < payout.Amount {
			return fmt.Errorf("disbursement: milestone %d of %s is not claimed, cannot reverse", milestoneID, id)
		}
		m.Claimed = false
		m.ClaimedAt = nil
		cur.PaidAmount -= payout.Amount
		if completedNow && cur.Status == agreement.StatusCompleted {
			cur.Status = prevStatus
		}
		return tx.PutMilestoneAgreement(ctx, cur)
	})
	if err != nil {
		return Payout{}, e.finish("claim milestone", err, fields...)
	}

	e.emit(ctx, audit.Fact{Type: audit.FactMilestoneClaimed, AgreementID: id, Kind: agreement.KindMilestone, Actor: caller, Payer: payout.Payer, Target: payout.Target, Asset: payout.Asset, Amount: payout.Amount, Details: map[string]any{"milestone_id": milestoneID}, At: now})
	if completedNow {
		e.emit(ctx, audit.Fact{Type: audit.FactAgreementCompleted, AgreementID: id, Kind: agreement.KindMilestone, Payer: payout.Payer, Target: payout.Target, Asset: payout.Asset, At: now})
	}
	return payout, e.finish("claim milestone", nil, append(fields, zap.Int64("amount", payout.Amount))...)
}

// FundAgreement moves amount from the payer's balance pool into the escrow
// of a milestone or time-based agreement that is not yet closed.
func (e *Engine) FundAgreement(ctx context.Context, caller, id string, amount int64) (int64, error) {
	now := e.now()
	fields := []zap.Field{zap.String("agreement_id", id), zap.Int64("amount", amount)}

	var (
		h    agreement.Header
		held int64
	)
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var (
			status agreement.Status
			err    error
		)
		h, status, err = escrowHolder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.authorize(ctx, caller, asPayer(h.Payer)); err != nil {
			return err
		}
		if status.Terminal() {
			return fmt.Errorf("disbursement: fund %s agreement %s: %w", status, id, agreement.ErrInvalidStatus)
		}
		held, err = balance.FundEscrow(ctx, tx, h.Payer, h.Asset, id, amount)
		return err
	})
	if err != nil {
		return 0, e.finish("fund agreement", err, fields...)
	}
	e.emit(ctx, audit.Fact{Type: audit.FactAgreementFunded, AgreementID: id, Kind: h.Kind, Actor: caller, Payer: h.Payer, Target: h.Target, Asset: h.Asset, Amount: amount, Details: map[string]any{"escrow": held}, At: now})
	return held, e.finish("fund agreement", nil, append(fields, zap.Int64("escrow", held))...)
}

// escrowHolder finds the milestone or time-based agreement owning id.
func escrowHolder(ctx context.Context, tx store.Tx, id string) (agreement.Header, agreement.Status, error) {
	if a, err := tx.TimeBased(ctx, id); err == nil {
		return a.Header(), a.Status, nil
	} else if !isNotFound(err) {
		return agreement.Header{}, "", err
	}
	a, err := tx.MilestoneAgreement(ctx, id)
	if err != nil {
		return agreement.Header{}, "", fmt.Errorf("disbursement: agreement %s: %w", id, err)
	}
	return a.Header(), a.Status, nil
}
