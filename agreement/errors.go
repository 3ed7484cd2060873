package agreement

import "errors"

var (
	ErrUnauthorized              = errors.New("agreement: unauthorized")
	ErrInvalidData               = errors.New("agreement: invalid data")
	ErrAgreementNotFound         = errors.New("agreement: not found")
	ErrAgreementExists           = errors.New("agreement: already exists")
	ErrAgreementPaused           = errors.New("agreement: paused")
	ErrAgreementNotActivated     = errors.New("agreement: not activated")
	ErrNoPeriodsToClaim          = errors.New("agreement: no periods to claim")
	ErrAllPeriodsClaimed         = errors.New("agreement: all periods claimed")
	ErrNotInGracePeriod          = errors.New("agreement: not in grace period")
	ErrGracePeriodActive         = errors.New("agreement: grace period still active")
	ErrIntervalNotReached        = errors.New("agreement: payout interval not reached")
	ErrInsufficientBalance       = errors.New("agreement: insufficient balance")
	ErrInsufficientEscrowBalance = errors.New("agreement: insufficient escrow balance")
	ErrTransferFailed            = errors.New("agreement: transfer failed")
	ErrDuplicateID               = errors.New("agreement: duplicate id in batch")
	ErrIDOutOfBounds             = errors.New("agreement: id out of bounds")
	ErrAlreadyClaimed            = errors.New("agreement: already claimed")
	ErrAlreadyApproved           = errors.New("agreement: already approved")
	ErrNotApproved               = errors.New("agreement: not approved")
	ErrInvalidStatus             = errors.New("agreement: invalid status transition")
	ErrContractPaused            = errors.New("agreement: ledger paused")
	ErrNotInitialized            = errors.New("agreement: ledger not initialized")
	ErrEmptyBatch                = errors.New("agreement: empty batch")
	// ErrLedgerDivergence means a compensating write after a failed transfer
	// could not be applied. It must never happen; operators have to reconcile.
	ErrLedgerDivergence = errors.New("agreement: ledger divergence")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidData, "InvalidData"},
	{ErrAgreementNotFound, "AgreementNotFound"},
	{ErrAgreementExists, "AgreementExists"},
	{ErrAgreementPaused, "AgreementPaused"},
	{ErrAgreementNotActivated, "AgreementNotActivated"},
	{ErrNoPeriodsToClaim, "NoPeriodsToClaim"},
	{ErrAllPeriodsClaimed, "AllPeriodsClaimed"},
	{ErrNotInGracePeriod, "NotInGracePeriod"},
	{ErrGracePeriodActive, "GracePeriodActive"},
	{ErrIntervalNotReached, "IntervalNotReached"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrInsufficientEscrowBalance, "InsufficientEscrowBalance"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrDuplicateID, "DuplicateId"},
	{ErrIDOutOfBounds, "IdOutOfBounds"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrAlreadyApproved, "AlreadyApproved"},
	{ErrNotApproved, "NotApproved"},
	{ErrInvalidStatus, "InvalidStatus"},
	{ErrContractPaused, "ContractPaused"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrEmptyBatch, "EmptyBatch"},
	{ErrLedgerDivergence, "LedgerDivergence"},
}

// KindOf returns the taxonomy name of err, or "Internal" when err does not
// wrap one of the sentinel errors above.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
