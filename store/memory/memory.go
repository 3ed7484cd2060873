// Package memory is an in-process implementation of store.Beginner. One
// transaction runs at a time; its writes are staged and only applied to the
// committed state on Commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ledgerflow/agreement"
	"ledgerflow/store"
)

var errTxDone = errors.New("memory: transaction already closed")

type balanceKey struct {
	owner string
	asset string
}

type indexKey struct {
	set store.IndexSet
	key string
}

type state struct {
	settings   agreement.Settings
	balances   map[balanceKey]int64
	escrows    map[string]int64
	payrolls   map[string]agreement.RecurringPayroll
	milestones map[string]agreement.MilestoneAgreement
	timeBased  map[string]agreement.TimeBasedAgreement
	indices    map[indexKey][]string
}

func newState() state {
	return state{
		balances:   map[balanceKey]int64{},
		escrows:    map[string]int64{},
		payrolls:   map[string]agreement.RecurringPayroll{},
		milestones: map[string]agreement.MilestoneAgreement{},
		timeBased:  map[string]agreement.TimeBasedAgreement{},
		indices:    map[indexKey][]string{},
	}
}

// Store holds the committed ledger state.
type Store struct {
	sem  chan struct{}
	data state
}

func New() *Store {
	return &Store{sem: make(chan struct{}, 1), data: newState()}
}

// Begin waits for the previous transaction to finish or ctx to be done.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("memory: begin: %w", ctx.Err())
	}
	return &tx{
		s:          s,
		settings:   s.data.settings,
		balances:   map[balanceKey]int64{},
		escrows:    map[string]int64{},
		payrolls:   map[string]*agreement.RecurringPayroll{},
		milestones: map[string]agreement.MilestoneAgreement{},
		timeBased:  map[string]agreement.TimeBasedAgreement{},
		indices:    map[indexKey][]string{},
	}, nil
}

// tx stages writes on top of the committed state. A nil payroll entry is a
// staged delete; an empty index entry is a staged prune.
type tx struct {
	s    *Store
	done bool

	settings   agreement.Settings
	balances   map[balanceKey]int64
	escrows    map[string]int64
	payrolls   map[string]*agreement.RecurringPayroll
	milestones map[string]agreement.MilestoneAgreement
	timeBased  map[string]agreement.TimeBasedAgreement
	indices    map[indexKey][]string
}

func (t *tx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *tx) Settings(context.Context) (agreement.Settings, error) {
	if err := t.check(); err != nil {
		return agreement.Settings{}, err
	}
	return t.settings, nil
}

func (t *tx) PutSettings(_ context.Context, s agreement.Settings) error {
	if err := t.check(); err != nil {
		return err
	}
	t.settings = s
	return nil
}

func (t *tx) Balance(_ context.Context, owner, asset string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	k := balanceKey{owner, asset}
	if v, ok := t.balances[k]; ok {
		return v, nil
	}
	return t.s.data.balances[k], nil
}

func (t *tx) PutBalance(_ context.Context, owner, asset string, amount int64) error {
	if err := t.check(); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("memory: negative balance for %s/%s: %w", owner, asset, agreement.ErrInsufficientBalance)
	}
	t.balances[balanceKey{owner, asset}] = amount
	return nil
}

func (t *tx) Escrow(_ context.Context, agreementID string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if v, ok := t.escrows[agreementID]; ok {
		return v, nil
	}
	return t.s.data.escrows[agreementID], nil
}

func (t *tx) PutEscrow(_ context.Context, agreementID string, amount int64) error {
	if err := t.check(); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("memory: negative escrow for %s: %w", agreementID, agreement.ErrInsufficientEscrowBalance)
	}
	t.escrows[agreementID] = amount
	return nil
}

func (t *tx) Payroll(_ context.Context, id string) (agreement.RecurringPayroll, error) {
	if err := t.check(); err != nil {
		return agreement.RecurringPayroll{}, err
	}
	if p, ok := t.payrolls[id]; ok {
		if p == nil {
			return agreement.RecurringPayroll{}, agreement.ErrAgreementNotFound
		}
		return *p, nil
	}
	p, ok := t.s.data.payrolls[id]
	if !ok {
		return agreement.RecurringPayroll{}, agreement.ErrAgreementNotFound
	}
	return p, nil
}

func (t *tx) PutPayroll(_ context.Context, p agreement.RecurringPayroll) error {
	if err := t.check(); err != nil {
		return err
	}
	t.payrolls[p.ID] = &p
	return nil
}

func (t *tx) DeletePayroll(ctx context.Context, id string) error {
	if _, err := t.Payroll(ctx, id); err != nil {
		return err
	}
	t.payrolls[id] = nil
	return nil
}

func (t *tx) MilestoneAgreement(_ context.Context, id string) (agreement.MilestoneAgreement, error) {
	if err := t.check(); err != nil {
		return agreement.MilestoneAgreement{}, err
	}
	a, ok := t.milestones[id]
	if !ok {
		a, ok = t.s.data.milestones[id]
	}
	if !ok {
		return agreement.MilestoneAgreement{}, agreement.ErrAgreementNotFound
	}
	return cloneMilestones(a), nil
}

func (t *tx) PutMilestoneAgreement(_ context.Context, a agreement.MilestoneAgreement) error {
	if err := t.check(); err != nil {
		return err
	}
	t.milestones[a.ID] = cloneMilestones(a)
	return nil
}

func (t *tx) TimeBased(_ context.Context, id string) (agreement.TimeBasedAgreement, error) {
	if err := t.check(); err != nil {
		return agreement.TimeBasedAgreement{}, err
	}
	a, ok := t.timeBased[id]
	if !ok {
		a, ok = t.s.data.timeBased[id]
	}
	if !ok {
		return agreement.TimeBasedAgreement{}, agreement.ErrAgreementNotFound
	}
	return a, nil
}

func (t *tx) PutTimeBased(_ context.Context, a agreement.TimeBasedAgreement) error {
	if err := t.check(); err != nil {
		return err
	}
	t.timeBased[a.ID] = a
	return nil
}

func (t *tx) Headers(ctx context.Context) ([]agreement.Header, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []agreement.Header
	seen := map[string]bool{}
	for id, p := range t.payrolls {
		seen[id] = true
		if p != nil {
			out = append(out, p.Header())
		}
	}
	for id, p := range t.s.data.payrolls {
		if !seen[id] {
			out = append(out, p.Header())
		}
	}
	for id := range mergedKeys(t.milestones, t.s.data.milestones) {
		a, err := t.MilestoneAgreement(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a.Header())
	}
	for id := range mergedKeys(t.timeBased, t.s.data.timeBased) {
		a, err := t.TimeBased(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a.Header())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) IndexMembers(_ context.Context, set store.IndexSet, key string) ([]string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	k := indexKey{set, key}
	members, ok := t.indices[k]
	if !ok {
		members = t.s.data.indices[k]
	}
	return append([]string(nil), members...), nil
}

func (t *tx) PutIndexMembers(_ context.Context, set store.IndexSet, key string, members []string) error {
	if err := t.check(); err != nil {
		return err
	}
	t.indices[indexKey{set, key}] = append([]string{}, members...)
	return nil
}

func (t *tx) IndexKeys(_ context.Context, set store.IndexSet) ([]string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	keys := map[string]bool{}
	for k, members := range t.s.data.indices {
		if k.set == set && len(members) > 0 {
			keys[k.key] = true
		}
	}
	for k, members := range t.indices {
		if k.set == set {
			keys[k.key] = len(members) > 0
		}
	}
	var out []string
	for k, present := range keys {
		if present {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) Commit(context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	d := &t.s.data
	d.settings = t.settings
	for k, v := range t.balances {
		d.balances[k] = v
	}
	for k, v := range t.escrows {
		d.escrows[k] = v
	}
	for k, v := range t.payrolls {
		if v == nil {
			delete(d.payrolls, k)
			continue
		}
		d.payrolls[k] = *v
	}
	for k, v := range t.milestones {
		d.milestones[k] = v
	}
	for k, v := range t.timeBased {
		d.timeBased[k] = v
	}
	for k, v := range t.indices {
		if len(v) == 0 {
			delete(d.indices, k)
			continue
		}
		d.indices[k] = v
	}
	t.release()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *tx) release() {
	t.done = true
	<-t.s.sem
}

func cloneMilestones(a agreement.MilestoneAgreement) agreement.MilestoneAgreement {
	a.Milestones = append([]agreement.Milestone(nil), a.Milestones...)
	return a
}

func mergedKeys[V any](staged, committed map[string]V) map[string]struct{} {
	out := make(map[string]struct{}, len(staged)+len(committed))
	for k := range staged {
		out[k] = struct{}{}
	}
	for k := range committed {
		out[k] = struct{}{}
	}
	return out
}
