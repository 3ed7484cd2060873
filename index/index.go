// Package index maintains the secondary lookups payer→targets, asset→targets
// and payer→agreement ids. Entries are sets: no duplicates, and a set that
// becomes empty is deleted. The agreement records stay authoritative; Verify
// and Rebuild reconcile the index against them.
package index

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"ledgerflow/agreement"
	"ledgerflow/store"
)

// Tx is the subset of store.Tx the index needs.
type Tx interface {
	IndexMembers(ctx context.Context, set store.IndexSet, key string) ([]string, error)
	PutIndexMembers(ctx context.Context, set store.IndexSet, key string, members []string) error
	IndexKeys(ctx context.Context, set store.IndexSet) ([]string, error)
	Headers(ctx context.Context) ([]agreement.Header, error)
}

var allSets = []store.IndexSet{store.IndexPayerTargets, store.IndexAssetTargets, store.IndexPayerAgreements}

func add(ctx context.Context, tx Tx, set store.IndexSet, key, member string) error {
	members, err := tx.IndexMembers(ctx, set, key)
	if err != nil {
		return fmt.Errorf("index: read %s[%s]: %w", set, key, err)
	}
	if slices.Contains(members, member) {
		return nil
	}
	if err := tx.PutIndexMembers(ctx, set, key, append(members, member)); err != nil {
		return fmt.Errorf("index: write %s[%s]: %w", set, key, err)
	}
	return nil
}

func remove(ctx context.Context, tx Tx, set store.IndexSet, key, member string) error {
	members, err := tx.IndexMembers(ctx, set, key)
	if err != nil {
		return fmt.Errorf("index: read %s[%s]: %w", set, key, err)
	}
	i := slices.Index(members, member)
	if i < 0 {
		return nil
	}
	if err := tx.PutIndexMembers(ctx, set, key, slices.Delete(members, i, i+1)); err != nil {
		return fmt.Errorf("index: write %s[%s]: %w", set, key, err)
	}
	return nil
}

// Add records a newly created agreement of any kind: its target under the
// payer and under the asset, and, for milestone and time-based agreements,
// its id under the payer.
func Add(ctx context.Context, tx Tx, h agreement.Header) error {
	if err := add(ctx, tx, store.IndexPayerTargets, h.Payer, h.Target); err != nil {
		return err
	}
	if err := add(ctx, tx, store.IndexAssetTargets, h.Asset, h.Target); err != nil {
		return err
	}
	if h.Kind == agreement.KindRecurringPayroll {
		return nil
	}
	return add(ctx, tx, store.IndexPayerAgreements, h.Payer, h.ID)
}

// Remove drops the entries of agreement h. A target stays under its payer
// while another agreement of that payer still pays it, and under its asset
// while any agreement still pays it in that asset. Records with h.ID are
// ignored, so h may already be deleted or rewritten in tx.
func Remove(ctx context.Context, tx Tx, h agreement.Header) error {
	headers, err := tx.Headers(ctx)
	if err != nil {
		return fmt.Errorf("index: list agreements: %w", err)
	}
	keepPayer, keepAsset := false, false
	for _, other := range headers {
		if other.ID == h.ID || other.Target != h.Target {
			continue
		}
		keepPayer = keepPayer || other.Payer == h.Payer
		keepAsset = keepAsset || other.Asset == h.Asset
	}
	if !keepPayer {
		if err := remove(ctx, tx, store.IndexPayerTargets, h.Payer, h.Target); err != nil {
			return err
		}
	}
	if !keepAsset {
		if err := remove(ctx, tx, store.IndexAssetTargets, h.Asset, h.Target); err != nil {
			return err
		}
	}
	if h.Kind == agreement.KindRecurringPayroll {
		return nil
	}
	return remove(ctx, tx, store.IndexPayerAgreements, h.Payer, h.ID)
}

func members(ctx context.Context, tx Tx, set store.IndexSet, key string) ([]string, error) {
	m, err := tx.IndexMembers(ctx, set, key)
	if err != nil {
		return nil, fmt.Errorf("index: read %s[%s]: %w", set, key, err)
	}
	return m, nil
}

// TargetsByPayer lists the targets the payer has agreements with.
func TargetsByPayer(ctx context.Context, tx Tx, payer string) ([]string, error) {
	return members(ctx, tx, store.IndexPayerTargets, payer)
}

// TargetsByAsset lists the targets of agreements denominated in asset.
func TargetsByAsset(ctx context.Context, tx Tx, asset string) ([]string, error) {
	return members(ctx, tx, store.IndexAssetTargets, asset)
}

// AgreementsByPayer lists the milestone and time-based agreement ids of payer.
func AgreementsByPayer(ctx context.Context, tx Tx, payer string) ([]string, error) {
	return members(ctx, tx, store.IndexPayerAgreements, payer)
}

// Mismatch is one index entry that disagrees with the agreement records.
type Mismatch struct {
	Set      store.IndexSet
	Key      string
	Expected []string
	Actual   []string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s[%s]: expected %v, have %v", m.Set, m.Key, m.Expected, m.Actual)
}

func expected(headers []agreement.Header) map[store.IndexSet]map[string][]string {
	out := map[store.IndexSet]map[string][]string{}
	for _, set := range allSets {
		out[set] = map[string][]string{}
	}
	put := func(set store.IndexSet, key, member string) {
		if !slices.Contains(out[set][key], member) {
			out[set][key] = append(out[set][key], member)
		}
	}
	for _, h := range headers {
		put(store.IndexPayerTargets, h.Payer, h.Target)
		put(store.IndexAssetTargets, h.Asset, h.Target)
		if h.Kind != agreement.KindRecurringPayroll {
			put(store.IndexPayerAgreements, h.Payer, h.ID)
		}
	}
	return out
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// Verify compares every index entry with the set derived from the agreement
// records and reports the differences. Member order is not significant.
func Verify(ctx context.Context, tx Tx) ([]Mismatch, error) {
	headers, err := tx.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: list agreements: %w", err)
	}
	want := expected(headers)
	var out []Mismatch
	for _, set := range allSets {
		keys, err := tx.IndexKeys(ctx, set)
		if err != nil {
			return nil, fmt.Errorf("index: keys %s: %w", set, err)
		}
		for k := range want[set] {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			have, err := members(ctx, tx, set, key)
			if err != nil {
				return nil, err
			}
			exp, act := sorted(want[set][key]), sorted(have)
			if !slices.Equal(exp, act) {
				out = append(out, Mismatch{Set: set, Key: key, Expected: exp, Actual: act})
			}
		}
	}
	return out, nil
}

// Rebuild rewrites every mismatched entry from the agreement records and
// returns how many entries changed.
func Rebuild(ctx context.Context, tx Tx) (int, error) {
	mismatches, err := Verify(ctx, tx)
	if err != nil {
		return 0, err
	}
	for _, m := range mismatches {
		if err := tx.PutIndexMembers(ctx, m.Set, m.Key, m.Expected); err != nil {
			return 0, fmt.Errorf("index: rebuild %s[%s]: %w", m.Set, m.Key, err)
		}
	}
	return len(mismatches), nil
}
