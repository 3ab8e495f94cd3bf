package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
	"github.com/shopspring/decimal"
)

const (
	selectEqub = `SELECT id, name, contribution_amount, frequency, start_date, status,
		members, payout_order, current_round, total_rounds FROM equbs WHERE id = ?`

	upsertEqub = `INSERT INTO equbs (id, name, contribution_amount, frequency, start_date, status,
		members, payout_order, current_round, total_rounds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			contribution_amount = excluded.contribution_amount,
			frequency = excluded.frequency,
			start_date = excluded.start_date,
			status = excluded.status,
			members = excluded.members,
			payout_order = excluded.payout_order,
			current_round = excluded.current_round,
			total_rounds = excluded.total_rounds`

	selectContributions = `SELECT id, equb_id, member_id, period, round_number, status, set_by, set_at, reason
		FROM contributions`

	upsertContribution = `INSERT INTO contributions (id, equb_id, member_id, period, round_number, status, set_by, set_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			member_id = excluded.member_id,
			period = excluded.period,
			round_number = excluded.round_number,
			status = excluded.status,
			set_by = excluded.set_by,
			set_at = excluded.set_at,
			reason = excluded.reason`

	selectPayouts = `SELECT id, equb_id, member_id, round_number, status, blocked_reason,
		admin_confirmed_by, admin_confirmed_at, member_confirmed_at, reason FROM payouts`

	upsertPayout = `INSERT INTO payouts (id, equb_id, member_id, round_number, status, blocked_reason,
		admin_confirmed_by, admin_confirmed_at, member_confirmed_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			member_id = excluded.member_id,
			round_number = excluded.round_number,
			status = excluded.status,
			blocked_reason = excluded.blocked_reason,
			admin_confirmed_by = excluded.admin_confirmed_by,
			admin_confirmed_at = excluded.admin_confirmed_at,
			member_confirmed_at = excluded.member_confirmed_at,
			reason = excluded.reason`
)

// Get returns the equb with all of its contributions and payouts.
func (s *Store) Get(ctx context.Context, equbID string) (domain.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	equb, err := getEqub(ctx, s.db, equbID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	agg := domain.NewAggregate(equb)

	contributions, err := queryContributions(ctx, s.db, " WHERE equb_id = ?", equbID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	for _, c := range contributions {
		agg.Contributions[c.ID] = c
	}

	payouts, err := queryPayouts(ctx, s.db, " WHERE equb_id = ?", equbID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	for _, p := range payouts {
		agg.Payouts[p.ID] = p
	}
	return agg, nil
}

// Put creates or replaces the equb root.
func (s *Store) Put(ctx context.Context, equb domain.Equb) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putEqub(ctx, s.db, equb)
}

// GetContribution loads a single contribution.
func (s *Store) GetContribution(ctx context.Context, id string) (domain.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := queryContributions(ctx, s.db, " WHERE id = ?", id)
	if err != nil {
		return domain.Contribution{}, err
	}
	if len(rows) == 0 {
		return domain.Contribution{}, fmt.Errorf("contribution %s: %w", id, store.ErrNotFound)
	}
	return rows[0], nil
}

// PutContribution creates or replaces a contribution.
func (s *Store) PutContribution(ctx context.Context, c domain.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putContribution(ctx, s.db, c)
}

// GetPayout loads a single payout.
func (s *Store) GetPayout(ctx context.Context, id string) (domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := queryPayouts(ctx, s.db, " WHERE id = ?", id)
	if err != nil {
		return domain.Payout{}, err
	}
	if len(rows) == 0 {
		return domain.Payout{}, fmt.Errorf("payout %s: %w", id, store.ErrNotFound)
	}
	return rows[0], nil
}

// PutPayout creates or replaces a payout.
func (s *Store) PutPayout(ctx context.Context, p domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putPayout(ctx, s.db, p)
}

// List returns all equb ids, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM equbs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list equbs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan equb id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func getEqub(ctx context.Context, q DBTX, id string) (domain.Equb, error) {
	var (
		e                    domain.Equb
		amount, startDate    string
		members, payoutOrder string
	)
	err := q.QueryRowContext(ctx, selectEqub, id).Scan(
		&e.ID, &e.Name, &amount, &e.Frequency, &startDate, &e.Status,
		&members, &payoutOrder, &e.CurrentRoundNumber, &e.TotalRounds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Equb{}, fmt.Errorf("equb %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Equb{}, fmt.Errorf("failed to query equb: %w", err)
	}

	if e.ContributionAmount, err = decimal.NewFromString(amount); err != nil {
		return domain.Equb{}, fmt.Errorf("equb %s: bad contribution amount %q: %w", id, amount, err)
	}
	if startDate != "" {
		if e.StartDate, err = time.Parse(time.DateOnly, startDate); err != nil {
			return domain.Equb{}, fmt.Errorf("equb %s: bad start date %q: %w", id, startDate, err)
		}
	}
	if err := json.Unmarshal([]byte(members), &e.Members); err != nil {
		return domain.Equb{}, fmt.Errorf("equb %s: bad members: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payoutOrder), &e.PayoutOrder); err != nil {
		return domain.Equb{}, fmt.Errorf("equb %s: bad payout order: %w", id, err)
	}
	return e, nil
}

func putEqub(ctx context.Context, q DBTX, e domain.Equb) error {
	members, err := marshalIDs(e.Members)
	if err != nil {
		return err
	}
	order, err := marshalIDs(e.PayoutOrder)
	if err != nil {
		return err
	}
	var startDate string
	if !e.StartDate.IsZero() {
		startDate = e.StartDate.Format(time.DateOnly)
	}

	_, err = q.ExecContext(ctx, upsertEqub,
		e.ID, e.Name, e.ContributionAmount.String(), string(e.Frequency), startDate, string(e.Status),
		members, order, e.CurrentRoundNumber, e.TotalRounds,
	)
	if err != nil {
		return fmt.Errorf("failed to write equb %s: %w", e.ID, err)
	}
	return nil
}

func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode ids: %w", err)
	}
	return string(b), nil
}

func queryContributions(ctx context.Context, q DBTX, where string, args ...any) ([]domain.Contribution, error) {
	rows, err := q.QueryContext(ctx, selectContributions+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	var out []domain.Contribution
	for rows.Next() {
		var (
			c     domain.Contribution
			setAt int64
		)
		if err := rows.Scan(&c.ID, &c.EqubID, &c.MemberID, &c.Period, &c.RoundNumber,
			&c.Status, &c.SetBy, &setAt, &c.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		c.SetAt = fromNanos(setAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func putContribution(ctx context.Context, q DBTX, c domain.Contribution) error {
	if _, err := getEqub(ctx, q, c.EqubID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, upsertContribution,
		c.ID, c.EqubID, c.MemberID, c.Period, c.RoundNumber, string(c.Status), c.SetBy, nanos(c.SetAt), c.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to write contribution %s: %w", c.ID, err)
	}
	return nil
}

func queryPayouts(ctx context.Context, q DBTX, where string, args ...any) ([]domain.Payout, error) {
	rows, err := q.QueryContext(ctx, selectPayouts+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		var (
			p                 domain.Payout
			adminAt, memberAt int64
		)
		if err := rows.Scan(&p.ID, &p.EqubID, &p.MemberID, &p.RoundNumber, &p.Status, &p.BlockedReason,
			&p.AdminConfirmedBy, &adminAt, &memberAt, &p.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		p.AdminConfirmedAt = fromNanos(adminAt)
		p.MemberConfirmedAt = fromNanos(memberAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func putPayout(ctx context.Context, q DBTX, p domain.Payout) error {
	if _, err := getEqub(ctx, q, p.EqubID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, upsertPayout,
		p.ID, p.EqubID, p.MemberID, p.RoundNumber, string(p.Status), p.BlockedReason,
		p.AdminConfirmedBy, nanos(p.AdminConfirmedAt), nanos(p.MemberConfirmedAt), p.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to write payout %s: %w", p.ID, err)
	}
	return nil
}
