package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/postgres"
)

const (
	upsertRuleQuery = `INSERT INTO trigger_rules (name, schedule, enabled, updated_at)
	 VALUES ($1, $2, false, now())
	 ON CONFLICT (name) DO UPDATE SET schedule = EXCLUDED.schedule, updated_at = now()
	 RETURNING enabled`

	setRuleEnabledQuery = `UPDATE trigger_rules SET enabled = $2, updated_at = now() WHERE name = $1`

	listRulesQuery = `SELECT name, schedule, enabled, updated_at FROM trigger_rules ORDER BY name ASC`
)

type PostgresStore struct {
	db postgres.DB
}

func NewPostgresStore(db postgres.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, name, schedule string) (bool, error) {
	var enabled bool
	if err := s.db.QueryRowContext(ctx, upsertRuleQuery, name, schedule).Scan(&enabled); err != nil {
		return false, fmt.Errorf("upsert trigger rule: %w", err)
	}
	return enabled, nil
}

func (s *PostgresStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, setRuleEnabledQuery, name, enabled)
	if err != nil {
		return fmt.Errorf("update trigger rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trigger rule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("trigger rule %s: %w", name, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, listRulesQuery)
	if err != nil {
		return nil, fmt.Errorf("list trigger rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.Name, &r.Schedule, &r.Enabled, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trigger rules: %w", err)
	}
	return out, nil
}

// MemoryStore keeps rule state in process.
type MemoryStore struct {
	mu    sync.Mutex
	rules map[string]Rule
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: map[string]Rule{}, now: time.Now}
}

func (m *MemoryStore) Upsert(ctx context.Context, name, schedule string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rules[name]
	r.Name = name
	r.Schedule = schedule
	r.UpdatedAt = m.now().UTC()
	m.rules[name] = r
	return r.Enabled, nil
}

func (m *MemoryStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[name]
	if !ok {
		return fmt.Errorf("trigger rule %s: %w", name, domain.ErrNotFound)
	}
	r.Enabled = enabled
	r.UpdatedAt = m.now().UTC()
	m.rules[name] = r
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}
