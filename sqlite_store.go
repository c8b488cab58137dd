package registrar

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database, giving registry
// and governance state durability across restarts without an external
// database server.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS components (
	position           INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL UNIQUE,
	instance_handle    TEXT NOT NULL,
	implementation_ref TEXT NOT NULL,
	version            TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	last_upgraded_at   TEXT NOT NULL,
	active             INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS proposals (
	id                     INTEGER PRIMARY KEY,
	target_component       TEXT NOT NULL,
	new_implementation_ref TEXT NOT NULL,
	new_version            TEXT NOT NULL,
	description            TEXT NOT NULL,
	proposer               TEXT NOT NULL,
	proposed_at            TEXT NOT NULL,
	earliest_execution     TEXT NOT NULL,
	approved               INTEGER NOT NULL,
	executed               INTEGER NOT NULL,
	executed_at            TEXT
);
CREATE TABLE IF NOT EXISTS proposal_approvals (
	proposal_id INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	approver    TEXT NOT NULL,
	PRIMARY KEY (proposal_id, position)
);
CREATE TABLE IF NOT EXISTS roles (
	kind     TEXT NOT NULL,
	identity TEXT NOT NULL,
	PRIMARY KEY (kind, identity)
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// the given DSN. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// modernc sqlite serializes access per connection; a single
	// connection avoids table-lock contention between writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveComponent inserts or updates one component record, keeping the
// position of its first insert.
func (s *SQLiteStore) SaveComponent(ctx context.Context, record ComponentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO components (name, instance_handle, implementation_ref, version, created_at, last_upgraded_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			implementation_ref = excluded.implementation_ref,
			version            = excluded.version,
			last_upgraded_at   = excluded.last_upgraded_at,
			active             = excluded.active`,
		record.Name, record.InstanceHandle, record.ImplementationRef, record.Version,
		record.CreatedAt.Format(time.RFC3339Nano), record.LastUpgradedAt.Format(time.RFC3339Nano),
		boolToInt(record.Active))
	if err != nil {
		return fmt.Errorf("saving component %q: %w", record.Name, err)
	}
	return nil
}

// SaveRoles replaces the membership of one role set.
func (s *SQLiteStore) SaveRoles(ctx context.Context, kind string, members []string) error {
	switch kind {
	case RoleUpgrader, RoleProposer, RoleApprover:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRoleKind, kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving roles %q: %w", kind, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("saving roles %q: %w", kind, err)
	}
	for _, identity := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO roles (kind, identity) VALUES (?, ?)`, kind, identity); err != nil {
			return fmt.Errorf("saving roles %q: %w", kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving roles %q: %w", kind, err)
	}
	return nil
}

// SaveProposal inserts or updates one proposal and its approval list.
func (s *SQLiteStore) SaveProposal(ctx context.Context, proposal UpgradeProposal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving proposal %d: %w", proposal.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	executedAt := ""
	if !proposal.ExecutedAt.IsZero() {
		executedAt = proposal.ExecutedAt.Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO proposals (id, target_component, new_implementation_ref, new_version, description, proposer, proposed_at, earliest_execution, approved, executed, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			approved    = excluded.approved,
			executed    = excluded.executed,
			executed_at = excluded.executed_at`,
		proposal.ID, proposal.TargetComponent, proposal.NewImplementationRef, proposal.NewVersion,
		proposal.Description, proposal.Proposer,
		proposal.ProposedAt.Format(time.RFC3339Nano), proposal.EarliestExecution.Format(time.RFC3339Nano),
		boolToInt(proposal.Approved), boolToInt(proposal.Executed), executedAt)
	if err != nil {
		return fmt.Errorf("saving proposal %d: %w", proposal.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM proposal_approvals WHERE proposal_id = ?`, proposal.ID); err != nil {
		return fmt.Errorf("saving proposal %d: %w", proposal.ID, err)
	}
	for i, approver := range proposal.Approvals {
		if _, err := tx.ExecContext(ctx, `INSERT INTO proposal_approvals (proposal_id, position, approver) VALUES (?, ?, ?)`,
			proposal.ID, i, approver); err != nil {
			return fmt.Errorf("saving proposal %d: %w", proposal.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving proposal %d: %w", proposal.ID, err)
	}
	return nil
}

// SaveTimelock persists the governance timelock duration.
func (s *SQLiteStore) SaveTimelock(ctx context.Context, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('timelock', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		d.String())
	if err != nil {
		return fmt.Errorf("saving timelock: %w", err)
	}
	return nil
}

// Load returns the full persisted state in installation/creation order.
func (s *SQLiteStore) Load(ctx context.Context) (*State, error) {
	state := &State{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, instance_handle, implementation_ref, version, created_at, last_upgraded_at, active
		FROM components ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("loading components: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec ComponentRecord
		var createdAt, upgradedAt string
		var active int
		if err := rows.Scan(&rec.Name, &rec.InstanceHandle, &rec.ImplementationRef, &rec.Version, &createdAt, &upgradedAt, &active); err != nil {
			return nil, fmt.Errorf("loading components: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("loading components: %w", err)
		}
		if rec.LastUpgradedAt, err = time.Parse(time.RFC3339Nano, upgradedAt); err != nil {
			return nil, fmt.Errorf("loading components: %w", err)
		}
		rec.Active = active != 0
		state.Components = append(state.Components, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading components: %w", err)
	}

	if state.Proposals, err = s.loadProposals(ctx); err != nil {
		return nil, err
	}

	for kind, dst := range map[string]*[]string{
		RoleUpgrader: &state.Upgraders,
		RoleProposer: &state.Proposers,
		RoleApprover: &state.Approvers,
	} {
		if *dst, err = s.loadRoles(ctx, kind); err != nil {
			return nil, err
		}
	}

	var timelock string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'timelock'`).Scan(&timelock)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("loading timelock: %w", err)
	default:
		if state.TimelockDuration, err = time.ParseDuration(timelock); err != nil {
			return nil, fmt.Errorf("loading timelock: %w", err)
		}
	}

	return state, nil
}

func (s *SQLiteStore) loadProposals(ctx context.Context) ([]UpgradeProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_component, new_implementation_ref, new_version, description, proposer, proposed_at, earliest_execution, approved, executed, executed_at
		FROM proposals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("loading proposals: %w", err)
	}
	defer rows.Close()

	var proposals []UpgradeProposal
	for rows.Next() {
		var p UpgradeProposal
		var proposedAt, earliest, executedAt string
		var approved, executed int
		if err := rows.Scan(&p.ID, &p.TargetComponent, &p.NewImplementationRef, &p.NewVersion, &p.Description,
			&p.Proposer, &proposedAt, &earliest, &approved, &executed, &executedAt); err != nil {
			return nil, fmt.Errorf("loading proposals: %w", err)
		}
		if p.ProposedAt, err = time.Parse(time.RFC3339Nano, proposedAt); err != nil {
			return nil, fmt.Errorf("loading proposals: %w", err)
		}
		if p.EarliestExecution, err = time.Parse(time.RFC3339Nano, earliest); err != nil {
			return nil, fmt.Errorf("loading proposals: %w", err)
		}
		if executedAt != "" {
			if p.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
				return nil, fmt.Errorf("loading proposals: %w", err)
			}
		}
		p.Approved = approved != 0
		p.Executed = executed != 0
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading proposals: %w", err)
	}

	for i := range proposals {
		approvals, err := s.loadApprovals(ctx, proposals[i].ID)
		if err != nil {
			return nil, err
		}
		proposals[i].Approvals = approvals
	}
	return proposals, nil
}

func (s *SQLiteStore) loadApprovals(ctx context.Context, proposalID uint64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approver FROM proposal_approvals WHERE proposal_id = ? ORDER BY position`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("loading approvals for proposal %d: %w", proposalID, err)
	}
	defer rows.Close()

	var approvals []string
	for rows.Next() {
		var approver string
		if err := rows.Scan(&approver); err != nil {
			return nil, fmt.Errorf("loading approvals for proposal %d: %w", proposalID, err)
		}
		approvals = append(approvals, approver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading approvals for proposal %d: %w", proposalID, err)
	}
	return approvals, nil
}

func (s *SQLiteStore) loadRoles(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM roles WHERE kind = ? ORDER BY identity`, kind)
	if err != nil {
		return nil, fmt.Errorf("loading roles %q: %w", kind, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("loading roles %q: %w", kind, err)
		}
		members = append(members, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading roles %q: %w", kind, err)
	}
	return members, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite store: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
