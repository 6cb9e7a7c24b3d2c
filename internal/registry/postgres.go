package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/postgres"
	"github.com/lib/pq"
)

// Registry resolves and promotes model versions.
type Registry interface {
	ActiveVersion(ctx context.Context, groups []string) (*Artifact, error)
	Promote(ctx context.Context, versionID string) error
}

// Schema creates the model_versions table. At most one row is active.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS model_versions (
    version_id     TEXT PRIMARY KEY,
    trained_at     TIMESTAMPTZ NOT NULL,
    feature_groups TEXT[] NOT NULL,
    artifact       JSONB NOT NULL,
    registered_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    active         BOOLEAN NOT NULL DEFAULT FALSE,
    promoted_at    TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS model_versions_one_active ON model_versions (active) WHERE active`,
}

// Version is one registry row without its artifact body.
type Version struct {
	VersionID     string     `json:"version_id"`
	TrainedAt     time.Time  `json:"trained_at"`
	FeatureGroups []string   `json:"feature_groups"`
	RegisteredAt  time.Time  `json:"registered_at"`
	Active        bool       `json:"active"`
	PromotedAt    *time.Time `json:"promoted_at,omitempty"`
}

type PostgresRegistry struct {
	db     *postgres.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewPostgresRegistry(db *postgres.Client) *PostgresRegistry {
	return &PostgresRegistry{
		db:     db,
		logger: slog.Default().With("component", "model-registry"),
		now:    time.Now,
	}
}

// Register stores a new artifact. Registering an existing version id is an
// error; artifacts are immutable.
func (r *PostgresRegistry) Register(ctx context.Context, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding artifact %s: %w", a.VersionID, err)
	}
	res, err := r.db.DB.ExecContext(ctx,
		`INSERT INTO model_versions (version_id, trained_at, feature_groups, artifact)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (version_id) DO NOTHING`,
		a.VersionID, a.TrainedAt.UTC(), pq.Array(a.FeatureGroups), body,
	)
	if err != nil {
		return fmt.Errorf("registering model %s: %w", a.VersionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusConflict, "model version %s already registered", a.VersionID)
	}
	r.logger.Info("model registered", "version", a.VersionID, "trained_at", a.TrainedAt, "feature_groups", a.FeatureGroups)
	return nil
}

// ActiveVersion returns the active artifact. When groups is non-empty the
// active version must depend only on those groups; otherwise it is treated
// as unavailable.
func (r *PostgresRegistry) ActiveVersion(ctx context.Context, groups []string) (*Artifact, error) {
	query := `SELECT artifact FROM model_versions WHERE active`
	args := []any{}
	if len(groups) > 0 {
		query += ` AND feature_groups <@ $1`
		args = append(args, pq.Array(groups))
	}
	var body []byte
	err := r.db.DB.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active version for feature groups %v", apperrors.ErrModelUnavailable, groups)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading active version: %v", apperrors.ErrModelUnavailable, err)
	}
	var a Artifact
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decoding active artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: active artifact is invalid: %v", apperrors.ErrModelUnavailable, err)
	}
	return &a, nil
}

// Promote makes versionID the only active version.
func (r *PostgresRegistry) Promote(ctx context.Context, versionID string) error {
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_versions SET active = FALSE WHERE active AND version_id <> $1`, versionID); err != nil {
			return fmt.Errorf("deactivating previous version: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE model_versions SET active = TRUE, promoted_at = $2 WHERE version_id = $1`,
			versionID, r.now().UTC())
		if err != nil {
			return fmt.Errorf("activating version %s: %w", versionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("activating version %s: %w", versionID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", apperrors.ErrModelNotFound, versionID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("model promoted", "version", versionID)
	return nil
}

// List returns every version, newest registration first.
func (r *PostgresRegistry) List(ctx context.Context) ([]Version, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT version_id, trained_at, feature_groups, registered_at, active, promoted_at
		 FROM model_versions ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing model versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var (
			v        Version
			promoted sql.NullTime
		)
		if err := rows.Scan(&v.VersionID, &v.TrainedAt, pq.Array(&v.FeatureGroups), &v.RegisteredAt, &v.Active, &promoted); err != nil {
			return nil, fmt.Errorf("scanning model version: %w", err)
		}
		if promoted.Valid {
			t := promoted.Time
			v.PromotedAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
