package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/repository"
)

// CreateInstance inserts a PENDING record. The partial unique index on live
// instances per user rejects a second concurrent create with
// ErrDuplicateActive.
func (r *Repository) CreateInstance(ctx context.Context, instance *domain.Instance) error {
	const query = `INSERT INTO instances (id, user_id, challenge_id, status, url, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		instance.ID, instance.UserID, instance.ChallengeID, instance.Status,
		instance.URL, instance.ExpiresAt, instance.CreatedAt, instance.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicateActive
		}
		return err
	}
	return nil
}

// GetInstanceForUser loads an instance scoped to its owner.
func (r *Repository) GetInstanceForUser(ctx context.Context, instanceID, userID string) (*domain.Instance, error) {
	const query = `SELECT id, user_id, challenge_id, status, url, expires_at, created_at, updated_at
		FROM instances WHERE id = $1 AND user_id = $2`
	return r.scanInstance(ctx, r.pool.QueryRow(ctx, query, instanceID, userID))
}

// GetActiveInstanceByUser returns the user's live (PENDING or RUNNING)
// instance, or ErrNotFound.
func (r *Repository) GetActiveInstanceByUser(ctx context.Context, userID string) (*domain.Instance, error) {
	const query = `SELECT id, user_id, challenge_id, status, url, expires_at, created_at, updated_at
		FROM instances WHERE user_id = $1 AND status IN ('PENDING', 'RUNNING')`
	return r.scanInstance(ctx, r.pool.QueryRow(ctx, query, userID))
}

// ListLivePorts returns host ports held by containers of live instances,
// optionally excluding one instance id.
func (r *Repository) ListLivePorts(ctx context.Context, excludeInstanceID string) ([]int, error) {
	const query = `SELECT ic.port
		FROM instance_containers ic
		INNER JOIN instances i ON i.id = ic.instance_id
		WHERE i.status IN ('PENDING', 'RUNNING')
		  AND ic.port IS NOT NULL
		  AND ($1 = '' OR i.id <> $1)`
	rows, err := r.pool.Query(ctx, query, excludeInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := make([]int, 0)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// UpdateInstance applies a status transition. Containers, url and expiry are
// only rewritten when the update carries containers (the RUNNING
// transition); bare status changes leave them untouched.
func (r *Repository) UpdateInstance(ctx context.Context, update domain.InstanceUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var tag pgconn.CommandTag
	if len(update.Containers) > 0 {
		const query = `UPDATE instances SET status = $2, url = $3, expires_at = $4, updated_at = $5 WHERE id = $1`
		tag, err = tx.Exec(ctx, query, update.InstanceID, update.Status, update.URL, update.ExpiresAt, now)
	} else {
		const query = `UPDATE instances SET status = $2, updated_at = $3 WHERE id = $1`
		tag, err = tx.Exec(ctx, query, update.InstanceID, update.Status, now)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	if len(update.Containers) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM instance_containers WHERE instance_id = $1`, update.InstanceID); err != nil {
			return err
		}
		for _, c := range update.Containers {
			const query = `INSERT INTO instance_containers (instance_id, name, port) VALUES ($1, $2, $3)`
			if _, err := tx.Exec(ctx, query, update.InstanceID, c.Name, c.Port); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

// DeleteInstance removes an instance record outright. Used only for PENDING
// rollback before the instance ever reached RUNNING.
func (r *Repository) DeleteInstance(ctx context.Context, instanceID string) error {
	const query = `DELETE FROM instances WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, instanceID); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

// ListExpiredLiveInstances returns live instances whose lease has passed.
func (r *Repository) ListExpiredLiveInstances(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	const query = `SELECT id, user_id, challenge_id, status, url, expires_at, created_at, updated_at
		FROM instances
		WHERE status IN ('PENDING', 'RUNNING') AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]domain.Instance, 0)
	for rows.Next() {
		var inst domain.Instance
		if err := rows.Scan(&inst.ID, &inst.UserID, &inst.ChallengeID, &inst.Status, &inst.URL, &inst.ExpiresAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range instances {
		containers, err := r.listInstanceContainers(ctx, instances[i].ID)
		if err != nil {
			return nil, err
		}
		instances[i].Containers = containers
	}
	return instances, nil
}

func (r *Repository) scanInstance(ctx context.Context, row pgx.Row) (*domain.Instance, error) {
	var inst domain.Instance
	if err := row.Scan(&inst.ID, &inst.UserID, &inst.ChallengeID, &inst.Status, &inst.URL, &inst.ExpiresAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	containers, err := r.listInstanceContainers(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	inst.Containers = containers
	return &inst, nil
}

func (r *Repository) listInstanceContainers(ctx context.Context, instanceID string) ([]domain.InstanceContainer, error) {
	const query = `SELECT name, port FROM instance_containers WHERE instance_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	containers := make([]domain.InstanceContainer, 0, 2)
	for rows.Next() {
		var c domain.InstanceContainer
		if err := rows.Scan(&c.Name, &c.Port); err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}
	return containers, rows.Err()
}
