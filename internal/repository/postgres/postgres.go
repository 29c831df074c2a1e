package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository      = (*Repository)(nil)
	_ repository.ChallengeRepository = (*Repository)(nil)
	_ repository.InstanceRepository  = (*Repository)(nil)
)

const uniqueViolation = "23505"

// CreateUser inserts a user. A taken email or username maps to
// repository.ErrDuplicate.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.Username, user.PasswordHash, user.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrDuplicate
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT u.id, u.email, u.username, u.password_hash, u.created_at,
			(SELECT COUNT(1) FROM user_solves s WHERE s.user_id = u.id)
		FROM users u WHERE u.email = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT u.id, u.email, u.username, u.password_hash, u.created_at,
			(SELECT COUNT(1) FROM user_solves s WHERE s.user_id = u.id)
		FROM users u WHERE u.id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.SolvedCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ListSolvedChallengeIDs returns the challenge ids the user has solved.
func (r *Repository) ListSolvedChallengeIDs(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT challenge_id FROM user_solves WHERE user_id = $1 ORDER BY solved_at`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkChallengeSolved records a solve. Repeated solves are a no-op.
func (r *Repository) MarkChallengeSolved(ctx context.Context, userID, challengeID string) error {
	const query = `INSERT INTO user_solves (user_id, challenge_id, solved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, challenge_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, userID, challengeID, time.Now().UTC())
	return err
}

// ListChallenges returns all catalog entries, container specs included.
func (r *Repository) ListChallenges(ctx context.Context) ([]domain.Challenge, error) {
	const query = `SELECT id, name, description, category, difficulty, hints, resources, has_live_target, flag, created_at, updated_at
		FROM challenges ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	challenges := make([]domain.Challenge, 0)
	for rows.Next() {
		var c domain.Challenge
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Category, &c.Difficulty, &c.Hints, &c.Resources, &c.HasLiveTarget, &c.Flag, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		challenges = append(challenges, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range challenges {
		specs, err := r.listContainerSpecs(ctx, challenges[i].ID)
		if err != nil {
			return nil, err
		}
		challenges[i].ContainerSpecs = specs
	}
	return challenges, nil
}

// GetChallengeByID loads one challenge with its ordered container specs.
func (r *Repository) GetChallengeByID(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	const query = `SELECT id, name, description, category, difficulty, hints, resources, has_live_target, flag, created_at, updated_at
		FROM challenges WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, challengeID)
	var c domain.Challenge
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Category, &c.Difficulty, &c.Hints, &c.Resources, &c.HasLiveTarget, &c.Flag, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	specs, err := r.listContainerSpecs(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	c.ContainerSpecs = specs
	return &c, nil
}

func (r *Repository) listContainerSpecs(ctx context.Context, challengeID string) ([]domain.ContainerSpec, error) {
	const query = `SELECT name, kind, image, internal_port, network_mode, env, labels
		FROM challenge_containers WHERE challenge_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, query, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	specs := make([]domain.ContainerSpec, 0, 2)
	for rows.Next() {
		var spec domain.ContainerSpec
		var envRaw, labelsRaw []byte
		if err := rows.Scan(&spec.Name, &spec.Kind, &spec.Image, &spec.InternalPort, &spec.NetworkMode, &envRaw, &labelsRaw); err != nil {
			return nil, err
		}
		if spec.Env, err = decodeStringMap(envRaw); err != nil {
			return nil, fmt.Errorf("decode container env: %w", err)
		}
		if spec.Labels, err = decodeStringMap(labelsRaw); err != nil {
			return nil, fmt.Errorf("decode container labels: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func decodeStringMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
