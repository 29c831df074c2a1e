package domain

import "time"

// ContainerKind tags the role a container plays inside an instance.
type ContainerKind string

const (
	KindBackend  ContainerKind = "BACKEND"
	KindFrontend ContainerKind = "FRONTEND"
	// KindDatabase is stored but not yet orchestrated; three-tier
	// challenges are a planned extension.
	KindDatabase ContainerKind = "DB"
)

// Valid reports whether the kind is one the catalog may store.
func (k ContainerKind) Valid() bool {
	switch k {
	case KindBackend, KindFrontend, KindDatabase:
		return true
	}
	return false
}

// ContainerSpec describes one container of a challenge as configured in the
// catalog. Env and Labels are base values; the launcher injects per-instance
// entries on top.
type ContainerSpec struct {
	Name         string
	Kind         ContainerKind
	Image        string
	InternalPort int
	NetworkMode  string
	Env          map[string]string
	Labels       map[string]string
}

// ChallengeDifficulty grades a challenge.
type ChallengeDifficulty string

const (
	DifficultyEasy ChallengeDifficulty = "EASY"
	DifficultyMid  ChallengeDifficulty = "MID"
	DifficultyHard ChallengeDifficulty = "HARD"
)

// Challenge is a catalog entry. Flag and ContainerSpecs are never exposed to
// clients.
type Challenge struct {
	ID             string
	Name           string
	Description    string
	Category       string
	Difficulty     ChallengeDifficulty
	Hints          []string
	Resources      []string
	HasLiveTarget  bool
	Flag           string
	ContainerSpecs []ContainerSpec
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
