package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate indicates a unique constraint rejected an insert, such as
// an already registered email.
var ErrDuplicate = errors.New("repository: duplicate entry")

// ErrDuplicateActive indicates the one-live-instance-per-user constraint
// rejected an insert. The partial unique index turns the read-then-write
// race between concurrent creates into this constructive conflict.
var ErrDuplicateActive = errors.New("repository: user already has a live instance")
