package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles the repositories that share one database handle.
type Store struct {
	db          *gorm.DB
	Activities  *ActivityRepository
	Chunks      *ChunkRepository
	Jobs        *JobQueue
	Escalations *EscalationRepository
	Contacts    *ContactRepository
	Cursors     *CursorRepository
}

// NewStore creates every repository on db. opts configure the job queue.
func NewStore(db *gorm.DB, opts ...QueueOption) *Store {
	return &Store{
		db:          db,
		Activities:  NewActivityRepository(db),
		Chunks:      NewChunkRepository(db),
		Jobs:        NewJobQueue(db, opts...),
		Escalations: NewEscalationRepository(db),
		Contacts:    NewContactRepository(db),
		Cursors:     NewCursorRepository(db),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Tx is the set of repositories bound to one open transaction.
type Tx struct {
	Activities *ActivityRepository
	Chunks     *ChunkRepository
	Jobs       *JobQueue
	Cursors    *CursorRepository
}

// InTx runs fn in a transaction. Writes made through tx commit together when
// fn returns nil and roll back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{
			Activities: NewActivityRepository(db),
			Chunks:     NewChunkRepository(db),
			Jobs:       s.Jobs.withDB(db),
			Cursors:    NewCursorRepository(db),
		})
	})
}
