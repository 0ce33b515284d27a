package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/metrics"
	"caseflow/internal/repo"
	"caseflow/internal/workflow"
)

// Engine owns every mutation of case state. Each operation runs in a single
// transaction: the status change, its audit entry, its snapshot and its outbox
// event commit together or not at all.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Workflow *workflow.Table
	Gate     auth.Gate
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time

	locks *caseLocks
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	table, err := workflow.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{Now: time.Now},
		Config:   cfg,
		Workflow: table,
		Gate:     auth.NewGate(auth.RepoDirectory{Repo: r}, cfg),
		Logger:   zap.NewNop(),
		Now:      time.Now,
		locks:    newCaseLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// lockCase serializes writers of one case within this process. The status
// compare-and-set still guards against writers in other processes.
func (e Engine) lockCase(id string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(id)
}

// loadCase reads a case outside any transaction.
func (e Engine) loadCase(ctx context.Context, id string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, notFound("case", id)
	}
	return c, err
}

// writeAudit appends one audit entry inside tx.
func (e Engine) writeAudit(ctx context.Context, tx *sql.Tx, caseID, action, details, actor, at string) (int64, error) {
	return e.Repo.InsertAudit(ctx, tx, domain.AuditEntry{
		CaseID:    caseID,
		Action:    action,
		Details:   details,
		Actor:     actor,
		CreatedAt: at,
	})
}

type caseLocks struct {
	mu    sync.Mutex
	locks map[string]*caseLock
}

type caseLock struct {
	mu   sync.Mutex
	refs int
}

func newCaseLocks() *caseLocks {
	return &caseLocks{locks: map[string]*caseLock{}}
}

func (l *caseLocks) lock(id string) func() {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &caseLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
