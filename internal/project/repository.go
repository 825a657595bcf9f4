// Package project loads project snapshots for rendering.
package project

import (
	"context"
	"sync"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/model"
)

// Repository looks up projects by ID. Get returns an apperr NOT_FOUND error
// for unknown IDs.
type Repository interface {
	Get(ctx context.Context, id string) (*model.Project, error)
}

// MemoryRepository keeps projects in a map. Used by the CLI and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	projects map[string]*model.Project
}

func NewMemoryRepository(projects ...*model.Project) *MemoryRepository {
	r := &MemoryRepository{projects: make(map[string]*model.Project)}
	for _, p := range projects {
		r.Put(p)
	}
	return r
}

// Put stores a copy of p, replacing any project with the same ID.
func (r *MemoryRepository) Put(p *model.Project) {
	cp := *p
	cp.Layers = append([]model.Layer(nil), p.Layers...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = &cp
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*model.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, apperr.NotFound("project", id)
	}
	cp := *p
	cp.Layers = append([]model.Layer(nil), p.Layers...)
	return &cp, nil
}
