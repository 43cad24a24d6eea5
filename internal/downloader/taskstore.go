package downloader

import (
	"sort"
	"sync"

	"github.com/klinesync/klinesync/internal/models"
)

// TaskStore is the task registry polled by the HTTP layer. Implementations
// must keep reads cheap: status polling runs at sub-second intervals while
// the lane is busy, and a poll must never block a running download.
type TaskStore interface {
	// Create registers a new task under its ID.
	Create(task *models.DownloadTask)

	// Get returns a copy of the task, or false when the ID is unknown.
	Get(id string) (*models.DownloadTask, bool)

	// List returns copies of every task, newest first.
	List() []*models.DownloadTask

	// Update applies mutate to the stored task under the store's lock.
	// Unknown IDs are ignored; a task that raced its own completion is
	// not worth an error path.
	Update(id string, mutate func(*models.DownloadTask))
}

// MemoryTaskStore keeps tasks for the lifetime of the process. There is no
// eviction: the registry is the only record of what a long backfill did, and
// task volume is human-scaled (one row per submission).
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.DownloadTask
}

// NewMemoryTaskStore creates an empty task registry.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*models.DownloadTask)}
}

// Create implements TaskStore.Create.
func (s *MemoryTaskStore) Create(task *models.DownloadTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
}

// Get implements TaskStore.Get.
func (s *MemoryTaskStore) Get(id string) (*models.DownloadTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// List implements TaskStore.List.
func (s *MemoryTaskStore) List() []*models.DownloadTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*models.DownloadTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].StartedAt.After(tasks[j].StartedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// Update implements TaskStore.Update.
func (s *MemoryTaskStore) Update(id string, mutate func(*models.DownloadTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[id]; ok {
		mutate(task)
	}
}

var _ TaskStore = (*MemoryTaskStore)(nil)
