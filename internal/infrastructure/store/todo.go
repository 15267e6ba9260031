package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nanami-ai/agentd/internal/domain/entity"
	apperrors "github.com/nanami-ai/agentd/pkg/errors"
	"go.uber.org/zap"
)

// TodoStore 每会话一个 JSON 文件的 TODO 持久化。
// 写入按会话串行 (per-file mutex), 读取拿到最后一次提交的快照。
type TodoStore struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// todoDocument 文件形态 {"todos": [...]}
type todoDocument struct {
	Todos []entity.Todo `json:"todos"`
}

// NewTodoStore 创建 TODO 存储, dir 形如 data/todos
func NewTodoStore(dir string, logger *zap.Logger) *TodoStore {
	return &TodoStore{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// sessionLock 返回会话级互斥锁
func (s *TodoStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *TodoStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// load 读取会话文件。兼容历史的裸数组形态; 文件不存在返回空列表。
func (s *TodoStore) load(sessionID string) ([]entity.Todo, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, "read todos", err)
	}

	var doc todoDocument
	if err := json.Unmarshal(data, &doc); err == nil && doc.Todos != nil {
		return doc.Todos, nil
	}
	var legacy []entity.Todo
	if err := json.Unmarshal(data, &legacy); err == nil {
		return legacy, nil
	}
	return nil, apperrors.New(apperrors.CodePersistence, "unrecognized todos document: "+sessionID)
}

// save 原子写回
func (s *TodoStore) save(sessionID string, todos []entity.Todo) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "create todos dir", err)
	}
	data, err := json.MarshalIndent(todoDocument{Todos: todos}, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "marshal todos", err)
	}
	path := s.path(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "write todos", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "commit todos", err)
	}
	return nil
}

// List 返回智能排序后的任务列表:
// 状态 (in_progress > pending > completed) → 优先级 (high > medium > low)
// → updated_at 新者优先。物理 order 字段仅用于显式拖拽排序。
func (s *TodoStore) List(sessionID string) ([]entity.Todo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	todos, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	out := append([]entity.Todo(nil), todos...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := entity.StatusRank(out[i].Status), entity.StatusRank(out[j].Status)
		if si != sj {
			return si > sj
		}
		pi, pj := entity.PriorityRank(out[i].Priority), entity.PriorityRank(out[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out, nil
}

// Create 新建任务
func (s *TodoStore) Create(sessionID string, c entity.TodoCreate) (*entity.Todo, error) {
	if c.Title == "" {
		return nil, apperrors.NewInvalidInputError("todo title required")
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	todos, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	todo := entity.Todo{
		ID:          uuid.NewString(),
		Title:       c.Title,
		Description: c.Description,
		Status:      c.Status,
		Priority:    c.Priority,
		AgentType:   c.AgentType,
		Order:       len(todos),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if todo.Status == "" {
		todo.Status = entity.TodoPending
	}
	if todo.Priority == "" {
		todo.Priority = entity.PriorityMedium
	}
	if todo.AgentType == "" {
		todo.AgentType = entity.AgentMain
	}

	todos = append(todos, todo)
	if err := s.save(sessionID, todos); err != nil {
		return nil, err
	}
	return &todo, nil
}

// Update 应用补丁。状态变化时记录 previous_status, 并刷新 updated_at。
func (s *TodoStore) Update(sessionID, id string, patch entity.TodoUpdate) (*entity.Todo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	todos, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	for i := range todos {
		if todos[i].ID != id {
			continue
		}
		t := &todos[i]
		if patch.Title != nil {
			t.Title = *patch.Title
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.Status != nil && *patch.Status != t.Status {
			t.PreviousStatus = t.Status
			t.Status = *patch.Status
		}
		if patch.Priority != nil {
			t.Priority = *patch.Priority
		}
		t.UpdatedAt = float64(time.Now().UnixNano()) / float64(time.Second)
		updated := *t
		if err := s.save(sessionID, todos); err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("todo %s not found", id))
}

// Delete 删除任务并从 0 起重排 order
func (s *TodoStore) Delete(sessionID, id string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	todos, err := s.load(sessionID)
	if err != nil {
		return err
	}
	kept := todos[:0]
	found := false
	for i := range todos {
		if todos[i].ID == id {
			found = true
			continue
		}
		kept = append(kept, todos[i])
	}
	if !found {
		return apperrors.NewNotFoundError(fmt.Sprintf("todo %s not found", id))
	}
	for i := range kept {
		kept[i].Order = i
	}
	return s.save(sessionID, kept)
}

// Reorder 按给定 id 顺序重排。未知 id 忽略; 未提及的任务保持相对顺序追加。
func (s *TodoStore) Reorder(sessionID string, ids []string) ([]entity.Todo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	todos, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(todos))
	for i := range todos {
		byID[todos[i].ID] = i
	}

	ordered := make([]entity.Todo, 0, len(todos))
	picked := make(map[string]bool, len(ids))
	for _, id := range ids {
		idx, ok := byID[id]
		if !ok || picked[id] {
			continue
		}
		picked[id] = true
		ordered = append(ordered, todos[idx])
	}
	for i := range todos {
		if !picked[todos[i].ID] {
			ordered = append(ordered, todos[i])
		}
	}
	for i := range ordered {
		ordered[i].Order = i
	}
	if err := s.save(sessionID, ordered); err != nil {
		return nil, err
	}
	return append([]entity.Todo(nil), ordered...), nil
}
