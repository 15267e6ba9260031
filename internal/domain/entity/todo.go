package entity

// TodoStatus 任务状态
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoPriority 任务优先级
type TodoPriority string

const (
	PriorityHigh   TodoPriority = "high"
	PriorityMedium TodoPriority = "medium"
	PriorityLow    TodoPriority = "low"
)

// AgentType 任务归属的 Agent 类型
type AgentType string

const (
	AgentMain    AgentType = "main"
	AgentSearch  AgentType = "search"
	AgentBrowser AgentType = "browser"
	AgentWindows AgentType = "windows"
	AgentCustom  AgentType = "custom"
)

// Todo 会话内的一条计划任务
type Todo struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Status         TodoStatus   `json:"status"`
	Priority       TodoPriority `json:"priority"`
	AgentType      AgentType    `json:"agent_type"`
	Order          int          `json:"order"`
	CreatedAt      float64      `json:"created_at"` // Unix 秒
	UpdatedAt      float64      `json:"updated_at"`
	PreviousStatus TodoStatus   `json:"previous_status,omitempty"` // 上一次状态变更前的值
}

// Active 判断任务是否未完结
func (t *Todo) Active() bool {
	return t.Status == TodoPending || t.Status == TodoInProgress
}

// StatusRank 智能排序用的状态权重, in_progress 最高
func StatusRank(s TodoStatus) int {
	switch s {
	case TodoInProgress:
		return 3
	case TodoPending:
		return 2
	case TodoCompleted:
		return 1
	default:
		return 0
	}
}

// PriorityRank 智能排序用的优先级权重
func PriorityRank(p TodoPriority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TodoCreate 创建任务的入参
type TodoCreate struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TodoStatus   `json:"status,omitempty"`
	Priority    TodoPriority `json:"priority,omitempty"`
	AgentType   AgentType    `json:"agent_type,omitempty"`
}

// TodoUpdate 更新任务的补丁, nil 字段不修改
type TodoUpdate struct {
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *TodoStatus   `json:"status,omitempty"`
	Priority    *TodoPriority `json:"priority,omitempty"`
}
