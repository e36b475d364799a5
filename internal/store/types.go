// Package store implements the Store Facade component (C3): the single
// SQLite-backed source of truth for Run, Task, Log, Pin, TypedContent, and
// Err rows. Writes are serialized through a single *sql.DB connection, and
// busy/locked errors are retried with jittered backoff rather than
// surfaced to callers.
package store

// EndState is the terminal outcome of a Run or a Task.
type EndState string

const (
	EndOk     EndState = "Ok"
	EndErr    EndState = "Err"
	EndCancel EndState = "Cancel"
	EndSkip   EndState = "Skip"
)

// ContentType distinguishes verbatim text from pretty-printed structured
// content.
type ContentType string

const (
	ContentText ContentType = "Text"
	ContentJSON ContentType = "Json"
)

// LogKind classifies a Log row.
type LogKind string

const (
	LogSysInfo    LogKind = "SysInfo"
	LogSysWarn    LogKind = "SysWarn"
	LogSysError   LogKind = "SysError"
	LogAgentPrint LogKind = "AgentPrint"
	LogAgentSkip  LogKind = "AgentSkip"
)

// Run represents one agent invocation.
type Run struct {
	ID       int64
	UID      string
	ParentID *int64

	Ctime int64 // microsecond epoch
	Mtime int64

	Start      *int64
	BaStart    *int64
	BaEnd      *int64
	TasksStart *int64
	TasksEnd   *int64
	AaStart    *int64
	AaEnd      *int64
	End        *int64

	AgentName   string
	AgentPath   string
	Model       string
	Concurrency int
	TotalCost   float64

	EndState       *EndState
	EndSkipReason  *string
	EndErrID       *int64
	HasTaskStages  bool
	HasPromptParts bool

	Literals string // JSON snapshot of resolved $tmp/$workspace/pack bases at run start
}

// Task represents one input processed within a Run.
type Task struct {
	ID    int64
	UID   string
	RunID int64
	Idx   int // 0-based insertion order within the run

	Ctime int64
	Mtime int64

	Start        *int64
	DataStart    *int64
	DataEnd      *int64
	AiStart      *int64
	AiGenStart   *int64
	AiGenEnd     *int64
	AiEnd        *int64
	OutputStart  *int64
	OutputEnd    *int64
	End          *int64

	ModelOv *string
	Usage   string // raw provider usage payload, JSON

	TkPromptTotal         int
	TkPromptCached        int
	TkPromptCacheCreation int
	TkCompletionTotal     int
	TkCompletionReasoning int

	Cost  *float64
	Label *string

	EndState      *EndState
	EndSkipReason *string
	EndErrID      *int64
}

// Log is an append-only event scoped to a run and optionally a task.
type Log struct {
	ID      int64
	UID     string
	RunID   int64
	TaskID  *int64
	Ctime   int64
	Kind    LogKind
	Stage   *string
	Step    *string
	Message string
}

// Pin is a script-created marker attached to a run or a task.
type Pin struct {
	ID       int64
	UID      string
	RunID    int64
	TaskID   *int64
	Ctime    int64
	Name     *string
	Priority float64
	Content  string
}

// TypedContent is the polymorphic payload for task inputs and outputs.
type TypedContent struct {
	ID     int64
	UID    string
	TaskID int64
	Kind   string // "input" | "output"
	Typ    ContentType
	Ctime  int64

	Content string
}

// Err is a failure record.
type Err struct {
	ID      int64
	UID     string
	Stage   *string
	RunID   *int64
	TaskID  *int64
	Typ     *string
	Ctime   int64
	Content string
}
