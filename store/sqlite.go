package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/llm"
)

// SQLite implements Store using modernc.org/sqlite (pure Go).
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Init creates the schema tables.
func (s *SQLite) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		account_id  TEXT NOT NULL DEFAULT '',
		sandbox_id  TEXT NOT NULL DEFAULT '',
		sandbox_url TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS threads (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		agent_id   TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id       TEXT PRIMARY KEY,
		thread_id        TEXT NOT NULL,
		type             TEXT NOT NULL,
		is_llm_message   INTEGER NOT NULL DEFAULT 0,
		content          TEXT NOT NULL DEFAULT '{}',
		metadata         TEXT NOT NULL DEFAULT '{}',
		agent_id         TEXT NOT NULL DEFAULT '',
		agent_version_id TEXT NOT NULL DEFAULT '',
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id               TEXT PRIMARY KEY,
		thread_id        TEXT NOT NULL,
		instance_id      TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'running',
		started_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at     DATETIME,
		error            TEXT NOT NULL DEFAULT '',
		responses        TEXT NOT NULL DEFAULT '[]',
		agent_id         TEXT NOT NULL DEFAULT '',
		agent_version_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS agents (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		version_id    TEXT NOT NULL DEFAULT '',
		tool_names    TEXT NOT NULL DEFAULT '[]',
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_workflows (
		id          TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'active',
		steps       TEXT NOT NULL DEFAULT '[]',
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_triggers (
		trigger_id   TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		provider_id  TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		is_active    INTEGER NOT NULL DEFAULT 1,
		config       TEXT NOT NULL DEFAULT '{}',
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS trigger_events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_id     TEXT NOT NULL,
		agent_id       TEXT NOT NULL DEFAULT '',
		trigger_type   TEXT NOT NULL DEFAULT '',
		raw_data       TEXT NOT NULL DEFAULT '{}',
		success        INTEGER NOT NULL DEFAULT 0,
		decision       TEXT NOT NULL DEFAULT '',
		agent_prompt   TEXT NOT NULL DEFAULT '',
		workflow_id    TEXT NOT NULL DEFAULT '',
		workflow_input TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT '',
		timestamp      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_thread ON agent_runs(thread_id);
	CREATE INDEX IF NOT EXISTS idx_triggers_agent ON agent_triggers(agent_id);
	CREATE INDEX IF NOT EXISTS idx_trigger_events_trigger ON trigger_events(trigger_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateProject persists a project.
func (s *SQLite) CreateProject(ctx context.Context, p Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, account_id, sandbox_id, sandbox_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.AccountID, p.SandboxID, p.SandboxURL, p.CreatedAt)
	return err
}

// UpdateProjectSandbox records the sandbox bound to a project.
func (s *SQLite) UpdateProjectSandbox(ctx context.Context, projectID, sandboxID, sandboxURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET sandbox_id = ?, sandbox_url = ? WHERE id = ?`,
		sandboxID, sandboxURL, projectID)
	return err
}

// GetProject returns a project by id.
func (s *SQLite) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, account_id, sandbox_id, sandbox_url, created_at FROM projects WHERE id = ?`,
		projectID).Scan(&p.ID, &p.Name, &p.AccountID, &p.SandboxID, &p.SandboxURL, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateThread persists a thread.
func (s *SQLite) CreateThread(ctx context.Context, t Thread) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Metadata == "" {
		t.Metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, account_id, agent_id, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.AccountID, t.AgentID, t.Metadata, t.CreatedAt)
	return err
}

// GetThread returns a thread by id.
func (s *SQLite) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, account_id, agent_id, metadata, created_at FROM threads WHERE id = ?`,
		threadID).Scan(&t.ID, &t.ProjectID, &t.AccountID, &t.AgentID, &t.Metadata, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, relay.ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AddMessage persists a message and returns the stored row.
func (s *SQLite) AddMessage(ctx context.Context, threadID string, typ relay.ItemType, content map[string]any, isLLM bool, metadata map[string]any) (*relay.Item, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	agentID, _ := metadata["agent_id"].(string)
	agentVersionID, _ := metadata["agent_version_id"].(string)

	now := time.Now().UTC()
	messageID := uuid.NewString()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, type, is_llm_message, content, metadata, agent_id, agent_version_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageID, threadID, string(typ), boolToInt(isLLM), string(contentJSON), string(metadataJSON), agentID, agentVersionID, now, now)
	if err != nil {
		return nil, err
	}

	return &relay.Item{
		MessageID:    messageID,
		ThreadID:     threadID,
		Type:         typ,
		Content:      content,
		Metadata:     metadata,
		IsLLMMessage: isLLM,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ListMessages returns a thread's messages in order.
func (s *SQLite) ListMessages(ctx context.Context, threadID string) ([]relay.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, thread_id, type, is_llm_message, content, metadata, created_at, updated_at
		 FROM messages WHERE thread_id = ? ORDER BY created_at, message_id`,
		threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []relay.Item
	for rows.Next() {
		var item relay.Item
		var typ, contentJSON, metadataJSON string
		var isLLM int
		if err := rows.Scan(&item.MessageID, &item.ThreadID, &typ, &isLLM, &contentJSON, &metadataJSON, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Type = relay.ItemType(typ)
		item.IsLLMMessage = isLLM != 0
		json.Unmarshal([]byte(contentJSON), &item.Content)
		json.Unmarshal([]byte(metadataJSON), &item.Metadata)
		items = append(items, item)
	}
	return items, rows.Err()
}

// LLMHistory converts the thread's LLM-facing messages to prompt form.
func (s *SQLite) LLMHistory(ctx context.Context, threadID string) ([]llm.Message, error) {
	items, err := s.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var history []llm.Message
	for _, item := range items {
		if !item.IsLLMMessage || item.Content == nil {
			continue
		}
		role, _ := item.Content["role"].(string)
		text, _ := item.Content["content"].(string)
		if role == "" {
			continue
		}

		msg := llm.Message{Role: llm.Role(role), Content: text}
		if role == string(llm.RoleTool) {
			msg.ToolCallID, _ = item.Content["tool_call_id"].(string)
			msg.Name, _ = item.Content["name"].(string)
		}
		history = append(history, msg)
	}
	return history, nil
}

// CreateRun inserts a run in running state.
func (s *SQLite) CreateRun(ctx context.Context, run relay.Run) error {
	if run.Status == "" {
		run.Status = relay.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, thread_id, instance_id, status, started_at, agent_id, agent_version_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.InstanceID, string(run.Status), run.StartedAt, run.AgentID, run.AgentVersionID)
	return err
}

// GetRun returns a run by id.
func (s *SQLite) GetRun(ctx context.Context, runID string) (*relay.Run, error) {
	var run relay.Run
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, instance_id, status, started_at, completed_at, error, agent_id, agent_version_id
		 FROM agent_runs WHERE id = ?`,
		runID).Scan(&run.ID, &run.ThreadID, &run.InstanceID, &status, &run.StartedAt, &completedAt, &run.Error, &run.AgentID, &run.AgentVersionID)
	if err == sql.ErrNoRows {
		return nil, relay.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = relay.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// ListRunsByThread returns the thread's runs, newest first.
func (s *SQLite) ListRunsByThread(ctx context.Context, threadID string) ([]relay.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, instance_id, status, started_at, completed_at, error, agent_id, agent_version_id
		 FROM agent_runs WHERE thread_id = ? ORDER BY started_at DESC`,
		threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []relay.Run
	for rows.Next() {
		var run relay.Run
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.ThreadID, &run.InstanceID, &status, &run.StartedAt, &completedAt, &run.Error, &run.AgentID, &run.AgentVersionID); err != nil {
			return nil, err
		}
		run.Status = relay.RunStatus(status)
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus writes the terminal state and the responses snapshot.
// Already-terminal runs are left untouched.
func (s *SQLite) UpdateRunStatus(ctx context.Context, runID string, status relay.RunStatus, errMsg string, responses []relay.Item) error {
	responsesJSON, err := json.Marshal(responses)
	if err != nil {
		responsesJSON = []byte("[]")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, completed_at = ?, error = ?, responses = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), now, errMsg, string(responsesJSON), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if existing, gerr := s.GetRun(ctx, runID); gerr == nil && existing.Status.Terminal() {
			return nil
		}
		return relay.ErrRunNotFound
	}
	return nil
}

// UpsertAgent persists an agent definition.
func (s *SQLite) UpsertAgent(ctx context.Context, a Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	toolNames, err := json.Marshal(a.ToolNames)
	if err != nil {
		toolNames = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, account_id, name, model, system_prompt, version_id, tool_names, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   account_id = excluded.account_id, name = excluded.name, model = excluded.model,
		   system_prompt = excluded.system_prompt, version_id = excluded.version_id,
		   tool_names = excluded.tool_names`,
		a.ID, a.AccountID, a.Name, a.Model, a.SystemPrompt, a.VersionID, string(toolNames), a.CreatedAt)
	return err
}

// GetAgent returns an agent by id.
func (s *SQLite) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	var toolNames string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, model, system_prompt, version_id, tool_names, created_at FROM agents WHERE id = ?`,
		agentID).Scan(&a.ID, &a.AccountID, &a.Name, &a.Model, &a.SystemPrompt, &a.VersionID, &toolNames, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(toolNames), &a.ToolNames)
	return &a, nil
}

// UpsertWorkflow persists a workflow definition.
func (s *SQLite) UpsertWorkflow(ctx context.Context, w Workflow) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.StepsJSON == "" {
		w.StepsJSON = "[]"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_workflows (id, agent_id, name, description, status, steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agent_id = excluded.agent_id, name = excluded.name, description = excluded.description,
		   status = excluded.status, steps = excluded.steps`,
		w.ID, w.AgentID, w.Name, w.Description, w.Status, w.StepsJSON, w.CreatedAt)
	return err
}

// GetWorkflow returns a workflow by id.
func (s *SQLite) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	var w Workflow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, description, status, steps, created_at FROM agent_workflows WHERE id = ?`,
		workflowID).Scan(&w.ID, &w.AgentID, &w.Name, &w.Description, &w.Status, &w.StepsJSON, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateTrigger persists a trigger record.
func (s *SQLite) CreateTrigger(ctx context.Context, t TriggerRecord) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_triggers (trigger_id, agent_id, provider_id, trigger_type, name, description, is_active, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.ProviderID, t.TriggerType, t.Name, t.Description, boolToInt(t.IsActive), t.ConfigJSON, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTrigger rewrites a trigger record.
func (s *SQLite) UpdateTrigger(ctx context.Context, t TriggerRecord) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_triggers SET name = ?, description = ?, is_active = ?, config = ?, updated_at = ? WHERE trigger_id = ?`,
		t.Name, t.Description, boolToInt(t.IsActive), t.ConfigJSON, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return relay.ErrTriggerNotFound
	}
	return nil
}

// GetTrigger returns a trigger by id.
func (s *SQLite) GetTrigger(ctx context.Context, triggerID string) (*TriggerRecord, error) {
	var t TriggerRecord
	var isActive int
	err := s.db.QueryRowContext(ctx,
		`SELECT trigger_id, agent_id, provider_id, trigger_type, name, description, is_active, config, created_at, updated_at
		 FROM agent_triggers WHERE trigger_id = ?`,
		triggerID).Scan(&t.ID, &t.AgentID, &t.ProviderID, &t.TriggerType, &t.Name, &t.Description, &isActive, &t.ConfigJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, relay.ErrTriggerNotFound
	}
	if err != nil {
		return nil, err
	}
	t.IsActive = isActive != 0
	return &t, nil
}

// ListTriggersByAgent returns an agent's triggers.
func (s *SQLite) ListTriggersByAgent(ctx context.Context, agentID string) ([]TriggerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_id, agent_id, provider_id, trigger_type, name, description, is_active, config, created_at, updated_at
		 FROM agent_triggers WHERE agent_id = ? ORDER BY created_at`,
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []TriggerRecord
	for rows.Next() {
		var t TriggerRecord
		var isActive int
		if err := rows.Scan(&t.ID, &t.AgentID, &t.ProviderID, &t.TriggerType, &t.Name, &t.Description, &isActive, &t.ConfigJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.IsActive = isActive != 0
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// DeleteTrigger removes a trigger record.
func (s *SQLite) DeleteTrigger(ctx context.Context, triggerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_triggers WHERE trigger_id = ?`, triggerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return relay.ErrTriggerNotFound
	}
	return nil
}

// AppendTriggerEvent records one processed trigger event.
func (s *SQLite) AppendTriggerEvent(ctx context.Context, e TriggerEventLog) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_events (trigger_id, agent_id, trigger_type, raw_data, success, decision, agent_prompt, workflow_id, workflow_input, error_message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TriggerID, e.AgentID, e.TriggerType, e.RawDataJSON, boolToInt(e.Success), e.Decision, e.AgentPrompt, e.WorkflowID, e.InputJSON, e.ErrorMessage, e.Timestamp)
	return err
}

// ListTriggerEvents returns a trigger's event log, newest first.
func (s *SQLite) ListTriggerEvents(ctx context.Context, triggerID string, limit int) ([]TriggerEventLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger_id, agent_id, trigger_type, raw_data, success, decision, agent_prompt, workflow_id, workflow_input, error_message, timestamp
		 FROM trigger_events WHERE trigger_id = ? ORDER BY timestamp DESC LIMIT ?`,
		triggerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TriggerEventLog
	for rows.Next() {
		var e TriggerEventLog
		var success int
		if err := rows.Scan(&e.ID, &e.TriggerID, &e.AgentID, &e.TriggerType, &e.RawDataJSON, &success, &e.Decision, &e.AgentPrompt, &e.WorkflowID, &e.InputJSON, &e.ErrorMessage, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Success = success != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
