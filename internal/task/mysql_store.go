package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "AgentForge/internal/errors"
	storage "AgentForge/internal/storage/mysql"
	"github.com/go-sql-driver/mysql"
)

const (
	taskColumns     = `task_id, input, additional_input, created_at, modified_at`
	stepColumns     = `task_id, step_id, name, input, additional_input, status, output, additional_output, is_last, created_at, modified_at`
	artifactColumns = `artifact_id, task_id, step_id, file_name, uri, agent_created, created_at`

	mysqlErrDuplicate   = 1062
	mysqlErrNoReference = 1452
)

// MySQLStore 使用 MySQL 记录任务、步骤与产物元数据。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 建立连接并执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// NewMySQLStoreWithDB 基于现有连接池构造存储，不执行迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// CreateTask 实现 Store 接口。
func (s *MySQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.ModifiedAt = task.CreatedAt
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?)`,
		task.TaskID, task.Input, nullJSON(task.AdditionalInput), toMillis(task.CreatedAt), toMillis(task.ModifiedAt))
	if err != nil {
		return s.mapWriteError(err, task.TaskID, "写入任务失败")
	}
	return nil
}

// GetTask 在同一只读事务中读取任务、步骤与产物。
func (s *MySQLStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var out *Task
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
		if err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return taskNotFound(taskID)
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
		steps, err := queryRows(ctx, tx, scanStep, `SELECT `+stepColumns+` FROM steps WHERE task_id = ? ORDER BY seq`, taskID)
		if err != nil {
			return err
		}
		artifacts, err := queryRows(ctx, tx, scanArtifact, `SELECT `+artifactColumns+` FROM artifacts WHERE task_id = ? ORDER BY seq`, taskID)
		if err != nil {
			return err
		}
		attachArtifacts(steps, artifacts)
		task.Steps = steps
		task.Artifacts = artifacts
		out = task
		return nil
	})
	return out, err
}

// ListTasks 按创建顺序返回任务摘要与总数。
func (s *MySQLStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, int, error) {
	var (
		items []*Task
		total int
	)
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
		}
		var err error
		items, err = queryRows(ctx, tx, scanTask, `SELECT `+taskColumns+` FROM tasks ORDER BY seq LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// CreateStep 实现 Store 接口。
func (s *MySQLStore) CreateStep(ctx context.Context, step *Step) error {
	if step == nil || step.StepID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤 ID 不能为空")
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	step.ModifiedAt = step.CreatedAt
	if step.Status == "" {
		step.Status = StepCreated
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.TaskID, step.StepID, step.Name, step.Input, nullJSON(step.AdditionalInput), string(step.Status),
		step.Output, nullJSON(step.AdditionalOutput), step.IsLast, toMillis(step.CreatedAt), toMillis(step.ModifiedAt))
	if err != nil {
		return s.mapWriteError(err, step.TaskID, "写入步骤失败")
	}
	return nil
}

// UpdateStep 实现 Store 接口。
func (s *MySQLStore) UpdateStep(ctx context.Context, step *Step) error {
	if step == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "step 不能为空")
	}
	step.ModifiedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE steps SET name = ?, status = ?, output = ?, additional_output = ?, is_last = ?, modified_at = ?
    WHERE task_id = ? AND step_id = ?`,
		step.Name, string(step.Status), step.Output, nullJSON(step.AdditionalOutput), step.IsLast, toMillis(step.ModifiedAt),
		step.TaskID, step.StepID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新步骤失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return stepNotFound(step.TaskID, step.StepID)
	}
	return nil
}

// GetStep 实现 Store 接口。
func (s *MySQLStore) GetStep(ctx context.Context, taskID, stepID string) (*Step, error) {
	var out *Step
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTask(ctx, tx, taskID); err != nil {
			return err
		}
		step, err := scanStep(tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE task_id = ? AND step_id = ?`, taskID, stepID))
		if err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return stepNotFound(taskID, stepID)
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤失败")
		}
		artifacts, err := queryRows(ctx, tx, scanArtifact, `SELECT `+artifactColumns+` FROM artifacts WHERE task_id = ? AND step_id = ? ORDER BY seq`, taskID, stepID)
		if err != nil {
			return err
		}
		step.Artifacts = artifacts
		out = step
		return nil
	})
	return out, err
}

// LastStep 实现 Store 接口。
func (s *MySQLStore) LastStep(ctx context.Context, taskID string) (*Step, error) {
	var out *Step
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTask(ctx, tx, taskID); err != nil {
			return err
		}
		step, err := scanStep(tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, taskID))
		if err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最新步骤失败")
		}
		out = step
		return nil
	})
	return out, err
}

// ListSteps 实现 Store 接口。
func (s *MySQLStore) ListSteps(ctx context.Context, taskID string, opts ListOptions) ([]*Step, int, error) {
	var (
		items []*Step
		total int
	)
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTask(ctx, tx, taskID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE task_id = ?`, taskID).Scan(&total); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计步骤失败")
		}
		var err error
		items, err = queryRows(ctx, tx, scanStep, `SELECT `+stepColumns+` FROM steps WHERE task_id = ? ORDER BY seq LIMIT ? OFFSET ?`, taskID, opts.Limit, opts.Offset)
		if err != nil {
			return err
		}
		artifacts, err := queryRows(ctx, tx, scanArtifact, `SELECT `+artifactColumns+` FROM artifacts WHERE task_id = ? AND step_id <> '' ORDER BY seq`, taskID)
		if err != nil {
			return err
		}
		attachArtifacts(items, artifacts)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// CreateArtifact 实现 Store 接口。
func (s *MySQLStore) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact == nil || artifact.ArtifactID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "产物 ID 不能为空")
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		artifact.ArtifactID, artifact.TaskID, artifact.StepID, artifact.FileName, artifact.URI, artifact.AgentCreated, toMillis(artifact.CreatedAt))
	if err != nil {
		return s.mapWriteError(err, artifact.TaskID, "写入产物失败")
	}
	return nil
}

// GetArtifact 实现 Store 接口。
func (s *MySQLStore) GetArtifact(ctx context.Context, taskID, artifactID string) (*Artifact, error) {
	var out *Artifact
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTask(ctx, tx, taskID); err != nil {
			return err
		}
		artifact, err := scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE task_id = ? AND artifact_id = ?`, taskID, artifactID))
		if err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return artifactNotFound(taskID, artifactID)
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询产物失败")
		}
		out = artifact
		return nil
	})
	return out, err
}

// ListArtifacts 实现 Store 接口。
func (s *MySQLStore) ListArtifacts(ctx context.Context, taskID string, opts ListOptions) ([]*Artifact, int, error) {
	var (
		items []*Artifact
		total int
	)
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTask(ctx, tx, taskID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE task_id = ?`, taskID).Scan(&total); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计产物失败")
		}
		var err error
		items, err = queryRows(ctx, tx, scanArtifact, `SELECT `+artifactColumns+` FROM artifacts WHERE task_id = ? ORDER BY seq LIMIT ? OFFSET ?`, taskID, opts.Limit, opts.Offset)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// readTx 在只读事务中执行 fn，保证总数与分页结果来自同一快照。
func (s *MySQLStore) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启只读事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交只读事务失败")
	}
	return nil
}

func (s *MySQLStore) ensureTask(ctx context.Context, tx *sql.Tx, taskID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, taskID).Scan(&exists)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return taskNotFound(taskID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return nil
}

func (s *MySQLStore) mapWriteError(err error, taskID, message string) error {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDuplicate:
			return xerrors.Wrap(CodeTaskConflict, err, "标识已存在")
		case mysqlErrNoReference:
			return taskNotFound(taskID)
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func queryRows[T any](ctx context.Context, tx *sql.Tx, scan func(rowScanner) (*T, error), query string, args ...any) ([]*T, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询失败")
	}
	defer rows.Close()

	items := make([]*T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记录失败")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记录失败")
	}
	return items, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task       Task
		additional []byte
		created    int64
		modified   int64
	)
	if err := row.Scan(&task.TaskID, &task.Input, &additional, &created, &modified); err != nil {
		return nil, err
	}
	task.AdditionalInput = rawJSON(additional)
	task.CreatedAt = fromMillis(created)
	task.ModifiedAt = fromMillis(modified)
	task.Steps = make([]*Step, 0)
	task.Artifacts = make([]*Artifact, 0)
	return &task, nil
}

func scanStep(row rowScanner) (*Step, error) {
	var (
		step             Step
		status           string
		output           sql.NullString
		additionalInput  []byte
		additionalOutput []byte
		created          int64
		modified         int64
	)
	if err := row.Scan(&step.TaskID, &step.StepID, &step.Name, &step.Input, &additionalInput, &status,
		&output, &additionalOutput, &step.IsLast, &created, &modified); err != nil {
		return nil, err
	}
	step.Status = StepStatus(status)
	step.Output = output.String
	step.AdditionalInput = rawJSON(additionalInput)
	step.AdditionalOutput = rawJSON(additionalOutput)
	step.CreatedAt = fromMillis(created)
	step.ModifiedAt = fromMillis(modified)
	step.Artifacts = make([]*Artifact, 0)
	return &step, nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		artifact Artifact
		created  int64
	)
	if err := row.Scan(&artifact.ArtifactID, &artifact.TaskID, &artifact.StepID, &artifact.FileName,
		&artifact.URI, &artifact.AgentCreated, &created); err != nil {
		return nil, err
	}
	artifact.CreatedAt = fromMillis(created)
	return &artifact, nil
}

func attachArtifacts(steps []*Step, artifacts []*Artifact) {
	byStep := make(map[string]*Step, len(steps))
	for _, step := range steps {
		byStep[step.StepID] = step
	}
	for _, artifact := range artifacts {
		if step, ok := byStep[artifact.StepID]; ok && artifact.StepID != "" {
			copied := *artifact
			step.Artifacts = append(step.Artifacts, &copied)
		}
	}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawJSON(value []byte) json.RawMessage {
	if len(value) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), value...)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
