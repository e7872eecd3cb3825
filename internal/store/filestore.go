package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/lock"
	"github.com/arbiterhq/arbiter/internal/model"
	yamlutil "github.com/arbiterhq/arbiter/internal/yaml"
)

// FileStore persists records as schema-versioned YAML documents under a
// single directory, one file per task plus one document per record family.
// Writes go through atomic rename; read-modify-write cycles hold a per-key
// mutex. Cross-process safety is limited to what flock on the daemon gives;
// in-process loops are fully serialized per key.
type FileStore struct {
	dir     string
	lockMap *lock.MutexMap
	logger  *log.Logger
}

type taskRecord struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Task          model.Task `yaml:"task"`
}

type edgeSet struct {
	SchemaVersion int                   `yaml:"schema_version"`
	FileType      string                `yaml:"file_type"`
	Edges         []model.Edge          `yaml:"edges"`
	Unresolved    []model.UnresolvedRef `yaml:"unresolved"`
}

type escalationSet struct {
	SchemaVersion int                `yaml:"schema_version"`
	FileType      string             `yaml:"file_type"`
	Escalations   []model.Escalation `yaml:"escalations"`
}

type decisionSet struct {
	SchemaVersion int              `yaml:"schema_version"`
	FileType      string           `yaml:"file_type"`
	Decisions     []model.Decision `yaml:"decisions"`
}

type ledgerSet struct {
	SchemaVersion int                   `yaml:"schema_version"`
	FileType      string                `yaml:"file_type"`
	Dependencies  []model.DependencyRow `yaml:"dependencies"`
}

type routingCounter struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Date          string `yaml:"date"`
	Sequence      int    `yaml:"sequence"`
}

// NewFileStore opens (creating if needed) a file-backed store rooted at dir.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tasks"), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	return &FileStore{
		dir:     dir,
		lockMap: lock.NewMutexMap(),
		logger:  logger,
	}, nil
}

// TasksDir returns the directory holding task records, for fsnotify watching.
func (s *FileStore) TasksDir() string {
	return filepath.Join(s.dir, "tasks")
}

func (s *FileStore) taskPath(id string) string {
	return filepath.Join(s.dir, "tasks", id+".yaml")
}

func (s *FileStore) PutTask(_ context.Context, task *model.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	key := "task:" + task.ID
	return s.lockMap.WithLock(key, func() error {
		rec := taskRecord{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      "task_record",
			Task:          *task,
		}
		return yamlutil.AtomicWrite(s.taskPath(task.ID), rec)
	})
}

func (s *FileStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is required")
	}
	return s.readTask(id)
}

func (s *FileStore) readTask(id string) (*model.Task, error) {
	content, err := os.ReadFile(s.taskPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}

	var rec taskRecord
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		// Corrupted record: quarantine and report missing rather than
		// failing the whole scan.
		s.logger.Printf("%s WARN filestore: corrupt task record id=%s error=%v",
			time.Now().Format(time.RFC3339), id, err)
		if qerr := yamlutil.RecoverCorruptedFile(s.dir, s.taskPath(id), "task_record"); qerr != nil {
			s.logger.Printf("%s ERROR filestore: recover failed id=%s error=%v",
				time.Now().Format(time.RFC3339), id, qerr)
		}
		return nil, ErrNotFound
	}
	return &rec.Task, nil
}

func (s *FileStore) DeleteTask(_ context.Context, id string) error {
	key := "task:" + id
	return s.lockMap.WithLock(key, func() error {
		err := os.Remove(s.taskPath(id))
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	})
}

func (s *FileStore) ListTasks(_ context.Context, filter ListFilter) ([]model.Task, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "tasks"))
	if err != nil {
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var tasks []model.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		task, err := s.readTask(id)
		if err != nil {
			continue // quarantined or vanished mid-scan
		}
		if filter.Match(task) {
			tasks = append(tasks, *task)
		}
	}
	return tasks, nil
}

func (s *FileStore) CountByStatus(ctx context.Context, agent string) (map[model.Status]int, error) {
	tasks, err := s.ListTasks(ctx, ListFilter{Agent: agent})
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Status]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *FileStore) UpdateTaskIf(_ context.Context, id string, expected model.Status, mutate func(*model.Task) error) error {
	key := "task:" + id
	return s.lockMap.WithLock(key, func() error {
		task, err := s.readTask(id)
		if err != nil {
			return err
		}
		if task.Status != expected {
			return fmt.Errorf("task %s is %s, expected %s: %w",
				id, task.Status, expected, ErrStaleStatus)
		}
		if err := mutate(task); err != nil {
			return err
		}
		task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		rec := taskRecord{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      "task_record",
			Task:          *task,
		}
		return yamlutil.AtomicWrite(s.taskPath(id), rec)
	})
}

func (s *FileStore) NextTaskID(_ context.Context, day time.Time) (string, error) {
	path := filepath.Join(s.dir, "counter.yaml")
	var id string
	err := s.lockMap.WithLock("counter", func() error {
		counter := routingCounter{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      "routing_counter",
		}
		if content, err := os.ReadFile(path); err == nil {
			if err := yamlv3.Unmarshal(content, &counter); err != nil {
				return fmt.Errorf("parse routing counter: %w", err)
			}
		}

		today := day.UTC().Format("20060102")
		if counter.Date != today {
			// Date rollover resets the sequence
			counter.Date = today
			counter.Sequence = 0
		}
		counter.Sequence++
		id = model.FormatReadableID(day, counter.Sequence)
		return yamlutil.AtomicWrite(path, counter)
	})
	return id, err
}

func (s *FileStore) SaveEdges(_ context.Context, edges []model.Edge, unresolved []model.UnresolvedRef) error {
	return s.lockMap.WithLock("edges", func() error {
		set := edgeSet{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      "edge_set",
			Edges:         edges,
			Unresolved:    unresolved,
		}
		return yamlutil.AtomicWrite(filepath.Join(s.dir, "edges.yaml"), set)
	})
}

func (s *FileStore) LoadEdges(_ context.Context) ([]model.Edge, []model.UnresolvedRef, error) {
	content, err := os.ReadFile(filepath.Join(s.dir, "edges.yaml"))
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read edges: %w", err)
	}
	var set edgeSet
	if err := yamlv3.Unmarshal(content, &set); err != nil {
		return nil, nil, fmt.Errorf("parse edges: %w", err)
	}
	return set.Edges, set.Unresolved, nil
}

func (s *FileStore) PutEscalation(_ context.Context, esc *model.Escalation) error {
	path := filepath.Join(s.dir, "escalations.yaml")
	return s.lockMap.WithLock("escalations", func() error {
		set := escalationSet{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      "escalation_record",
		}
		if content, err := os.ReadFile(path); err == nil {
			if err := yamlv3.Unmarshal(content, &set); err != nil {
				return fmt.Errorf("parse escalations: %w", err)
			}
		}
		set.Escalations = append(set.Escalations, *esc)
		return yamlutil.AtomicWrite(path, set)
	})
}

func (s *FileStore) ListEscalations(_ context.Context, taskID string) ([]model.Escalation, error) {
	content, err := os.ReadFile(filepath.Join(s.dir, "escalations.yaml"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read escalations: %w", err)
	}
	var set escalationSet
	if err := yamlv3.Unmarshal(content, &set); err != nil {
		return nil, fmt.Errorf("parse escalations: %w", err)
	}
	if taskID == "" {
		return set.Escalations, nil
	}
	var out []model.Escalation
	for _, e := range set.Escalations {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FileStore) PutDecision(_ context.Context, d *model.Decision) error {
	return s.mutateDecisions(func(set *decisionSet) error {
		set.Decisions = append(set.Decisions, *d)
		return nil
	})
}

func (s *FileStore) GetDecision(_ context.Context, id string) (*model.Decision, error) {
	set, err := s.readDecisions()
	if err != nil {
		return nil, err
	}
	for i := range set.Decisions {
		if set.Decisions[i].ID == id {
			d := set.Decisions[i]
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) UpdateDecision(_ context.Context, d *model.Decision) error {
	return s.mutateDecisions(func(set *decisionSet) error {
		for i := range set.Decisions {
			if set.Decisions[i].ID == d.ID {
				set.Decisions[i] = *d
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *FileStore) readDecisions() (*decisionSet, error) {
	set := &decisionSet{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "decision_record",
	}
	content, err := os.ReadFile(filepath.Join(s.dir, "decisions.yaml"))
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}
	if err := yamlv3.Unmarshal(content, set); err != nil {
		return nil, fmt.Errorf("parse decisions: %w", err)
	}
	return set, nil
}

func (s *FileStore) mutateDecisions(fn func(*decisionSet) error) error {
	return s.lockMap.WithLock("decisions", func() error {
		set, err := s.readDecisions()
		if err != nil {
			return err
		}
		if err := fn(set); err != nil {
			return err
		}
		return yamlutil.AtomicWrite(filepath.Join(s.dir, "decisions.yaml"), set)
	})
}

func (s *FileStore) AddDependency(_ context.Context, row *model.DependencyRow) error {
	return s.mutateLedger(func(set *ledgerSet) error {
		set.Dependencies = append(set.Dependencies, *row)
		return nil
	})
}

func (s *FileStore) ListDependencies(_ context.Context, taskID string) ([]model.DependencyRow, error) {
	set, err := s.readLedger()
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		return set.Dependencies, nil
	}
	var out []model.DependencyRow
	for _, d := range set.Dependencies {
		if d.TaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *FileStore) ResolveDependency(_ context.Context, id string) error {
	return s.mutateLedger(func(set *ledgerSet) error {
		for i := range set.Dependencies {
			if set.Dependencies[i].ID == id {
				now := time.Now().UTC().Format(time.RFC3339)
				set.Dependencies[i].Resolved = true
				set.Dependencies[i].ResolvedAt = &now
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *FileStore) readLedger() (*ledgerSet, error) {
	set := &ledgerSet{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "dependency_ledger",
	}
	content, err := os.ReadFile(filepath.Join(s.dir, "dependencies.yaml"))
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dependency ledger: %w", err)
	}
	if err := yamlv3.Unmarshal(content, set); err != nil {
		return nil, fmt.Errorf("parse dependency ledger: %w", err)
	}
	return set, nil
}

func (s *FileStore) mutateLedger(fn func(*ledgerSet) error) error {
	return s.lockMap.WithLock("ledger", func() error {
		set, err := s.readLedger()
		if err != nil {
			return err
		}
		if err := fn(set); err != nil {
			return err
		}
		return yamlutil.AtomicWrite(filepath.Join(s.dir, "dependencies.yaml"), set)
	})
}

func (s *FileStore) Close() error {
	return nil
}
