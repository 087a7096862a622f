// Package storage persists tasks in Azure Table Storage and caches scope
// listings in Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

// MaxBatchActions is the entity group transaction limit of Table Storage.
const MaxBatchActions = 100

const (
	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"
)

// tableAPI is the subset of *aztables.Client used by TableStore.
type tableAPI interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, o *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// TableStore keeps one entity per task. The partition is the owner, so every
// task an engine operation touches shares a partition and can be written in
// one transaction.
type TableStore struct {
	table tableAPI
}

var (
	_ ordering.Store      = (*TableStore)(nil)
	_ ordering.Transactor = (*TableStore)(nil)
)

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTableStore connects to the tasks table of the given storage account.
func NewTableStore(connStr, tasksTable string) (*TableStore, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	return &TableStore{table: svc.NewClient(tasksTable)}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	ETag              string    `json:"odata.etag,omitempty"`
	ScopeKey          string    `json:"ScopeKey"`
	Status            string    `json:"Status"`
	ParentID          string    `json:"ParentID"`
	Assignee          string    `json:"Assignee"`
	Title             string    `json:"Title"`
	Notes             string    `json:"Notes"`
	PriorityOrder     int64     `json:"PriorityOrder,string"`
	PriorityOrderType string    `json:"PriorityOrder@odata.type"`
	Version           int64     `json:"Version,string"`
	VersionType       string    `json:"Version@odata.type"`
	CreatedAt         time.Time `json:"CreatedAt"`
	CreatedAtType     string    `json:"CreatedAt@odata.type"`
	UpdatedAt         time.Time `json:"UpdatedAt"`
	UpdatedAtType     string    `json:"UpdatedAt@odata.type"`
}

// placementEntity is merged onto a task when it is moved or shifted.
type placementEntity struct {
	entityKeys
	ScopeKey          *string   `json:"ScopeKey,omitempty"`
	Status            *string   `json:"Status,omitempty"`
	ParentID          *string   `json:"ParentID,omitempty"`
	Assignee          *string   `json:"Assignee,omitempty"`
	PriorityOrder     int64     `json:"PriorityOrder,string"`
	PriorityOrderType string    `json:"PriorityOrder@odata.type"`
	Version           int64     `json:"Version,string"`
	VersionType       string    `json:"Version@odata.type"`
	UpdatedAt         time.Time `json:"UpdatedAt"`
	UpdatedAtType     string    `json:"UpdatedAt@odata.type"`
}

func toEntity(t domain.Task) taskEntity {
	return taskEntity{
		entityKeys:        entityKeys{PartitionKey: t.OwnerID, RowKey: t.ID},
		ScopeKey:          t.ScopeKey,
		Status:            string(t.Status),
		ParentID:          t.ParentID,
		Assignee:          t.Assignee,
		Title:             t.Title,
		Notes:             t.Notes,
		PriorityOrder:     t.PriorityOrder,
		PriorityOrderType: edmInt64,
		Version:           t.Version,
		VersionType:       edmInt64,
		CreatedAt:         t.CreatedAt.UTC(),
		CreatedAtType:     edmDateTime,
		UpdatedAt:         t.UpdatedAt.UTC(),
		UpdatedAtType:     edmDateTime,
	}
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:            e.RowKey,
		OwnerID:       e.PartitionKey,
		ScopeKey:      e.ScopeKey,
		Status:        domain.Status(e.Status),
		ParentID:      e.ParentID,
		Assignee:      e.Assignee,
		Title:         e.Title,
		Notes:         e.Notes,
		PriorityOrder: e.PriorityOrder,
		Version:       e.Version,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func decodeEntity(data []byte) (taskEntity, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return taskEntity{}, fmt.Errorf("decode task entity: %w", err)
	}
	return ent, nil
}

// mapError translates service responses into domain errors.
func mapError(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, respErr.ErrorCode)
	case http.StatusPreconditionFailed, http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, respErr.ErrorCode)
	default:
		return err
	}
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (s *TableStore) getEntity(ctx context.Context, ownerID, id string) (taskEntity, error) {
	resp, err := s.table.GetEntity(ctx, ownerID, id, nil)
	if err != nil {
		return taskEntity{}, mapError(err)
	}
	ent, err := decodeEntity(resp.Value)
	if err != nil {
		return taskEntity{}, err
	}
	ent.ETag = string(resp.ETag)
	return ent, nil
}

func (s *TableStore) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	ent, err := s.getEntity(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	return ent.task(), nil
}

func (s *TableStore) listEntities(ctx context.Context, ownerID, scopeKey string) ([]taskEntity, error) {
	filter := "PartitionKey eq " + quote(ownerID) + " and ScopeKey eq " + quote(scopeKey)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []taskEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		for _, raw := range resp.Entities {
			ent, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func (s *TableStore) ListScope(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	ents, err := s.listEntities(ctx, ownerID, scopeKey)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ents))
	for _, ent := range ents {
		tasks = append(tasks, ent.task())
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// ShiftRange updates every covered task conditionally on its ETag. Outside a
// transaction the rows are written one by one and the first failure stops the
// shift.
func (s *TableStore) ShiftRange(ctx context.Context, shift domain.RangeShift) (int, error) {
	return s.shiftRange(ctx, shift, s.merge)
}

func (s *TableStore) shiftRange(ctx context.Context, shift domain.RangeShift, write writeFunc) (int, error) {
	if err := shift.Validate(); err != nil {
		return 0, err
	}
	ents, err := s.listEntities(ctx, shift.OwnerID, shift.ScopeKey)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range ents {
		if !shift.Covers(ent.task()) {
			continue
		}
		upd := placementEntity{
			entityKeys:        ent.entityKeys,
			PriorityOrder:     ent.PriorityOrder + shift.Delta,
			PriorityOrderType: edmInt64,
			Version:           ent.Version + 1,
			VersionType:       edmInt64,
			UpdatedAt:         shift.At.UTC(),
			UpdatedAtType:     edmDateTime,
		}
		if err := write(ctx, upd, azcore.ETag(ent.ETag)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *TableStore) UpdatePlacement(ctx context.Context, p domain.Placement) (domain.Task, error) {
	return s.updatePlacement(ctx, p, s.merge)
}

func (s *TableStore) updatePlacement(ctx context.Context, p domain.Placement, write writeFunc) (domain.Task, error) {
	ent, err := s.getEntity(ctx, p.OwnerID, p.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != ent.Version {
		return domain.Task{}, fmt.Errorf("%w: task %s is at version %d", domain.ErrConcurrencyConflict, p.TaskID, ent.Version)
	}
	task := ent.task()
	p.Apply(&task)
	status := string(task.Status)
	upd := placementEntity{
		entityKeys:        ent.entityKeys,
		ScopeKey:          &task.ScopeKey,
		Status:            &status,
		ParentID:          &task.ParentID,
		Assignee:          &task.Assignee,
		PriorityOrder:     task.PriorityOrder,
		PriorityOrderType: edmInt64,
		Version:           task.Version,
		VersionType:       edmInt64,
		UpdatedAt:         task.UpdatedAt.UTC(),
		UpdatedAtType:     edmDateTime,
	}
	if err := write(ctx, upd, azcore.ETag(ent.ETag)); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

type writeFunc func(ctx context.Context, upd placementEntity, etag azcore.ETag) error

func (s *TableStore) merge(ctx context.Context, upd placementEntity, etag azcore.ETag) error {
	payload, err := sonic.Marshal(upd)
	if err != nil {
		return err
	}
	if etag == "" {
		etag = azcore.ETagAny
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	return mapError(err)
}

func (s *TableStore) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := sonic.Marshal(toEntity(t))
	if err != nil {
		return err
	}
	_, err = s.table.AddEntity(ctx, payload, nil)
	return mapError(err)
}

func (s *TableStore) DeleteTask(ctx context.Context, ownerID, id string) error {
	_, err := s.table.DeleteEntity(ctx, ownerID, id, nil)
	return mapError(err)
}

// WithinTx collects the writes made by fn and submits them as a single entity
// group transaction. Reads inside fn see the state before the transaction.
func (s *TableStore) WithinTx(ctx context.Context, fn func(ordering.Store) error) error {
	tx := &tableTx{store: s, seen: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.actions) == 0 {
		return nil
	}
	if len(tx.actions) > MaxBatchActions {
		return fmt.Errorf("%w: %d writes, limit %d", domain.ErrBatchTooLarge, len(tx.actions), MaxBatchActions)
	}
	_, err := s.table.SubmitTransaction(ctx, tx.actions, nil)
	return mapError(err)
}

type tableTx struct {
	store     *TableStore
	partition string
	actions   []aztables.TransactionAction
	seen      map[string]bool
}

func (tx *tableTx) add(partition, row string, action aztables.TransactionAction) error {
	if tx.partition == "" {
		tx.partition = partition
	}
	if partition != tx.partition {
		return fmt.Errorf("transaction spans partitions %q and %q", tx.partition, partition)
	}
	if tx.seen[row] {
		return fmt.Errorf("task %s written twice in one transaction", row)
	}
	tx.seen[row] = true
	tx.actions = append(tx.actions, action)
	return nil
}

func (tx *tableTx) stage(_ context.Context, upd placementEntity, etag azcore.ETag) error {
	payload, err := sonic.Marshal(upd)
	if err != nil {
		return err
	}
	if etag == "" {
		etag = azcore.ETagAny
	}
	return tx.add(upd.PartitionKey, upd.RowKey, aztables.TransactionAction{
		ActionType: aztables.TransactionTypeUpdateMerge,
		Entity:     payload,
		IfMatch:    &etag,
	})
}

func (tx *tableTx) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return tx.store.GetTask(ctx, ownerID, id)
}

func (tx *tableTx) ListScope(ctx context.Context, ownerID, scopeKey string) ([]domain.Task, error) {
	return tx.store.ListScope(ctx, ownerID, scopeKey)
}

func (tx *tableTx) ShiftRange(ctx context.Context, shift domain.RangeShift) (int, error) {
	return tx.store.shiftRange(ctx, shift, tx.stage)
}

func (tx *tableTx) UpdatePlacement(ctx context.Context, p domain.Placement) (domain.Task, error) {
	return tx.store.updatePlacement(ctx, p, tx.stage)
}

func (tx *tableTx) InsertTask(_ context.Context, t domain.Task) error {
	payload, err := sonic.Marshal(toEntity(t))
	if err != nil {
		return err
	}
	return tx.add(t.OwnerID, t.ID, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
}

func (tx *tableTx) DeleteTask(_ context.Context, ownerID, id string) error {
	payload, err := sonic.Marshal(entityKeys{PartitionKey: ownerID, RowKey: id})
	if err != nil {
		return err
	}
	etag := azcore.ETagAny
	return tx.add(ownerID, id, aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: &etag})
}
