package storage

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// fakeTable keeps entities as property maps and versions them with numeric
// ETags. Filters are understood only in the form ListScope produces.
type fakeTable struct {
	mu        sync.Mutex
	rows      map[string]map[string]any
	etags     map[string]int
	updates   int
	submitted [][]aztables.TransactionAction
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string]map[string]any{}, etags: map[string]int{}}
}

var quotedValue = regexp.MustCompile(`'((?:[^']|'')*)'`)

func rowKey(pk, rk string) string { return pk + "\x00" + rk }

func etagOf(n int) azcore.ETag { return azcore.ETag(fmt.Sprintf("W/\"%d\"", n)) }

func respError(status int, code string) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code}
}

func decodeProps(payload []byte) (map[string]any, string, string, error) {
	props := map[string]any{}
	if err := sonic.Unmarshal(payload, &props); err != nil {
		return nil, "", "", err
	}
	pk, _ := props["PartitionKey"].(string)
	rk, _ := props["RowKey"].(string)
	return props, pk, rk, nil
}

func (f *fakeTable) checkETag(key string, ifMatch *azcore.ETag) error {
	if _, ok := f.rows[key]; !ok {
		return respError(http.StatusNotFound, "ResourceNotFound")
	}
	if ifMatch != nil && *ifMatch != azcore.ETagAny && *ifMatch != etagOf(f.etags[key]) {
		return respError(http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
	}
	return nil
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rowKey(pk, rk)
	props, ok := f.rows[key]
	if !ok {
		return aztables.GetEntityResponse{}, respError(http.StatusNotFound, "ResourceNotFound")
	}
	data, err := sonic.Marshal(props)
	if err != nil {
		return aztables.GetEntityResponse{}, err
	}
	return aztables.GetEntityResponse{ETag: etagOf(f.etags[key]), Value: data}, nil
}

func (f *fakeTable) NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	var values []string
	if o != nil && o.Filter != nil {
		for _, m := range quotedValue.FindAllStringSubmatch(*o.Filter, -1) {
			values = append(values, strings.ReplaceAll(m[1], "''", "'"))
		}
	}
	done := false
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return !done },
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			done = true
			f.mu.Lock()
			defer f.mu.Unlock()
			var resp aztables.ListEntitiesResponse
			for key, props := range f.rows {
				if len(values) == 2 && (props["PartitionKey"] != values[0] || props["ScopeKey"] != values[1]) {
					continue
				}
				withETag := map[string]any{"odata.etag": string(etagOf(f.etags[key]))}
				for k, v := range props {
					withETag[k] = v
				}
				data, err := sonic.Marshal(withETag)
				if err != nil {
					return aztables.ListEntitiesResponse{}, err
				}
				resp.Entities = append(resp.Entities, data)
			}
			return resp, nil
		},
	})
}

func (f *fakeTable) AddEntity(_ context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, pk, rk, err := decodeProps(entity)
	if err != nil {
		return aztables.AddEntityResponse{}, err
	}
	key := rowKey(pk, rk)
	if _, exists := f.rows[key]; exists {
		return aztables.AddEntityResponse{}, respError(http.StatusConflict, "EntityAlreadyExists")
	}
	f.rows[key] = props
	f.etags[key] = 1
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(_ context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, pk, rk, err := decodeProps(entity)
	if err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	key := rowKey(pk, rk)
	var ifMatch *azcore.ETag
	if o != nil {
		ifMatch = o.IfMatch
	}
	if err := f.checkETag(key, ifMatch); err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	f.merge(key, props)
	f.updates++
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) merge(key string, props map[string]any) {
	for k, v := range props {
		f.rows[key][k] = v
	}
	f.etags[key]++
}

func (f *fakeTable) DeleteEntity(_ context.Context, pk, rk string, _ *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rowKey(pk, rk)
	if _, ok := f.rows[key]; !ok {
		return aztables.DeleteEntityResponse{}, respError(http.StatusNotFound, "ResourceNotFound")
	}
	delete(f.rows, key)
	delete(f.etags, key)
	return aztables.DeleteEntityResponse{}, nil
}

// SubmitTransaction applies all actions or none.
func (f *fakeTable) SubmitTransaction(_ context.Context, actions []aztables.TransactionAction, _ *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, actions)

	type decoded struct {
		key   string
		props map[string]any
	}
	staged := make([]decoded, len(actions))
	for i, a := range actions {
		props, pk, rk, err := decodeProps(a.Entity)
		if err != nil {
			return aztables.TransactionResponse{}, err
		}
		key := rowKey(pk, rk)
		switch a.ActionType {
		case aztables.TransactionTypeAdd:
			if _, exists := f.rows[key]; exists {
				return aztables.TransactionResponse{}, respError(http.StatusConflict, "EntityAlreadyExists")
			}
		default:
			if err := f.checkETag(key, a.IfMatch); err != nil {
				return aztables.TransactionResponse{}, err
			}
		}
		staged[i] = decoded{key: key, props: props}
	}
	for i, a := range actions {
		d := staged[i]
		switch a.ActionType {
		case aztables.TransactionTypeAdd:
			f.rows[d.key] = d.props
			f.etags[d.key] = 1
		case aztables.TransactionTypeDelete:
			delete(f.rows, d.key)
			delete(f.etags, d.key)
		default:
			f.merge(d.key, d.props)
		}
	}
	return aztables.TransactionResponse{}, nil
}

// bump simulates a concurrent writer touching a row.
func (f *fakeTable) bump(pk, rk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etags[rowKey(pk, rk)]++
}
