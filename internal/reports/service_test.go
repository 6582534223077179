package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/internal/reports/aggregation"
	"carbon-scribe/analytics-engine/internal/reports/cache"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
)

// MockStore is a mock implementation of the records.Store interface
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Find(ctx context.Context, object string, filter records.Filter, opts records.FindOptions) ([]records.Record, error) {
	args := m.Called(ctx, object, filter, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]records.Record), args.Error(1)
}

var tenantOne = security.Context{UserID: "u1", TenantID: "t1"}

func taskSchema() *records.ObjectSchema {
	return &records.ObjectSchema{
		Name: "tasks",
		Fields: []records.FieldSchema{
			{Name: "id", Type: records.FieldTypeInteger},
			{Name: "owner", Type: records.FieldTypeString},
			{Name: "status", Type: records.FieldTypeString},
			{Name: "age", Type: records.FieldTypeInteger},
			{Name: "tenant_id", Type: records.FieldTypeString},
		},
		TenantField: "tenant_id",
	}
}

func taskRows() []records.Record {
	return []records.Record{
		{"id": 1, "owner": "a", "status": "open", "age": 30, "tenant_id": "t1"},
		{"id": 2, "owner": "a", "status": "closed", "age": 40, "tenant_id": "t1"},
		{"id": 3, "owner": "b", "status": "open", "age": 50, "tenant_id": "t1"},
		{"id": 4, "owner": "c", "status": "open", "age": 60, "tenant_id": "t2"},
	}
}

const openByOwner = `{
	"id": "open-by-owner",
	"name": "Open tasks by owner",
	"category": "operational",
	"format": "json",
	"parameters": [
		{"name": "minAge", "type": "integer", "required": true},
		{"name": "status", "type": "select", "options": ["open", "closed"], "default": "open"}
	],
	"pipeline": {
		"source": "tasks",
		"stages": [
			{"match": {"and": [
				{"field": "status", "op": "eq", "param": "status"},
				{"field": "age", "op": "gte", "param": "minAge"}
			]}},
			{"group": {"by": "owner", "count": true}},
			{"sort": [{"field": "owner"}]}
		]
	},
	"cache_ttl": "10m"
}`

func decodeDefinition(t *testing.T, raw string) *ReportDefinition {
	t.Helper()
	var def ReportDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	return &def
}

func newTestService(t *testing.T, store records.Store, defs ...*ReportDefinition) *Service {
	t.Helper()
	schemas, err := records.NewRegistry(taskSchema())
	require.NoError(t, err)

	engine := aggregation.NewEngine(schemas, store, zap.NewNop())
	results := NewResultCache(cache.Config{DefaultTTL: 5 * time.Minute, MaxEntries: 100})
	t.Cleanup(results.Stop)

	svc := NewService(NewMemoryRepository(), engine, results, zap.NewNop())
	for _, def := range defs {
		require.NoError(t, svc.RegisterReport(context.Background(), def))
	}
	return svc
}

func TestExecuteReportMissingRequiredParameter(t *testing.T) {
	store := new(MockStore)
	svc := newTestService(t, store, decodeDefinition(t, openByOwner))

	_, err := svc.ExecuteReport(context.Background(), "open-by-owner", nil, tenantOne)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	var verr *errdefs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "minAge", verr.Field)
	assert.Equal(t, "missing_parameter", verr.Code)
	store.AssertNotCalled(t, "Find", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteReportScopesAndCaches(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", records.Filter{records.Eq("tenant_id", "t1")}, records.FindOptions{}).
		Return(taskRows(), nil)
	svc := newTestService(t, store, decodeDefinition(t, openByOwner))

	first, err := svc.ExecuteReport(context.Background(), "open-by-owner", map[string]any{"minAge": 0}, tenantOne)
	require.NoError(t, err)

	// t2's row comes back from the store but the implicit scope match drops it.
	assert.Equal(t, []records.Record{
		{"owner": "a", "count": 1},
		{"owner": "b", "count": 1},
	}, first.Rows)
	assert.Equal(t, 2, first.RowCount)
	assert.Equal(t, "application/json", first.ContentType)
	assert.True(t, strings.HasPrefix(first.CacheKey, "open-by-owner:"))
	assert.Equal(t, "open", first.Parameters["status"])

	var payload struct {
		Rows     []map[string]any `json:"rows"`
		RowCount int              `json:"row_count"`
	}
	require.NoError(t, json.Unmarshal(first.Data, &payload))
	assert.Equal(t, 2, payload.RowCount)

	second, err := svc.ExecuteReport(context.Background(), "open-by-owner", map[string]any{"minAge": 0.0}, tenantOne)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, first.Data, second.Data)
	store.AssertNumberOfCalls(t, "Find", 1)
}

func TestExecuteReportSeparatesScopes(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", mock.Anything, mock.Anything).Return(taskRows(), nil)
	svc := newTestService(t, store, decodeDefinition(t, openByOwner))

	params := map[string]any{"minAge": 0}
	mine, err := svc.ExecuteReport(context.Background(), "open-by-owner", params, tenantOne)
	require.NoError(t, err)
	theirs, err := svc.ExecuteReport(context.Background(), "open-by-owner", params, security.Context{UserID: "u2", TenantID: "t2"})
	require.NoError(t, err)
	all, err := svc.ExecuteReport(context.Background(), "open-by-owner", params, security.System())
	require.NoError(t, err)

	assert.NotEqual(t, mine.CacheKey, theirs.CacheKey)
	assert.Equal(t, []records.Record{{"owner": "c", "count": 1}}, theirs.Rows)
	assert.Equal(t, 3, all.RowCount)
	store.AssertNumberOfCalls(t, "Find", 3)

	_, err = svc.ExecuteReport(context.Background(), "open-by-owner", params, security.Context{})
	assert.True(t, errdefs.IsValidation(err))
}

func TestInvalidateKeepsGeneratedAtMonotonic(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", mock.Anything, mock.Anything).Return(taskRows(), nil)
	svc := newTestService(t, store, decodeDefinition(t, openByOwner))

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	params := map[string]any{"minAge": "35"}
	first, err := svc.ExecuteReport(context.Background(), "open-by-owner", params, tenantOne)
	require.NoError(t, err)
	assert.Equal(t, []records.Record{{"owner": "b", "count": 1}}, first.Rows)

	assert.Equal(t, 1, svc.Invalidate("open-by-owner"))

	clock = clock.Add(-time.Hour)
	second, err := svc.ExecuteReport(context.Background(), "open-by-owner", params, tenantOne)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, second.GeneratedAt.Before(first.GeneratedAt))
	store.AssertNumberOfCalls(t, "Find", 2)
}

func TestGeneratedAtTrackingIsBoundedByCache(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", mock.Anything, mock.Anything).Return(taskRows(), nil)
	svc := newTestService(t, store, decodeDefinition(t, openByOwner))

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	capacity := svc.Cache().Capacity()
	for i := 0; i < capacity*3; i++ {
		_, err := svc.ExecuteReport(context.Background(), "open-by-owner", map[string]any{"minAge": i}, tenantOne)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, svc.Cache().Len(), capacity)
	svc.mu.Lock()
	tracked := len(svc.lastGenerated)
	svc.mu.Unlock()
	assert.Equal(t, capacity, tracked)

	// the most recent key is still tracked, so a clock step back is clamped
	last := map[string]any{"minAge": capacity*3 - 1}
	first, err := svc.ExecuteReport(context.Background(), "open-by-owner", last, tenantOne)
	require.NoError(t, err)
	svc.Invalidate("open-by-owner")
	clock = clock.Add(-time.Hour)
	second, err := svc.ExecuteReport(context.Background(), "open-by-owner", last, tenantOne)
	require.NoError(t, err)
	assert.False(t, second.GeneratedAt.Before(first.GeneratedAt))
}

func TestExecuteReportOptionalParameterWithoutDefault(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", mock.Anything, mock.Anything).Return(taskRows(), nil)
	def := decodeDefinition(t, `{
		"id": "by-owner",
		"name": "Tasks by owner",
		"parameters": [
			{"name": "maxAge", "type": "integer"},
			{"name": "owners", "type": "string"}
		],
		"pipeline": {
			"source": "tasks",
			"stages": [
				{"match": {"and": [
					{"field": "age", "op": "lte", "param": "maxAge"},
					{"field": "owner", "op": "eq", "param": "owners"}
				]}},
				{"group": {"by": "owner", "count": true}},
				{"sort": [{"field": "owner"}]}
			]
		}
	}`)
	svc := newTestService(t, store, def)

	result, err := svc.ExecuteReport(context.Background(), "by-owner", nil, tenantOne)
	require.NoError(t, err)
	assert.Equal(t, []records.Record{{"owner": "a", "count": 2}, {"owner": "b", "count": 1}}, result.Rows)

	result, err = svc.ExecuteReport(context.Background(), "by-owner", map[string]any{"maxAge": 35}, tenantOne)
	require.NoError(t, err)
	assert.Equal(t, []records.Record{{"owner": "a", "count": 1}}, result.Rows)
}

func TestExecuteReportStoreFailure(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
	svc := newTestService(t, store, decodeDefinition(t, openByOwner))

	_, err := svc.ExecuteReport(context.Background(), "open-by-owner", map[string]any{"minAge": 1}, tenantOne)
	require.Error(t, err)
	assert.True(t, errdefs.IsExecution(err))
	assert.Equal(t, 0, svc.Cache().Len())
}

func TestExecuteReportUnknownID(t *testing.T) {
	svc := newTestService(t, new(MockStore))

	_, err := svc.ExecuteReport(context.Background(), "missing", nil, tenantOne)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestExecuteReportRendersCSV(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", mock.Anything, mock.Anything).Return(taskRows(), nil)

	def := decodeDefinition(t, openByOwner)
	def.ID = "open-by-owner-csv"
	def.Format = export.FormatCSV
	def.Columns = []string{"owner", "count"}
	def.Labels = map[string]string{"owner": "Owner", "count": "Open"}
	svc := newTestService(t, store, def)

	result, err := svc.ExecuteReport(context.Background(), def.ID, map[string]any{"minAge": 0}, tenantOne)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", result.ContentType)
	assert.Equal(t, "Owner,Open\na,1\nb,1\n", string(result.Data))
	assert.True(t, strings.HasSuffix(result.Filename(), ".csv"))
}

func TestExecuteReportFormatOverride(t *testing.T) {
	store := new(MockStore)
	store.On("Find", mock.Anything, "tasks", mock.Anything, mock.Anything).Return(taskRows(), nil)
	svc := newTestService(t, store, decodeDefinition(t, openByOwner))
	params := map[string]any{"minAge": 0}

	asJSON, err := svc.ExecuteReport(context.Background(), "open-by-owner", params, tenantOne)
	require.NoError(t, err)
	asCSV, err := svc.ExecuteReport(context.Background(), "open-by-owner", params, tenantOne, WithFormat(export.FormatCSV))
	require.NoError(t, err)

	assert.Equal(t, export.FormatJSON, asJSON.Format)
	assert.Equal(t, export.FormatCSV, asCSV.Format)
	assert.NotEqual(t, asJSON.CacheKey, asCSV.CacheKey)
	store.AssertNumberOfCalls(t, "Find", 2)

	_, err = svc.ExecuteReport(context.Background(), "open-by-owner", params, tenantOne, WithFormat("xml"))
	assert.True(t, errdefs.IsValidation(err))
}

func TestResolveParameters(t *testing.T) {
	def := &ReportDefinition{ID: "r", Parameters: []ReportParameter{
		{Name: "name", Type: ParameterTypeString},
		{Name: "ratio", Type: ParameterTypeNumber, Default: 0.5},
		{Name: "count", Type: ParameterTypeInteger},
		{Name: "active", Type: ParameterTypeBoolean},
		{Name: "since", Type: ParameterTypeDate},
		{Name: "tier", Type: ParameterTypeSelect, Options: []any{"gold", "silver"}},
	}}

	resolved, err := ResolveParameters(def, map[string]any{
		"name":   "x",
		"count":  "12",
		"active": "true",
		"since":  "2024-03-01",
		"tier":   "gold",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":   "x",
		"ratio":  0.5,
		"count":  int64(12),
		"active": true,
		"since":  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		"tier":   "gold",
	}, resolved)

	failures := []struct {
		name   string
		params map[string]any
		code   string
	}{
		{"string gets number", map[string]any{"name": 1}, "type_mismatch"},
		{"number gets bool", map[string]any{"ratio": true}, "type_mismatch"},
		{"integer gets fraction", map[string]any{"count": 1.5}, "type_mismatch"},
		{"integer gets text", map[string]any{"count": "many"}, "type_mismatch"},
		{"boolean gets text", map[string]any{"active": "perhaps"}, "type_mismatch"},
		{"date gets garbage", map[string]any{"since": "yesterday"}, "type_mismatch"},
		{"select outside options", map[string]any{"tier": "bronze"}, "invalid_option"},
		{"unknown parameter", map[string]any{"color": "red"}, "unknown_parameter"},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolveParameters(def, tc.params)
			var verr *errdefs.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.code, verr.Code)
		})
	}
}

func TestValidateDefinition(t *testing.T) {
	svc := newTestService(t, new(MockStore))

	undeclared := decodeDefinition(t, openByOwner)
	undeclared.Parameters = undeclared.Parameters[1:]
	err := svc.ValidateDefinition(undeclared)
	assert.True(t, errdefs.IsValidation(err))
	assert.Contains(t, err.Error(), "minAge")

	unknownField := decodeDefinition(t, openByOwner)
	unknownField.Pipeline.Stages = append(unknownField.Pipeline.Stages,
		&aggregation.SortStage{Keys: []aggregation.SortKey{{Field: "priority"}}})
	err = svc.ValidateDefinition(unknownField)
	assert.True(t, errdefs.IsSchema(err))

	badDefault := decodeDefinition(t, openByOwner)
	badDefault.Parameters[1].Default = "archived"
	assert.True(t, errdefs.IsValidation(svc.ValidateDefinition(badDefault)))

	badFormat := decodeDefinition(t, openByOwner)
	badFormat.Format = "docx"
	assert.True(t, errdefs.IsValidation(svc.ValidateDefinition(badFormat)))

	assert.NoError(t, svc.ValidateDefinition(decodeDefinition(t, openByOwner)))
}

func TestListReportsPaginates(t *testing.T) {
	svc := newTestService(t, new(MockStore))
	for i := 0; i < 25; i++ {
		def := decodeDefinition(t, openByOwner)
		def.ID = fmt.Sprintf("report-%02d", i)
		def.Name = fmt.Sprintf("Report %02d", i)
		if i%5 == 0 {
			def.Category = ReportCategoryFinancial
		}
		require.NoError(t, svc.RegisterReport(context.Background(), def))
	}

	page, err := svc.ListReports(context.Background(), &ListOptions{Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, page.Reports, 5)
	assert.Equal(t, 25, page.TotalCount)
	assert.False(t, page.HasMore)
	assert.Equal(t, "report-20", page.Reports[0].ID)

	page, err = svc.ListReports(context.Background(), &ListOptions{Page: 0, PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 100, page.PageSize)
	assert.Len(t, page.Reports, 25)

	page, err = svc.ListReports(context.Background(), &ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 20, page.PageSize)
	assert.True(t, page.HasMore)

	financial := ReportCategoryFinancial
	page, err = svc.ListReports(context.Background(), &ListOptions{Category: &financial})
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalCount)

	search := "report 1"
	page, err = svc.ListReports(context.Background(), &ListOptions{SearchTerm: &search})
	require.NoError(t, err)
	assert.Equal(t, 10, page.TotalCount)
}

func TestCacheKeyIsStable(t *testing.T) {
	a, err := CacheKey("r", export.FormatJSON, map[string]any{"n": 5, "s": "x"}, tenantOne)
	require.NoError(t, err)
	b, err := CacheKey("r", export.FormatJSON, map[string]any{"s": "x", "n": 5.0}, tenantOne)
	require.NoError(t, err)
	c, err := CacheKey("r", export.FormatJSON, map[string]any{"s": "x", "n": 5}, security.System())
	require.NoError(t, err)
	d, err := CacheKey("r", export.FormatCSV, map[string]any{"n": 5, "s": "x"}, tenantOne)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, strings.TrimPrefix(a, "r:"), 64)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"90s"`), &d))
	assert.Equal(t, Duration(90*time.Second), d)
	require.NoError(t, json.Unmarshal([]byte(`30`), &d))
	assert.Equal(t, Duration(30*time.Second), d)
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	out, err := json.Marshal(Duration(10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"10m0s"`, string(out))
}
