package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/isdmx/consolebox/pool"
	"github.com/isdmx/consolebox/sandbox"
	"github.com/isdmx/consolebox/sandbox/capture"
)

type widget struct {
	ID    uint `gorm:"primaryKey"`
	Name  string
	Price float64
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&widget{}))
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, db.Create(&widget{Name: name, Price: float64(i + 1)}).Error)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(openTestDB(t), []Model{{Name: "Widget", Table: "widgets"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func bindScope(c *Catalog) sandbox.Scope {
	return sandbox.ScopeFunc(func(ctx context.Context, fn func(context.Context, []sandbox.Capability) error) error {
		return fn(ctx, []sandbox.Capability{c.Bind(ctx, nil)})
	})
}

func newTestExecutor(t *testing.T, maxResults int) *sandbox.Executor {
	t.Helper()
	var stdout, stderr *os.File
	return sandbox.NewExecutor(zaptest.NewLogger(t), &sandbox.Config{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		MaxResults:     maxResults,
	}, sandbox.WithRedirector(capture.NewRedirector(&stdout, &stderr)), sandbox.WithPassthrough(&bytes.Buffer{}))
}

func run(t *testing.T, exec *sandbox.Executor, scope sandbox.Scope, snippet string) *sandbox.Result {
	t.Helper()
	result, err := exec.Execute(context.Background(), snippet, sandbox.Options{CaptureOutput: true}, scope)
	require.NoError(t, err)
	return result
}

func TestNew(t *testing.T) {
	db := openTestDB(t)

	t.Run("InvalidName", func(t *testing.T) {
		_, err := New(db, []Model{{Name: "my-model", Table: "widgets"}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid model name")
	})

	t.Run("MissingTable", func(t *testing.T) {
		_, err := New(db, []Model{{Name: "Widget"}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "table is required")
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := New(db, []Model{{Name: "Widget", Table: "widgets"}, {Name: "Widget", Table: "w"}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate model")
	})

	t.Run("NilDB", func(t *testing.T) {
		_, err := New(nil, nil, nil)
		require.Error(t, err)
	})

	t.Run("Names", func(t *testing.T) {
		c, err := New(db, []Model{{Name: "Zed", Table: "widgets"}, {Name: "Widget", Table: "widgets"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"Widget", "Zed"}, c.Names())
		m, ok := c.Lookup("Zed")
		assert.True(t, ok)
		assert.Equal(t, "widgets", m.Table)
		_, ok = c.Lookup("Nope")
		assert.False(t, ok)
	})
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(DatabaseConfig{Driver: "oracle"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")

	_, err = Open(DatabaseConfig{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestRelationReads(t *testing.T) {
	c := newTestCatalog(t)
	exec := newTestExecutor(t, 10)
	scope := bindScope(c)

	tests := []struct {
		snippet  string
		expected string
	}{
		{"Widget.count()", "5"},
		{"Widget:count()", "5"},
		{"Widget.where('name', 'b').count()", "1"},
		{"Widget.where('name', {'a', 'b'}).count()", "2"},
		{"Widget.where({name = 'c'}).count()", "1"},
		{"Widget.order('price', 'desc').first().name", `"e"`},
		{"Widget.first().name", `"a"`},
		{"Widget.last().id", "5"},
		{"Widget.find(2).name", `"b"`},
		{"Widget.find(99)", "nil"},
		{"Widget.find_by('name', 'c').id", "3"},
		{"Widget.order('id').pluck('name')", `{"a", "b", "c", "d", "e"}`},
		{"Widget.ids()", "{1, 2, 3, 4, 5}"},
		{"Widget.exists()", "true"},
		{"Widget.where('name', 'zz').exists()", "false"},
		{"Widget.sum('price')", "15"},
		{"Widget.average('price')", "3"},
		{"Widget.minimum('price')", "1"},
		{"Widget.maximum('price')", "5"},
		{"Widget.where('id', 1)", `{{id = 1, name = "a", price = 1}}`},
		{"Widget.order('id').offset(3).limit(1).all()", `{{id = 4, name = "d", price = 4}}`},
		{"#Widget.where('price', {1, 2}).to_table()", "2"},
		{"tostring(Widget)", `"Widget"`},
		{"tostring(Widget.where('id', 1))", `"<Widget relation>"`},
	}

	for _, tt := range tests {
		t.Run(tt.snippet, func(t *testing.T) {
			result := run(t, exec, scope, tt.snippet)
			require.True(t, result.Success, "error: %+v", result.Error)
			assert.Equal(t, tt.expected, *result.ReturnValue)
		})
	}
}

func TestRelationTruncation(t *testing.T) {
	c := newTestCatalog(t)
	exec := newTestExecutor(t, 3)
	scope := bindScope(c)

	result := run(t, exec, scope, "Widget")
	require.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.Equal(t, `{{id = 1, name = "a", price = 1}, {id = 2, name = "b", price = 2}, {id = 3, name = "c", price = 3}}`, *result.ReturnValue)

	result = run(t, exec, scope, "Widget.limit(2)")
	require.True(t, result.Success)
	assert.False(t, result.Truncated)
}

func TestRelationErrors(t *testing.T) {
	c := newTestCatalog(t)
	exec := newTestExecutor(t, 10)
	scope := bindScope(c)

	for snippet, msg := range map[string]string{
		"Widget.frobnicate()":             "attempt to call",
		"Widget.where(1, 2)":              "column name expected",
		"Widget.order('id', 'sideways')":  "order direction",
		"Widget.limit(-1)":                "non-negative number",
		"Widget.delete()":                 "requires a where condition",
		"Widget.update({price = 1})":      "requires a where condition",
		"Widget.where('nope', 1).count()": "counting Widget",
		"Widget.create({})":               "attribute table is empty",
		"Widget.sum('bad name')":          "column name expected",
	} {
		t.Run(snippet, func(t *testing.T) {
			result := run(t, exec, scope, snippet)
			assert.False(t, result.Success)
			require.NotNil(t, result.Error)
			assert.Equal(t, sandbox.KindExecution, result.Error.Kind)
			assert.Contains(t, result.Error.Message, msg)
		})
	}
}

func TestRelationMutations(t *testing.T) {
	c := newTestCatalog(t)
	exec := newTestExecutor(t, 10)
	scope := bindScope(c)

	steps := []struct {
		snippet  string
		expected string
	}{
		{"Widget.create({name = 'f', price = 6}).name", `"f"`},
		{"Widget.count()", "6"},
		{"Widget.where('name', 'f').update({price = 60})", "1"},
		{"Widget.find_by('name', 'f').price", "60"},
		{"Widget.where('name', 'f').delete()", "1"},
		{"Widget.update_all({price = 0})", "5"},
		{"Widget.sum('price')", "0"},
		{"Widget.destroy_all()", "5"},
		{"Widget.count()", "0"},
	}

	for _, step := range steps {
		result := run(t, exec, scope, step.snippet)
		require.True(t, result.Success, "%s: %+v", step.snippet, result.Error)
		assert.Equal(t, step.expected, *result.ReturnValue, step.snippet)
	}
}

func TestRelationMutationsInSafeMode(t *testing.T) {
	c := newTestCatalog(t)
	exec := newTestExecutor(t, 10)
	scope := bindScope(c)
	safe := sandbox.Options{SafeMode: true, CaptureOutput: true}

	for _, snippet := range []string{
		`return Widget["dele".."te_all"](), Widget.count()`,
		"Widget.create({name = 'z'})",
		"Widget:where('name', 'a'):update({price = 9})",
	} {
		t.Run(snippet, func(t *testing.T) {
			result, err := exec.Execute(context.Background(), snippet, safe, scope)
			require.NoError(t, err)
			assert.False(t, result.Success)
			require.NotNil(t, result.Error)
			assert.Contains(t, result.Error.Message, "is not allowed in safe mode")
		})
	}

	result, err := exec.Execute(context.Background(), "Widget.count()", safe, scope)
	require.NoError(t, err)
	require.True(t, result.Success, "error: %+v", result.Error)
	assert.Equal(t, "5", *result.ReturnValue)
}

func TestDescribe(t *testing.T) {
	c := newTestCatalog(t)

	info, err := c.Describe(context.Background(), "Widget")
	require.NoError(t, err)
	assert.Equal(t, "widgets", info.Table)

	names := make([]string, 0, len(info.Columns))
	for _, col := range info.Columns {
		names = append(names, col.Name)
		if col.Name == "id" {
			assert.True(t, col.PrimaryKey)
		}
	}
	assert.ElementsMatch(t, []string{"id", "name", "price"}, names)

	_, err = c.Describe(context.Background(), "Gadget")
	require.ErrorIs(t, err, ErrUnknownModel)

	missing, err := New(c.DB(), []Model{{Name: "Ghost", Table: "ghosts"}}, nil)
	require.NoError(t, err)
	_, err = missing.Describe(context.Background(), "Ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestPooledConnections(t *testing.T) {
	c := newTestCatalog(t)
	sqlDB, err := c.DB().DB()
	require.NoError(t, err)

	p, err := pool.New[*sql.Conn](pool.Config{Capacity: 2}, ConnFactory{DB: sqlDB},
		pool.WithCompaction(pool.Always(), IdleCompactor{DB: sqlDB}))
	require.NoError(t, err)

	exec := newTestExecutor(t, 10)
	scope := sandbox.ScopeFunc(func(ctx context.Context, fn func(context.Context, []sandbox.Capability) error) error {
		return pool.WithScope(ctx, p, func(h *pool.Handle[*sql.Conn]) error {
			return fn(ctx, []sandbox.Capability{c.Bind(ctx, h.Value())})
		})
	})

	result := run(t, exec, scope, "Widget.count()")
	require.True(t, result.Success, "error: %+v", result.Error)
	assert.Equal(t, "5", *result.ReturnValue)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, int64(1), stats.Acquired)
	assert.Equal(t, int64(1), stats.Released)
}

func TestColumnsUseLeasedConnection(t *testing.T) {
	c := newTestCatalog(t)
	sqlDB, err := c.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	p, err := pool.New[*sql.Conn](pool.Config{Capacity: 1}, ConnFactory{DB: sqlDB})
	require.NoError(t, err)

	exec := newTestExecutor(t, 10)
	scope := sandbox.ScopeFunc(func(ctx context.Context, fn func(context.Context, []sandbox.Capability) error) error {
		return pool.WithScope(ctx, p, func(h *pool.Handle[*sql.Conn]) error {
			return fn(ctx, []sandbox.Capability{c.Bind(ctx, h.Value())})
		})
	})

	for snippet, expected := range map[string]string{
		"Widget.count()":      "5",
		"#Widget.columns()":   "3",
		"Widget.last().name":  `"e"`,
		"Widget:columns()[1]": `"id"`,
	} {
		result, err := exec.Execute(context.Background(), snippet, sandbox.Options{Timeout: time.Second, CaptureOutput: true}, scope)
		require.NoError(t, err, snippet)
		require.True(t, result.Success, "%s: %+v", snippet, result.Error)
		assert.Equal(t, expected, *result.ReturnValue, snippet)
	}
}
