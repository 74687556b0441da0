package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/isdmx/consolebox/sandbox"
)

// ErrUnknownModel is returned for names that are not registered.
var ErrUnknownModel = errors.New("unknown model")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Model maps a Lua global name onto a table.
type Model struct {
	Name  string `json:"name"`
	Table string `json:"table"`
}

// Column describes one column of a model's table.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
}

// ModelInfo is the introspection view of a model.
type ModelInfo struct {
	Model
	Columns []Column `json:"columns"`
}

// Catalog holds the models bound into every execution.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
	models map[string]Model
	names  []string

	idColumns sync.Map // table -> bool
}

// New validates the models and creates a Catalog.
func New(db *gorm.DB, models []Model, logger *zap.Logger) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Catalog{
		db:     db,
		logger: logger,
		models: make(map[string]Model, len(models)),
	}
	for _, m := range models {
		if !identifier.MatchString(m.Name) {
			return nil, fmt.Errorf("invalid model name: %q", m.Name)
		}
		if m.Table == "" {
			return nil, fmt.Errorf("model %s: table is required", m.Name)
		}
		if _, dup := c.models[m.Name]; dup {
			return nil, fmt.Errorf("duplicate model: %s", m.Name)
		}
		c.models[m.Name] = m
		c.names = append(c.names, m.Name)
	}
	sort.Strings(c.names)

	return c, nil
}

// DB returns the underlying database handle.
func (c *Catalog) DB() *gorm.DB {
	return c.db
}

// Names returns the registered model names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Lookup returns the model registered under name.
func (c *Catalog) Lookup(name string) (Model, bool) {
	m, ok := c.models[name]
	return m, ok
}

// Describe lists the columns of a model's table.
func (c *Catalog) Describe(ctx context.Context, name string) (*ModelInfo, error) {
	m, ok := c.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}

	return describe(c.db.WithContext(ctx), m)
}

// describe reads the columns of m's table through db, so a binding can
// introspect on its own leased connection.
func describe(db *gorm.DB, m Model) (*ModelInfo, error) {
	migrator := db.Migrator()
	if !migrator.HasTable(m.Table) {
		return nil, fmt.Errorf("model %s: table %s does not exist", m.Name, m.Table)
	}
	types, err := migrator.ColumnTypes(m.Table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", m.Table, err)
	}

	info := &ModelInfo{Model: m, Columns: make([]Column, 0, len(types))}
	for _, ct := range types {
		col := Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
		if nullable, ok := ct.Nullable(); ok {
			col.Nullable = nullable
		}
		if pk, ok := ct.PrimaryKey(); ok {
			col.PrimaryKey = pk
		}
		info.Columns = append(info.Columns, col)
	}
	return info, nil
}

// hasID reports whether table has an id column. The answer is cached.
func (c *Catalog) hasID(db *gorm.DB, table string) bool {
	if v, ok := c.idColumns.Load(table); ok {
		return v.(bool)
	}
	has := db.Migrator().HasColumn(table, "id")
	c.idColumns.Store(table, has)
	return has
}

// Bind returns a capability installing every model as a Lua global. Queries
// run on conn when it is non-nil and are cancelled with ctx. Mutation
// methods raise an error while the execution runs in safe mode.
func (c *Catalog) Bind(ctx context.Context, conn gorm.ConnPool) sandbox.Capability {
	return sandbox.CapabilityFunc(func(L *lua.LState) error {
		// a Context in the session clones the statement, so replacing its
		// ConnPool does not affect c.db
		db := c.db.Session(&gorm.Session{NewDB: true, Context: ctx})
		if conn != nil {
			db.Statement.ConnPool = conn
		}

		b := &binding{catalog: c, db: db}
		mt := L.NewTypeMetatable(relationTypeName)
		L.SetField(mt, "__index", L.NewFunction(b.index))
		L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LString(checkRelation(L, 1).String()))
			return 1
		}))

		for _, name := range c.names {
			ud := L.NewUserData()
			ud.Value = newRelation(b, c.models[name])
			L.SetMetatable(ud, mt)
			L.SetGlobal(name, ud)
		}
		return nil
	})
}
