package catalog

import (
	"context"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/isdmx/consolebox/sandbox"
)

const relationTypeName = "consolebox.relation"

// binding is the per-execution view of the catalog: one gorm session on
// one leased connection.
type binding struct {
	catalog *Catalog
	db      *gorm.DB
}

// Relation is a lazily evaluated query over one model. Chaining methods
// return a new Relation; the receiver is never modified.
type Relation struct {
	b      *binding
	model  Model
	conds  []clause.Expression
	orders []clause.OrderByColumn
	limit  int
	offset int
}

func newRelation(b *binding, m Model) *Relation {
	return &Relation{b: b, model: m, limit: -1, offset: -1}
}

func (r *Relation) clone() *Relation {
	out := *r
	out.conds = append([]clause.Expression(nil), r.conds...)
	out.orders = append([]clause.OrderByColumn(nil), r.orders...)
	return &out
}

func (r *Relation) String() string {
	if len(r.conds) == 0 && len(r.orders) == 0 && r.limit < 0 && r.offset < 0 {
		return r.model.Name
	}
	return fmt.Sprintf("<%s relation>", r.model.Name)
}

// filtered applies the conditions only.
func (r *Relation) filtered(ctx context.Context) *gorm.DB {
	q := r.b.db.WithContext(ctx).Table(r.model.Table)
	for _, c := range r.conds {
		q = q.Where(c)
	}
	return q
}

// scoped applies conditions, ordering, limit and offset. A positive cap
// further bounds the limit.
func (r *Relation) scoped(ctx context.Context, limitCap int) *gorm.DB {
	q := r.filtered(ctx)
	for _, o := range r.orders {
		q = q.Order(o)
	}
	limit := r.limit
	if limitCap > 0 && (limit < 0 || limitCap < limit) {
		limit = limitCap
	}
	if limit >= 0 {
		q = q.Limit(limit)
	}
	if r.offset >= 0 {
		q = q.Offset(r.offset)
	}
	return q
}

func (r *Relation) rows(ctx context.Context, limitCap int) ([]map[string]any, error) {
	var rows []map[string]any
	if err := r.scoped(ctx, limitCap).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying %s: %w", r.model.Name, err)
	}
	return rows, nil
}

// Materialize loads at most limit rows into a Lua list of row tables.
func (r *Relation) Materialize(ctx context.Context, L *lua.LState, limit int) (*lua.LTable, error) {
	rows, err := r.rows(ctx, limit)
	if err != nil {
		return nil, err
	}
	return rowsTable(L, rows), nil
}

func rowsTable(L *lua.LState, rows []map[string]any) *lua.LTable {
	t := L.CreateTable(len(rows), 0)
	for _, row := range rows {
		t.Append(sandbox.ToLua(L, normalizeRow(row)))
	}
	return t
}

func normalizeRow(row map[string]any) map[string]any {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row
}

// checkRelation returns the relation held by the userdata at n.
func checkRelation(L *lua.LState, n int) *Relation {
	ud := L.CheckUserData(n)
	if r, ok := ud.Value.(*Relation); ok {
		return r
	}
	L.ArgError(n, "relation expected")
	return nil
}

func pushRelation(L *lua.LState, r *Relation) {
	ud := L.NewUserData()
	ud.Value = r
	L.SetMetatable(ud, L.GetTypeMetatable(relationTypeName))
	L.Push(ud)
}

type method func(L *lua.LState, r *Relation, args []lua.LValue) int

func ctxOf(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// index resolves relation.name to a bound function. Both relation.fn(...)
// and relation:fn(...) call forms are accepted.
func (b *binding) index(L *lua.LState) int {
	ud := L.CheckUserData(1)
	r := checkRelation(L, 1)
	name := L.CheckString(2)

	m, ok := methods[name]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(L.NewFunction(func(L *lua.LState) int {
		args := make([]lua.LValue, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			args = append(args, L.Get(i))
		}
		if len(args) > 0 && args[0] == lua.LValue(ud) {
			args = args[1:]
		}
		if mutations[name] && sandbox.OptionsFromContext(ctxOf(L)).SafeMode {
			L.RaiseError("%s.%s is not allowed in safe mode", r.model.Name, name)
		}
		return m(L, r, args)
	}))
	return 1
}

var methods map[string]method

func init() {
	methods = map[string]method{
		// chaining
		"where":  where,
		"order":  order,
		"limit":  limitRows,
		"offset": offsetRows,
		"all":    all,

		// terminal reads
		"count":    count,
		"first":    first,
		"last":     last,
		"find":     find,
		"find_by":  findBy,
		"pluck":    pluck,
		"ids":      ids,
		"exists":   exists,
		"sum":      aggregate("SUM"),
		"average":  aggregate("AVG"),
		"minimum":  aggregate("MIN"),
		"maximum":  aggregate("MAX"),
		"columns":  columns,
		"to_table": toTable,

		// mutations
		"create":      create,
		"update":      update(false),
		"update_all":  update(true),
		"delete":      remove(false),
		"destroy":     remove(false),
		"delete_all":  remove(true),
		"destroy_all": remove(true),
	}
}

var mutations = map[string]bool{
	"create":      true,
	"update":      true,
	"update_all":  true,
	"delete":      true,
	"destroy":     true,
	"delete_all":  true,
	"destroy_all": true,
}

func arg(args []lua.LValue, i int) lua.LValue {
	if i < len(args) {
		return args[i]
	}
	return lua.LNil
}

func column(L *lua.LState, args []lua.LValue, i int) string {
	s, ok := arg(args, i).(lua.LString)
	if !ok || !identifier.MatchString(string(s)) {
		L.RaiseError("column name expected as argument %d", i+1)
	}
	return string(s)
}

func integer(L *lua.LState, args []lua.LValue, i int) int {
	n, ok := arg(args, i).(lua.LNumber)
	if !ok || n < 0 {
		L.RaiseError("non-negative number expected as argument %d", i+1)
	}
	return int(n)
}

func attributes(L *lua.LState, args []lua.LValue, i int) map[string]any {
	t, ok := arg(args, i).(*lua.LTable)
	if !ok {
		L.RaiseError("attribute table expected as argument %d", i+1)
	}
	attrs := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok || !identifier.MatchString(string(key)) {
			L.RaiseError("invalid attribute name: %s", k.String())
		}
		attrs[string(key)] = sandbox.FromLua(v)
	})
	if len(attrs) == 0 {
		L.RaiseError("attribute table is empty")
	}
	return attrs
}

func eq(col string, value any) clause.Expression {
	if list, ok := value.([]any); ok {
		return clause.IN{Column: clause.Column{Name: col}, Values: list}
	}
	return clause.Eq{Column: clause.Column{Name: col}, Value: value}
}

// where(column, value) or where({column = value, ...}). A list value
// matches any of its elements.
func where(L *lua.LState, r *Relation, args []lua.LValue) int {
	out := r.clone()
	if _, ok := arg(args, 0).(*lua.LTable); ok {
		attrs := attributes(L, args, 0)
		cols := make([]string, 0, len(attrs))
		for col := range attrs {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			out.conds = append(out.conds, eq(col, attrs[col]))
		}
	} else {
		out.conds = append(out.conds, eq(column(L, args, 0), sandbox.FromLua(arg(args, 1))))
	}
	pushRelation(L, out)
	return 1
}

// order(column [, "desc"])
func order(L *lua.LState, r *Relation, args []lua.LValue) int {
	col := column(L, args, 0)
	desc := false
	switch dir := arg(args, 1).(type) {
	case *lua.LNilType:
	case lua.LString:
		switch dir {
		case "asc":
		case "desc":
			desc = true
		default:
			L.RaiseError("order direction must be \"asc\" or \"desc\"")
		}
	default:
		L.RaiseError("order direction must be a string")
	}
	out := r.clone()
	out.orders = append(out.orders, clause.OrderByColumn{Column: clause.Column{Name: col}, Desc: desc})
	pushRelation(L, out)
	return 1
}

func limitRows(L *lua.LState, r *Relation, args []lua.LValue) int {
	out := r.clone()
	out.limit = integer(L, args, 0)
	pushRelation(L, out)
	return 1
}

func offsetRows(L *lua.LState, r *Relation, args []lua.LValue) int {
	out := r.clone()
	out.offset = integer(L, args, 0)
	pushRelation(L, out)
	return 1
}

// all returns the relation itself; it is loaded when returned or iterated
// through to_table.
func all(L *lua.LState, r *Relation, _ []lua.LValue) int {
	pushRelation(L, r.clone())
	return 1
}

func toTable(L *lua.LState, r *Relation, _ []lua.LValue) int {
	rows, err := r.rows(ctxOf(L), 0)
	if err != nil {
		L.RaiseError("%v", err)
	}
	L.Push(rowsTable(L, rows))
	return 1
}

func count(L *lua.LState, r *Relation, _ []lua.LValue) int {
	var n int64
	if err := r.filtered(ctxOf(L)).Count(&n).Error; err != nil {
		L.RaiseError("counting %s: %v", r.model.Name, err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (r *Relation) single(L *lua.LState, reverse bool) lua.LValue {
	q := r.clone()
	if len(q.orders) == 0 {
		if !r.b.catalog.hasID(r.b.db.WithContext(ctxOf(L)), r.model.Table) {
			if reverse {
				L.RaiseError("%s has no id column; use order() before last()", r.model.Name)
			}
		} else {
			q.orders = []clause.OrderByColumn{{Column: clause.Column{Name: "id"}}}
		}
	}
	if reverse {
		for i := range q.orders {
			q.orders[i].Desc = !q.orders[i].Desc
		}
	}
	q.limit = 1

	rows, err := q.rows(ctxOf(L), 0)
	if err != nil {
		L.RaiseError("%v", err)
	}
	if len(rows) == 0 {
		return lua.LNil
	}
	return sandbox.ToLua(L, normalizeRow(rows[0]))
}

func first(L *lua.LState, r *Relation, _ []lua.LValue) int {
	L.Push(r.single(L, false))
	return 1
}

func last(L *lua.LState, r *Relation, _ []lua.LValue) int {
	L.Push(r.single(L, true))
	return 1
}

func find(L *lua.LState, r *Relation, args []lua.LValue) int {
	q := r.clone()
	q.conds = append(q.conds, eq("id", sandbox.FromLua(arg(args, 0))))
	L.Push(q.single(L, false))
	return 1
}

func findBy(L *lua.LState, r *Relation, args []lua.LValue) int {
	q := r.clone()
	q.conds = append(q.conds, eq(column(L, args, 0), sandbox.FromLua(arg(args, 1))))
	L.Push(q.single(L, false))
	return 1
}

func (r *Relation) pluck(L *lua.LState, col string) *lua.LTable {
	var rows []map[string]any
	if err := r.scoped(ctxOf(L), 0).Select("?", clause.Column{Name: col}).Find(&rows).Error; err != nil {
		L.RaiseError("plucking %s.%s: %v", r.model.Name, col, err)
	}
	t := L.CreateTable(len(rows), 0)
	for _, row := range rows {
		t.Append(sandbox.ToLua(L, normalizeRow(row)[col]))
	}
	return t
}

func pluck(L *lua.LState, r *Relation, args []lua.LValue) int {
	L.Push(r.pluck(L, column(L, args, 0)))
	return 1
}

func ids(L *lua.LState, r *Relation, _ []lua.LValue) int {
	L.Push(r.pluck(L, "id"))
	return 1
}

func exists(L *lua.LState, r *Relation, _ []lua.LValue) int {
	var rows []map[string]any
	if err := r.filtered(ctxOf(L)).Select("1 AS present").Limit(1).Find(&rows).Error; err != nil {
		L.RaiseError("querying %s: %v", r.model.Name, err)
	}
	L.Push(lua.LBool(len(rows) > 0))
	return 1
}

func aggregate(fn string) method {
	return func(L *lua.LState, r *Relation, args []lua.LValue) int {
		col := column(L, args, 0)
		var v any
		row := r.filtered(ctxOf(L)).Select(fn+"(?)", clause.Column{Name: col}).Row()
		if err := row.Scan(&v); err != nil {
			L.RaiseError("%s of %s.%s: %v", fn, r.model.Name, col, err)
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		L.Push(sandbox.ToLua(L, v))
		return 1
	}
}

func columns(L *lua.LState, r *Relation, _ []lua.LValue) int {
	info, err := describe(r.b.db.WithContext(ctxOf(L)), r.model)
	if err != nil {
		L.RaiseError("%v", err)
	}
	t := L.CreateTable(len(info.Columns), 0)
	for _, c := range info.Columns {
		t.Append(lua.LString(c.Name))
	}
	L.Push(t)
	return 1
}

func create(L *lua.LState, r *Relation, args []lua.LValue) int {
	attrs := attributes(L, args, 0)
	if err := r.b.db.WithContext(ctxOf(L)).Table(r.model.Table).Create(attrs).Error; err != nil {
		L.RaiseError("creating %s: %v", r.model.Name, err)
	}
	L.Push(sandbox.ToLua(L, attrs))
	return 1
}

// update(attrs) needs at least one condition; update_all(attrs) does not.
func update(global bool) method {
	return func(L *lua.LState, r *Relation, args []lua.LValue) int {
		attrs := attributes(L, args, 0)
		q := r.filtered(ctxOf(L))
		if global {
			q = q.Session(&gorm.Session{AllowGlobalUpdate: true})
		} else if len(r.conds) == 0 {
			L.RaiseError("update on %s requires a where condition; use update_all", r.model.Name)
		}
		res := q.Updates(attrs)
		if res.Error != nil {
			L.RaiseError("updating %s: %v", r.model.Name, res.Error)
		}
		L.Push(lua.LNumber(res.RowsAffected))
		return 1
	}
}

// delete() needs at least one condition; delete_all() does not.
func remove(global bool) method {
	return func(L *lua.LState, r *Relation, _ []lua.LValue) int {
		q := r.filtered(ctxOf(L))
		if global {
			q = q.Session(&gorm.Session{AllowGlobalUpdate: true})
		} else if len(r.conds) == 0 {
			L.RaiseError("delete on %s requires a where condition; use delete_all", r.model.Name)
		}
		res := q.Delete(map[string]any{})
		if res.Error != nil {
			L.RaiseError("deleting %s: %v", r.model.Name, res.Error)
		}
		L.Push(lua.LNumber(res.RowsAffected))
		return 1
	}
}
