package syncx

// The synchronized table set. Every table that participates in push/pull is
// described here: the sink generates upsert SQL from these specs, the push
// handler validates payloads against them, and the schema descriptor feeds
// them into the advertised snapshot.

// ColumnKind is the logical type of a synchronized column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindUUID
	KindMs   // Unix-millisecond timestamp, stored as BIGINT
	KindInt  // plain integer
	KindBool
	KindJSON // embedded JSON value, stored as JSONB
)

// ColumnSpec describes one column of a synchronized table.
type ColumnSpec struct {
	Name     string
	Kind     ColumnKind
	Required bool
	// ServerOnly columns are maintained by the server and never emitted in
	// payloads. Clients may send them; the value is ignored.
	ServerOnly bool
}

// FKSpec describes a foreign-key edge to another synchronized table's id.
type FKSpec struct {
	Column   string
	RefTable string
}

// TableSpec describes a synchronized table.
type TableSpec struct {
	Name        string
	Columns     []ColumnSpec // domain columns; lifecycle columns are implied
	ForeignKeys []FKSpec
	Uniques     [][]string
	// SelfService tables may be written by any authenticated user subject to
	// row ownership; other tables require an explicit edit permission.
	SelfService bool
	// EnumChecks maps a column name to its allowed values.
	EnumChecks map[string][]string
}

// Lifecycle columns carried by every synchronized table, in emission order
// after the domain columns.
var lifecycleColumns = []ColumnSpec{
	{Name: "created_at", Kind: KindMs, Required: true},
	{Name: "updated_at", Kind: KindMs, Required: true},
	{Name: "deleted_at", Kind: KindMs},
	{Name: "sync_status", Kind: KindText},
	{Name: "last_server_seq", Kind: KindInt, ServerOnly: true},
}

var tableSpecs = []TableSpec{
	{
		Name: "entity_types",
		Columns: []ColumnSpec{
			{Name: "code", Kind: KindText, Required: true},
			{Name: "name", Kind: KindText, Required: true},
		},
		Uniques: [][]string{{"code"}},
	},
	{
		Name: "entities",
		Columns: []ColumnSpec{
			{Name: "type_id", Kind: KindUUID, Required: true},
		},
		ForeignKeys: []FKSpec{{Column: "type_id", RefTable: "entity_types"}},
	},
	{
		Name: "attribute_defs",
		Columns: []ColumnSpec{
			{Name: "type_id", Kind: KindUUID, Required: true},
			{Name: "code", Kind: KindText, Required: true},
			{Name: "name", Kind: KindText, Required: true},
			{Name: "data_type", Kind: KindText, Required: true},
			{Name: "is_required", Kind: KindBool, Required: true},
			{Name: "sort_order", Kind: KindInt, Required: true},
			{Name: "meta_json", Kind: KindJSON},
		},
		ForeignKeys: []FKSpec{{Column: "type_id", RefTable: "entity_types"}},
		Uniques:     [][]string{{"type_id", "code"}},
		EnumChecks: map[string][]string{
			"data_type": {"text", "number", "boolean", "date", "json", "link"},
		},
	},
	{
		Name: "attribute_values",
		Columns: []ColumnSpec{
			{Name: "entity_id", Kind: KindUUID, Required: true},
			{Name: "attribute_def_id", Kind: KindUUID, Required: true},
			{Name: "value_json", Kind: KindJSON},
		},
		ForeignKeys: []FKSpec{
			{Column: "attribute_def_id", RefTable: "attribute_defs"},
			{Column: "entity_id", RefTable: "entities"},
		},
		Uniques: [][]string{{"entity_id", "attribute_def_id"}},
	},
	{
		Name: "operations",
		Columns: []ColumnSpec{
			{Name: "engine_entity_id", Kind: KindUUID, Required: true},
			{Name: "operation_type", Kind: KindText, Required: true},
			{Name: "status", Kind: KindText, Required: true},
			{Name: "note", Kind: KindText},
			{Name: "performed_at", Kind: KindMs},
			{Name: "performed_by", Kind: KindText},
			{Name: "meta_json", Kind: KindJSON},
		},
		ForeignKeys: []FKSpec{{Column: "engine_entity_id", RefTable: "entities"}},
	},
	{
		Name: "audit_log",
		Columns: []ColumnSpec{
			{Name: "actor", Kind: KindText, Required: true},
			{Name: "action", Kind: KindText, Required: true},
			{Name: "target_table", Kind: KindText},
			{Name: "target_id", Kind: KindText},
			{Name: "details_json", Kind: KindJSON},
		},
		SelfService: true,
	},
	{
		Name: "chat_messages",
		Columns: []ColumnSpec{
			{Name: "author", Kind: KindText, Required: true},
			{Name: "body", Kind: KindText, Required: true},
			{Name: "sent_at", Kind: KindMs, Required: true},
		},
		SelfService: true,
	},
	{
		Name: "chat_reads",
		Columns: []ColumnSpec{
			{Name: "message_id", Kind: KindUUID, Required: true},
			{Name: "reader", Kind: KindText, Required: true},
			{Name: "read_at", Kind: KindMs, Required: true},
		},
		ForeignKeys: []FKSpec{{Column: "message_id", RefTable: "chat_messages"}},
		Uniques:     [][]string{{"message_id", "reader"}},
		SelfService: true,
	},
	{
		Name: "notes",
		Columns: []ColumnSpec{
			{Name: "author", Kind: KindText, Required: true},
			{Name: "title", Kind: KindText, Required: true},
			{Name: "body", Kind: KindText},
		},
		SelfService: true,
	},
	{
		Name: "note_shares",
		Columns: []ColumnSpec{
			{Name: "note_id", Kind: KindUUID, Required: true},
			{Name: "shared_with", Kind: KindText, Required: true},
		},
		ForeignKeys: []FKSpec{{Column: "note_id", RefTable: "notes"}},
		Uniques:     [][]string{{"note_id", "shared_with"}},
		SelfService: true,
	},
	{
		Name: "user_presence",
		Columns: []ColumnSpec{
			{Name: "username", Kind: KindText, Required: true},
			{Name: "status", Kind: KindText, Required: true},
			{Name: "last_seen_at", Kind: KindMs, Required: true},
		},
		Uniques:     [][]string{{"username"}},
		SelfService: true,
	},
}

var tablesByName = func() map[string]*TableSpec {
	m := make(map[string]*TableSpec, len(tableSpecs))
	for i := range tableSpecs {
		m[tableSpecs[i].Name] = &tableSpecs[i]
	}
	return m
}()

// Table returns the spec for a synchronized table, or nil if the name is not
// part of the synchronized set.
func Table(name string) *TableSpec {
	return tablesByName[name]
}

// TableNames returns the synchronized table names in registry order.
func TableNames() []string {
	names := make([]string, len(tableSpecs))
	for i := range tableSpecs {
		names[i] = tableSpecs[i].Name
	}
	return names
}

// AllColumns returns the full column list of a table: id, domain columns,
// then lifecycle columns. This is the order used for generated SQL.
func (t *TableSpec) AllColumns() []ColumnSpec {
	cols := make([]ColumnSpec, 0, 1+len(t.Columns)+len(lifecycleColumns))
	cols = append(cols, ColumnSpec{Name: "id", Kind: KindUUID, Required: true})
	cols = append(cols, t.Columns...)
	cols = append(cols, lifecycleColumns...)
	return cols
}

// Column looks up a column spec by name within the full column list.
func (t *TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.AllColumns() {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}
