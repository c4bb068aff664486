// Package schemadesign implements the database schema design tool: documents
// hold tables, keys, references between tables, and composite key groupings.
package schemadesign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/automerge/automerge-go"

	"collabengine/crdt"
	"collabengine/tool"
)

// ToolType is the registered type identifier.
const ToolType = "schema-design"

// SchemaVersion is stamped into every fresh document's meta map.
const SchemaVersion = 1

// Tool is the schema design tool definition. It implements tool.Definition,
// tool.Validator and tool.Compiler.
type Tool struct{}

// New creates the schema design tool.
func New() *Tool { return &Tool{} }

// Type returns the tool identifier.
func (t *Tool) Type() string { return ToolType }

// SnapshotPolicy returns the snapshot tuning for schema documents.
func (t *Tool) SnapshotPolicy() tool.SnapshotPolicy {
	return tool.SnapshotPolicy{
		MaxUpdates:  100,
		MaxInterval: 30 * time.Second,
	}
}

// InitDocument creates a fresh schema document with its top level maps and
// the current schema version.
func (t *Tool) InitDocument(ctx context.Context) (*crdt.Document, error) {
	doc := crdt.NewDocument()
	err := doc.Update(func(d *automerge.Doc) error {
		for _, key := range []string{"tables", "keys", "references", "compositions"} {
			if err := d.Path(key).Set(map[string]interface{}{}); err != nil {
				return err
			}
		}
		return d.Path("meta", "schemaVersion").Set(SchemaVersion)
	}, nil)
	if err != nil {
		doc.Destroy()
		return nil, fmt.Errorf("init schema document: %w", err)
	}
	return doc, nil
}

// CompiledSchema is the exported form of a schema document, suitable for
// downstream code generation.
type CompiledSchema struct {
	SchemaVersion int64                             `json:"schemaVersion"`
	Tables        map[string]map[string]interface{} `json:"tables"`
	Keys          map[string]map[string]interface{} `json:"keys"`
	References    map[string]map[string]interface{} `json:"references"`
	Compositions  map[string]map[string]interface{} `json:"compositions"`
}

type schemaRoot struct {
	tables       map[string]interface{}
	keys         map[string]interface{}
	references   map[string]interface{}
	compositions map[string]interface{}
	meta         map[string]interface{}
}

func readRoot(doc *crdt.Document) (*schemaRoot, error) {
	root := &schemaRoot{}
	err := doc.Read(func(d *automerge.Doc) error {
		all, err := automerge.As[map[string]interface{}](d.Path().Get())
		if err != nil {
			return err
		}
		root.tables = asObj(all["tables"])
		root.keys = asObj(all["keys"])
		root.references = asObj(all["references"])
		root.compositions = asObj(all["compositions"])
		root.meta = asObj(all["meta"])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

// Validate checks the structural integrity of a schema document: table name
// uniqueness, key to table linkage, reference endpoints, and composition
// membership.
func (t *Tool) Validate(doc *crdt.Document) tool.Result {
	var errs []tool.ValidationError
	push := func(path, msg string) {
		errs = append(errs, tool.ValidationError{Path: path, Message: msg})
	}

	root, err := readRoot(doc)
	if err != nil {
		push("", fmt.Sprintf("read document: %v", err))
		return tool.Result{Valid: false, Errors: errs}
	}

	if _, ok := asNumber(root.meta["schemaVersion"]); !ok {
		push("meta.schemaVersion", "schemaVersion must be a number")
	}
	if root.tables == nil {
		push("tables", "tables map missing")
	}
	if root.keys == nil {
		push("keys", "keys map missing")
	}
	if root.references == nil {
		push("references", "references map missing")
	}
	if root.compositions == nil {
		push("compositions", "compositions map missing")
	}

	tableIDs := make(map[string]bool)
	tableNameToID := make(map[string]string)
	for id, value := range root.tables {
		if id == "" {
			push("tables."+id, "table id must be a non-empty string")
			continue
		}
		tableIDs[id] = true

		table := asObj(value)
		if table == nil {
			push("tables."+id, "table value must be an object")
			continue
		}
		name := asStr(table["name"])
		if name == "" {
			push("tables."+id+".name", "table name must be a non-empty string")
			continue
		}
		lower := strings.ToLower(name)
		if existing, ok := tableNameToID[lower]; ok && existing != id {
			push("tables."+id+".name",
				fmt.Sprintf("duplicate table name '%s' (already used by %s)", name, existing))
		} else {
			tableNameToID[lower] = id
		}
	}

	keyIDs := make(map[string]bool)
	for id, value := range root.keys {
		if id == "" {
			push("keys."+id, "key id must be a non-empty string")
			continue
		}
		keyIDs[id] = true

		key := asObj(value)
		if key == nil {
			push("keys."+id, "key value must be an object")
			continue
		}
		tableID := asStr(key["tableId"])
		if tableID == "" {
			push("keys."+id+".tableId", "key.tableId must be a non-empty string")
		} else if !tableIDs[tableID] {
			push("keys."+id+".tableId", fmt.Sprintf("tableId '%s' does not exist", tableID))
		}
		if asStr(key["name"]) == "" {
			push("keys."+id+".name", "key name must be a non-empty string")
		}
	}

	for id, value := range root.references {
		ref := asObj(value)
		if ref == nil {
			push("references."+id, "reference value must be an object")
			continue
		}
		if from := asStr(ref["fromTableId"]); from == "" {
			push("references."+id+".fromTableId", "fromTableId must be a non-empty string")
		} else if !tableIDs[from] {
			push("references."+id+".fromTableId", fmt.Sprintf("table '%s' does not exist", from))
		}
		if to := asStr(ref["toTableId"]); to == "" {
			push("references."+id+".toTableId", "toTableId must be a non-empty string")
		} else if !tableIDs[to] {
			push("references."+id+".toTableId", fmt.Sprintf("table '%s' does not exist", to))
		}
		if fromKey := asStr(ref["fromKeyId"]); fromKey != "" && !keyIDs[fromKey] {
			push("references."+id+".fromKeyId", fmt.Sprintf("key '%s' does not exist", fromKey))
		}
		if toKey := asStr(ref["toKeyId"]); toKey != "" && !keyIDs[toKey] {
			push("references."+id+".toKeyId", fmt.Sprintf("key '%s' does not exist", toKey))
		}
	}

	for id, value := range root.compositions {
		comp := asObj(value)
		if comp == nil {
			push("compositions."+id, "composition value must be an object")
			continue
		}
		members, ok := asStrSlice(comp["keyIds"])
		if !ok {
			push("compositions."+id+".keyIds", "keyIds must be an array of non-empty strings")
			continue
		}
		for i, k := range members {
			if !keyIDs[k] {
				push(fmt.Sprintf("compositions.%s.keyIds[%d]", id, i),
					fmt.Sprintf("key '%s' does not exist", k))
			}
		}
	}

	return tool.Result{Valid: len(errs) == 0, Errors: errs}
}

// Compile exports the document as a plain CompiledSchema.
func (t *Tool) Compile(doc *crdt.Document) (interface{}, error) {
	root, err := readRoot(doc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	version, _ := asNumber(root.meta["schemaVersion"])
	return &CompiledSchema{
		SchemaVersion: version,
		Tables:        asObjMap(root.tables),
		Keys:          asObjMap(root.keys),
		References:    asObjMap(root.references),
		Compositions:  asObjMap(root.compositions),
	}, nil
}

func asObj(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asObjMap(m map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(m))
	for id, v := range m {
		out[id] = asObj(v)
	}
	return out
}

func asStr(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asNumber(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asStrSlice(v interface{}) ([]string, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
