package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
)

// FieldKind is the declared type of a domain field.
type FieldKind int

const (
	KindString FieldKind = iota + 1
	KindInt
	KindFloat
	KindBool
	KindTime
	// KindRef holds the id of another tracked record of RefType.
	KindRef
)

// FieldDescriptor declares one domain field of a type.
type FieldDescriptor struct {
	Name    string
	Kind    FieldKind
	RefType string
}

// Loader resolves a ref to a record of the owning type.
type Loader func(ctx context.Context, tx Tx, id int64) (*Record, error)

// TypeDescriptor is the static registration of one tracked type.
type TypeDescriptor struct {
	Name   string
	Label  string
	Fields []FieldDescriptor
	// InheritsStatusFrom names ref fields whose target is this type's parent.
	// The first entry is the parent used by approve and submit.
	InheritsStatusFrom []string
	Hooks              Hooks
	Loader             Loader
}

// Field returns the descriptor for name.
func (d *TypeDescriptor) Field(name string) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Relation is a (type, ref field) pair pointing at another type.
type Relation struct {
	Type  string
	Field string
}

// Registry is the startup-built table of tracked types and their relationships.
type Registry struct {
	types map[string]*TypeDescriptor
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeDescriptor)}
}

var titleCaser = cases.Title(language.English)

// Register adds a type. Ref targets are checked later by Validate.
func (r *Registry) Register(desc TypeDescriptor) error {
	if desc.Name == "" || strings.Contains(desc.Name, "-") {
		return fmt.Errorf("%w: invalid type name %q", trkerrors.ErrValidation, desc.Name)
	}
	if _, exists := r.types[desc.Name]; exists {
		return fmt.Errorf("%w: type %q already registered", trkerrors.ErrValidation, desc.Name)
	}
	if desc.Label == "" {
		desc.Label = strings.ReplaceAll(titleCaser.String(strings.ReplaceAll(desc.Name, "_", " ")), " ", "")
	}
	if desc.Hooks == nil {
		desc.Hooks = BaseHooks{}
	}
	seen := make(map[string]bool, len(desc.Fields))
	for _, f := range desc.Fields {
		if seen[f.Name] {
			return fmt.Errorf("%w: %s.%s declared twice", trkerrors.ErrValidation, desc.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Kind == KindRef && f.RefType == "" {
			return fmt.Errorf("%w: %s.%s is a ref without a target type", trkerrors.ErrValidation, desc.Name, f.Name)
		}
	}
	d := desc
	r.types[desc.Name] = &d
	r.order = append(r.order, desc.Name)
	return nil
}

// MustRegister is Register that panics, for package-level setup.
func (r *Registry) MustRegister(desc TypeDescriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Validate checks cross-type references once every type is registered.
func (r *Registry) Validate() error {
	for _, name := range r.order {
		d := r.types[name]
		for _, f := range d.Fields {
			if f.Kind == KindRef {
				if _, ok := r.types[f.RefType]; !ok {
					return fmt.Errorf("%w: %s.%s references unknown type %q", trkerrors.ErrValidation, name, f.Name, f.RefType)
				}
			}
		}
		for _, parent := range d.InheritsStatusFrom {
			f, ok := d.Field(parent)
			if !ok || f.Kind != KindRef {
				return fmt.Errorf("%w: %s inherits status from %q which is not a ref field", trkerrors.ErrValidation, name, parent)
			}
		}
	}
	return nil
}

// Descriptor returns the registration for typ.
func (r *Registry) Descriptor(typ string) (*TypeDescriptor, bool) {
	d, ok := r.types[typ]
	return d, ok
}

func (r *Registry) mustDescriptor(typ string) (*TypeDescriptor, error) {
	d, ok := r.types[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unregistered type %q", trkerrors.ErrValidation, typ)
	}
	return d, nil
}

// Types returns registered type names in registration order.
func (r *Registry) Types() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Label returns the display label of typ.
func (r *Registry) Label(typ string) string {
	if d, ok := r.types[typ]; ok {
		return d.Label
	}
	return typ
}

// ChildRelations returns the relations whose type inherits status from parentType.
func (r *Registry) ChildRelations(parentType string) []Relation {
	var out []Relation
	for _, name := range r.order {
		d := r.types[name]
		for _, field := range d.InheritsStatusFrom {
			if f, ok := d.Field(field); ok && f.RefType == parentType {
				out = append(out, Relation{Type: name, Field: field})
			}
		}
	}
	return out
}

// Referrers returns every ref field of any type that points at typ.
func (r *Registry) Referrers(typ string) []Relation {
	var out []Relation
	for _, name := range r.order {
		for _, f := range r.types[name].Fields {
			if f.Kind == KindRef && f.RefType == typ {
				out = append(out, Relation{Type: name, Field: f.Name})
			}
		}
	}
	return out
}

// refFieldsTo returns the ref fields of typ that point at target.
func (r *Registry) refFieldsTo(typ, target string) []string {
	d, ok := r.types[typ]
	if !ok {
		return nil
	}
	var out []string
	for _, f := range d.Fields {
		if f.Kind == KindRef && f.RefType == target {
			out = append(out, f.Name)
		}
	}
	return out
}

// fieldNames returns the declared field names of typ, sorted.
func (r *Registry) fieldNames(typ string) []string {
	d, ok := r.types[typ]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}

// Normalize coerces decoded values to their declared kinds. Unknown fields are rejected.
func (r *Registry) Normalize(typ string, fields Fields) (Fields, error) {
	d, err := r.mustDescriptor(typ)
	if err != nil {
		return nil, err
	}
	out := make(Fields, len(fields))
	for name, v := range fields {
		f, ok := d.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", trkerrors.ErrValidation, typ, name)
		}
		nv, err := coerce(f, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", trkerrors.ErrValidation, typ, name, err)
		}
		out[name] = nv
	}
	return out, nil
}

func coerce(f FieldDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case KindInt, KindRef:
		switch x := v.(type) {
		case json.Number:
			return x.Int64()
		case float64:
			if x != float64(int64(x)) {
				return nil, fmt.Errorf("expected integer, got %v", x)
			}
			return int64(x), nil
		case string:
			var n int64
			if _, err := fmt.Sscan(x, &n); err != nil {
				return nil, fmt.Errorf("expected integer, got %q", x)
			}
			return n, nil
		}
		if n, ok := toInt64(v); ok {
			return n, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)
	case KindFloat:
		switch x := v.(type) {
		case json.Number:
			return x.Float64()
		case float64:
			return x, nil
		}
		if n, ok := toInt64(v); ok {
			return float64(n), nil
		}
		return nil, fmt.Errorf("expected number, got %T", v)
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case KindTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			if x == "" {
				return nil, nil
			}
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		}
		return nil, fmt.Errorf("expected time, got %T", v)
	}
	return nil, fmt.Errorf("unknown field kind %d", f.Kind)
}

// Resolve loads the record ref points at, checking its type.
func (r *Registry) Resolve(ctx context.Context, tx Tx, ref Ref) (*Record, error) {
	d, err := r.mustDescriptor(ref.Type)
	if err != nil {
		return nil, err
	}
	if d.Loader != nil {
		return d.Loader(ctx, tx, ref.ID)
	}
	rec, err := tx.Get(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if rec.Type != ref.Type {
		return nil, trkerrors.NotFound(ref.Type, ref.ID)
	}
	return rec, nil
}

func (r *Registry) hooks(typ string) Hooks {
	if d, ok := r.types[typ]; ok {
		return d.Hooks
	}
	return BaseHooks{}
}
