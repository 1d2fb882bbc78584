package tracking

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ref is a typed reference to a record: the type discriminator plus its id.
type Ref struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// String formats the ref as "type-id".
func (r Ref) String() string {
	return r.Type + "-" + strconv.FormatInt(r.ID, 10)
}

// IsZero reports whether the ref is unset.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

// ParseRef parses "type-id" or "app-type-id".
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 2 || len(parts) > 3 {
		return Ref{}, fmt.Errorf("invalid reference %q: expected type-id", s)
	}
	id, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil || id <= 0 {
		return Ref{}, fmt.Errorf("invalid reference %q: bad id", s)
	}
	typ := parts[len(parts)-2]
	if typ == "" {
		return Ref{}, fmt.Errorf("invalid reference %q: empty type", s)
	}
	return Ref{Type: typ, ID: id}, nil
}

// MergeEvent groups every side effect of one merge call.
type MergeEvent struct {
	ID int64 `json:"id"`
}

// AffectedByMerge records that Target was modified as a side effect of a merge.
type AffectedByMerge struct {
	ID         int64 `json:"id"`
	MergeEvent int64 `json:"merge_event"`
	Target     Ref   `json:"target"`
}

// Fields holds the domain values of a record. Values are string, int64,
// float64, bool, time.Time or nil.
type Fields map[string]any

// Clone returns a shallow copy; values are immutable scalars.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

func (f Fields) Int(name string) int64 {
	n, _ := toInt64(f[name])
	return n
}

func (f Fields) Float(name string) float64 {
	switch v := f[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (f Fields) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

func (f Fields) Time(name string) time.Time {
	t, _ := f[name].(time.Time)
	return t
}

// Set assigns a value, normalizing plain ints to int64.
func (f Fields) Set(name string, v any) {
	if n, ok := toInt64(v); ok {
		f[name] = n
		return
	}
	f[name] = v
}

// IsEmpty reports whether v is nil, "", 0, false or the zero time.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case time.Time:
		return x.IsZero()
	}
	if n, ok := toInt64(v); ok {
		return n == 0
	}
	return false
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ai, ok := toInt64(a); ok {
		bi, ok := toInt64(b)
		return ok && ai == bi
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return false
}

// Record is one row of a tracked entity: either the head or a frozen predecessor.
type Record struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Status Status `json:"status"`

	SubmittedBy       string    `json:"submitted_by,omitempty"`
	SubmittedTime     time.Time `json:"submitted_time"`
	SubmissionMessage string    `json:"submission_message,omitempty"`
	ApprovedBy        string    `json:"approved_by,omitempty"`
	ApprovedTime      time.Time `json:"approved_time"`
	RemovedBy         string    `json:"removed_by,omitempty"`
	RemovedTime       time.Time `json:"removed_time"`
	RemovalMessage    string    `json:"removal_message,omitempty"`

	AutoApprove                bool `json:"auto_approve"`
	CountsTowardsContributions bool `json:"counts_towards_contributions"`

	ActionTaken   Action    `json:"action_taken"`
	ActionBy      string    `json:"action_by,omitempty"`
	ActionTime    time.Time `json:"action_time"`
	ActionMessage string    `json:"action_message,omitempty"`

	IsHead             bool   `json:"is_head"`
	PointsTo           *int64 `json:"points_to,omitempty"`
	PrimaryMergeFrom   *int64 `json:"primary_merge_from,omitempty"`
	SecondaryMergeFrom *int64 `json:"secondary_merge_from,omitempty"`
	MergeEvent         *int64 `json:"merge_event,omitempty"`

	CacheTime time.Time `json:"cache_time"`
	Fields    Fields    `json:"fields"`

	originalStatus Status
}

// NewRecord returns an unsaved head record of type typ.
func NewRecord(typ string, fields Fields) *Record {
	if fields == nil {
		fields = Fields{}
	}
	r := &Record{
		Type:                       typ,
		Status:                     StatusLive,
		ActionTaken:                ActionCreated,
		IsHead:                     true,
		CountsTowardsContributions: true,
		Fields:                     fields,
	}
	r.MarkLoaded()
	return r
}

// Ref returns the record's typed reference.
func (r *Record) Ref() Ref {
	return Ref{Type: r.Type, ID: r.ID}
}

// MarkLoaded records the current status as the status the record was loaded with.
// Stores call it on every read.
func (r *Record) MarkLoaded() {
	r.originalStatus = r.Status
}

// OriginalStatus is the status the record had when it was loaded.
func (r *Record) OriginalStatus() Status {
	return r.originalStatus
}

func (r *Record) IsLive() bool     { return r.Status == StatusLive }
func (r *Record) IsHidden() bool   { return r.Status == StatusHidden }
func (r *Record) IsPending() bool  { return r.Status == StatusPending }
func (r *Record) IsRejected() bool { return r.Status == StatusRejected }
func (r *Record) IsRemoved() bool  { return r.Status == StatusRemoved }

// IsNew reports whether the record has never been saved.
func (r *Record) IsNew() bool { return r.ID == 0 }

// StatusName returns the display name of the record's status.
func (r *Record) StatusName() string { return r.Status.String() }

func (r *Record) isChangedToLive() bool {
	return r.originalStatus != 0 && r.originalStatus != StatusLive && r.Status == StatusLive
}

func (r *Record) isHiddenToLive() bool {
	return r.originalStatus == StatusHidden && r.Status == StatusLive
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.PointsTo = clonePtr(r.PointsTo)
	c.PrimaryMergeFrom = clonePtr(r.PrimaryMergeFrom)
	c.SecondaryMergeFrom = clonePtr(r.SecondaryMergeFrom)
	c.MergeEvent = clonePtr(r.MergeEvent)
	c.Fields = r.Fields.Clone()
	return &c
}

// CopyPermsFrom copies the fields that decide permissions from other.
func (r *Record) CopyPermsFrom(other *Record) *Record {
	r.Status = other.Status
	r.SubmittedBy = other.SubmittedBy
	r.SubmittedTime = other.SubmittedTime
	return r
}

var (
	cacheEpoch    = time.Date(2008, 9, 1, 0, 0, 0, 0, time.UTC)
	cacheFallback = time.Date(2010, 8, 3, 0, 0, 0, 0, time.UTC)
)

// CacheKey builds the cache key for rec: prefix, version, type label, id, and
// the seconds between the last-touched time and the cache epoch.
func CacheKey(prefix, version, label string, rec *Record) string {
	t := rec.CacheTime
	switch {
	case !t.IsZero():
	case !rec.ActionTime.IsZero():
		t = rec.ActionTime
	case !rec.SubmittedTime.IsZero():
		t = rec.SubmittedTime
	default:
		t = cacheFallback
	}
	seconds := t.Sub(cacheEpoch).Seconds()
	return fmt.Sprintf("%s%s%s%d%f", prefix, version, label, rec.ID, seconds)
}

func idPtr(id int64) *int64 {
	return &id
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptrIs(p *int64, id int64) bool {
	return p != nil && *p == id
}

func ptrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
