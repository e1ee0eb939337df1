package model

// Core value types shared across the engine. These structs are intentionally
// lightweight and do not embed driver connection types so the boundary between
// the engine and the database stays clean; the one exception is view
// transforms, which are ReQL term rewrites by definition.

import (
	"time"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// Resource is a document belonging to a model. Documents always carry a
// string "id". The engine only ever holds short-lived cached copies; the
// database owns the data.
type Resource map[string]any

// ID returns the document id, or "" when absent or not a string.
func (res Resource) ID() string {
	if res == nil {
		return ""
	}
	if v, ok := res["id"].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy. Field values are shared; the engine treats
// them as immutable once stored.
func (res Resource) Clone() Resource {
	if res == nil {
		return nil
	}
	out := make(Resource, len(res))
	for k, v := range res {
		out[k] = v
	}
	return out
}

// Actions accepted on the crud procedure.
const (
	ActionCreate    = "create"
	ActionRead      = "read"
	ActionUpdate    = "update"
	ActionDelete    = "delete"
	ActionSubscribe = "subscribe"
)

// Query is the value object passed into every operation.
type Query struct {
	Action      string         `json:"action,omitempty"`
	Type        string         `json:"type"`
	ID          string         `json:"id,omitempty"`
	Field       string         `json:"field,omitempty"`
	Value       any            `json:"value,omitempty"`
	View        string         `json:"view,omitempty"`
	ViewParams  map[string]any `json:"viewParams,omitempty"`
	Offset      int            `json:"offset,omitempty"`
	PageSize    *int           `json:"pageSize,omitempty"`
	GetCount    bool           `json:"getCount,omitempty"`
	// SliceTo truncates string field reads to this many bytes; zero means
	// no slicing.
	SliceTo     int            `json:"sliceTo,omitempty"`
	PublisherID string         `json:"publisherId,omitempty"`
}

// ResourcePath returns the cache key "type/id" for queries that address a
// single document, or "" otherwise.
func (q Query) ResourcePath() string {
	if q.Type == "" || q.ID == "" {
		return ""
	}
	return q.Type + "/" + q.ID
}

// Constraint is a field type constraint: an immutable composition of named
// validators plus the required/allowNull flags. Implementations live in
// internal/validate.
type Constraint interface {
	// Apply validates and sanitizes a single value.
	Apply(value any) (any, error)
	IsRequired() bool
	AllowsNull() bool
	// IsMulti reports whether the field holds a comma-separated value set,
	// which changes how view channels fan out.
	IsMulti() bool
}

// TransformFunc rewrites a base table term into the view's ordered, filtered
// projection. Params are the sanitized view params (declared paramFields
// only, missing keys null).
type TransformFunc func(base r.Term, params map[string]any) r.Term

// IndexFunc derives an index value from a row term. A nil Fn means a plain
// field index on the index name.
type IndexFunc func(row r.Term) any

// Index declares a secondary index on a model's table.
type Index struct {
	Name  string
	Fn    IndexFunc
	Multi bool
}

// ViewSchema declares a named, parameterised projection of a model.
type ViewSchema struct {
	// ParamFields are the resource fields whose values select which view
	// channel a resource belongs to; the transform receives all of them.
	ParamFields []string
	// PrimaryFields, when set, is the routing subset of ParamFields used to
	// build the channel name.
	PrimaryFields []string
	// AffectingFields change a resource's position or visibility inside the
	// view without changing its channel identity.
	AffectingFields []string
	// ForeignAffectingFields maps another model name to the fields of that
	// model this view depends on.
	ForeignAffectingFields map[string][]string
	Transform              TransformFunc
	// DisableRealtime suppresses all view-channel publications.
	DisableRealtime bool
}

// RelationFunc maps a resource of the declaring model to the value of a field
// under the keyed model's namespace. Must be pure.
type RelationFunc func(resource Resource) any

// SocketInfo is the slice of a connected socket visible to access hooks.
type SocketInfo interface {
	ID() string
	AuthToken() any
}

// AccessRequest is handed to pre and post access hooks.
type AccessRequest struct {
	Socket    SocketInfo
	Action    string
	AuthToken any
	Query     Query
	// Resource is populated for post hooks when the subject was pre-fetched:
	// a Resource for single-document subjects, a *CollectionPage for views.
	Resource any
}

// AccessHooks are the schema-declared filters run around every invocation
// and subscription. A nil hook means no filtering at that stage.
type AccessHooks struct {
	Pre  func(req AccessRequest) error
	Post func(req AccessRequest) error
}

// ModelSchema describes one typed collection.
type ModelSchema struct {
	Fields  map[string]Constraint
	Indexes []Index
	Views   map[string]ViewSchema
	// Relations maps another model's name to per-field mapping functions
	// that read a resource of this model and yield the value of that
	// model's field, used to route this model's writes to views addressed
	// under the other model.
	Relations map[string]map[string]RelationFunc
	Access    AccessHooks
	// MaxPageSize caps explicit pageSize on view reads for this model;
	// zero falls back to Options.MaxPageSize.
	MaxPageSize int
}

// Schema maps model names to their declarations. Immutable after the engine
// is constructed.
type Schema map[string]ModelSchema

// ViewData names one affected view occurrence for a resource state.
type ViewData struct {
	View string
	Type string
	// Params routes to a channel name.
	Params map[string]any
	// AffectingData is the superset deciding whether membership changed.
	AffectingData map[string]any
}

// FieldDiff records one changed field between two resource states.
type FieldDiff struct {
	Before any
	After  any
}

// Change mirrors one returned change from a write.
type Change struct {
	NewVal Resource `json:"new_val"`
	OldVal Resource `json:"old_val"`
}

// WriteResult is the outcome shape of change-returning mutations.
type WriteResult struct {
	Errors     int      `json:"errors"`
	FirstError string   `json:"first_error"`
	Changes    []Change `json:"changes"`
}

// CollectionPage is the result of a collection (view) read.
type CollectionPage struct {
	Data       []string `json:"data"`
	Count      *int     `json:"count,omitempty"`
	IsLastPage *bool    `json:"isLastPage,omitempty"`
}

// Defaults applied by the engine when options leave them zero.
const (
	DefaultCacheDuration   = 10 * time.Second
	DefaultMaxMultiPublish = 20
	DefaultPageSize        = 10
	DefaultMaxPageSize     = 100
)

// Options configures an engine instance.
type Options struct {
	Schema Schema
	// DatabaseName is the target database ensured by Init.
	DatabaseName string

	CacheDuration time.Duration
	CacheDisabled bool

	// BlockPreByDefault blocks invocations on models with no pre access
	// hook instead of allowing them.
	BlockPreByDefault bool
	// TypedViewChannelParams keeps primary-param values typed in channel
	// names; by default they are coerced to strings so channel identity is
	// invariant across JSON number/string inputs.
	TypedViewChannelParams bool
	// MaxMultiPublish caps the per-write fanout of multi-param variant
	// publications.
	MaxMultiPublish int
	// MaxPageSize is the default cap for explicit pageSize on view reads.
	MaxPageSize int

	// ClientErrorMapper rewrites errors before they are returned on the
	// crud procedure. Nil means identity.
	ClientErrorMapper func(err error, action string, query Query) error
}
