// Package backend defines the document database contract the Firestore
// plugin drives. Field values use the codec package's types.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrTerminated is returned by a database after Terminate.
var ErrTerminated = status.Error(codes.FailedPrecondition, "The client has already been terminated.")

// DocumentIDField is the reserved field path naming a document's identity.
const DocumentIDField = "__name__"

// FieldPath addresses a possibly nested field.
type FieldPath []string

// ParseFieldPath splits a dotted path.
func ParseFieldPath(s string) FieldPath { return FieldPath(strings.Split(s, ".")) }

func (f FieldPath) String() string { return strings.Join(f, ".") }

// IsDocumentID reports whether f names the document identity.
func (f FieldPath) IsDocumentID() bool { return len(f) == 1 && f[0] == DocumentIDField }

// Metadata describes where a snapshot came from.
type Metadata struct {
	HasPendingWrites bool
	IsFromCache      bool
}

// Document is a point-in-time read of one document.
type Document struct {
	Path       string
	Exists     bool
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
	Metadata   Metadata
}

// ID is the last segment of the document path.
func (d Document) ID() string { return d.Path[strings.LastIndexByte(d.Path, '/')+1:] }

// Op is a filter operator.
type Op string

const (
	OpEqual            Op = "=="
	OpLess             Op = "<"
	OpLessEqual        Op = "<="
	OpGreater          Op = ">"
	OpGreaterEqual     Op = ">="
	OpArrayContains    Op = "array-contains"
	OpArrayContainsAny Op = "array-contains-any"
	OpIn               Op = "in"
)

// ParseOp validates a wire operator.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpArrayContains, OpArrayContainsAny, OpIn:
		return op, nil
	}
	return "", fmt.Errorf("unsupported filter operator %q", s)
}

// Inequality reports whether op is a range comparison.
func (o Op) Inequality() bool {
	return o == OpLess || o == OpLessEqual || o == OpGreater || o == OpGreaterEqual
}

type Filter struct {
	Field FieldPath
	Op    Op
	Value any
}

type Order struct {
	Field      FieldPath
	Descending bool
}

// Cursor bounds a query by order-by values.
type Cursor struct {
	Values []any
	// Inclusive is true for startAt and endAt.
	Inclusive bool
}

// Query selects documents from a collection or collection group.
type Query struct {
	// Path is the collection path, or the collection id for a group query.
	Path            string
	CollectionGroup bool
	Filters         []Filter
	Orders          []Order
	Limit           int
	LimitToLast     bool
	Start           *Cursor
	End             *Cursor
}

// ChangeType classifies a document change between query snapshots.
type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change describes one document's movement. Indexes are -1 when absent.
type Change struct {
	Type     ChangeType
	OldIndex int
	NewIndex int
	Doc      Document
}

type QuerySnapshot struct {
	Docs     []Document
	Changes  []Change
	Metadata Metadata
}

// Source selects where a read is served from.
type Source int

const (
	SourceDefault Source = iota
	SourceServer
	SourceCache
)

// ParseSource maps the wire names server and cache; anything else is default.
func ParseSource(s string) Source {
	switch s {
	case "server":
		return SourceServer
	case "cache":
		return SourceCache
	}
	return SourceDefault
}

type WriteType string

const (
	WriteSet    WriteType = "SET"
	WriteUpdate WriteType = "UPDATE"
	WriteDelete WriteType = "DELETE"
)

// SetOptions controls merging for set writes. MergeFields implies Merge.
type SetOptions struct {
	Merge       bool
	MergeFields []FieldPath
}

// Write is one mutation in a batch or transaction.
type Write struct {
	Type    WriteType
	Path    string
	Data    map[string]any
	Options SetOptions
}

// Txn is the view of a running transaction. Reads must precede writes.
type Txn interface {
	Get(ctx context.Context, path string) (Document, error)
	Apply(w Write) error
}

// Database is one app's document database.
type Database interface {
	Get(ctx context.Context, path string, src Source) (Document, error)
	Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error
	Update(ctx context.Context, path string, data map[string]any) error
	Delete(ctx context.Context, path string) error
	Query(ctx context.Context, q Query, src Source) (QuerySnapshot, error)
	Batch(ctx context.Context, writes []Write) error
	// RunTransaction calls fn until it commits or fails permanently.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error

	// Listeners call fn with each snapshot or a terminal error. The first
	// snapshot may be delivered before the call returns.
	ListenDocument(ctx context.Context, path string, includeMetadata bool, fn func(Document, error)) (stop func(), err error)
	ListenQuery(ctx context.Context, q Query, includeMetadata bool, fn func(QuerySnapshot, error)) (stop func(), err error)
	ListenSnapshotsInSync(fn func()) (stop func(), err error)

	EnableNetwork(ctx context.Context) error
	DisableNetwork(ctx context.Context) error
	WaitForPendingWrites(ctx context.Context) error
	ClearPersistence(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// Settings apply when a database is first opened.
type Settings struct {
	PersistenceEnabled bool
	Host               string
	SSLEnabled         bool
	// CacheSizeBytes is -1 for unlimited.
	CacheSizeBytes int64
}

// DefaultCacheSize is the cache budget when none is configured.
const DefaultCacheSize = 104857600

// DefaultSettings are used for apps with no stored preferences.
func DefaultSettings() Settings {
	return Settings{PersistenceEnabled: true, SSLEnabled: true, CacheSizeBytes: DefaultCacheSize}
}

// Opener creates databases per app.
type Opener interface {
	Open(ctx context.Context, app string, settings Settings) (Database, error)
}

// ValidateDocumentPath checks that p names a document.
func ValidateDocumentPath(p string) error {
	segs, err := segments(p)
	if err != nil {
		return err
	}
	if len(segs)%2 != 0 {
		return status.Errorf(codes.InvalidArgument, "Invalid document reference. Document references must have an even number of segments, but %s has %d", p, len(segs))
	}
	return nil
}

// ValidateCollectionPath checks that p names a collection.
func ValidateCollectionPath(p string) error {
	segs, err := segments(p)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return status.Errorf(codes.InvalidArgument, "Invalid collection reference. Collection references must have an odd number of segments, but %s has %d", p, len(segs))
	}
	return nil
}

var errEmptySegment = errors.New("path contains an empty segment")

func segments(p string) ([]string, error) {
	if p == "" {
		return nil, status.Error(codes.InvalidArgument, "path must be a non-empty string")
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for _, s := range segs {
		if s == "" {
			return nil, status.Errorf(codes.InvalidArgument, "invalid path %q: %v", p, errEmptySegment)
		}
	}
	return segs, nil
}
