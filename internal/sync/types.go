package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"offline-sync-service/internal/config"
)

var (
	ErrAlreadySyncing = errors.New("sync is already running")
	ErrOffline        = errors.New("remote store is unreachable")
)

// Operation is a mutation enqueued by the application layer.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// TableDescriptor drives the generic per-table pipeline: which payload field
// reconciles offline-created duplicates, in what order tables push relative
// to their dependencies, and which fields count for conflict detection.
type TableDescriptor struct {
	Name              string
	NaturalKey        string
	DependencyRank    int
	SignificantFields []string
}

func (d TableDescriptor) String() string {
	return fmt.Sprintf("%s(rank=%d key=%s)", d.Name, d.DependencyRank, d.NaturalKey)
}

// NaturalKeyOf extracts the descriptor's natural-key value from a payload,
// or "" when the table has no natural key or the field is absent.
func (d TableDescriptor) NaturalKeyOf(payload json.RawMessage) string {
	if d.NaturalKey == "" {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	if v, ok := doc[d.NaturalKey]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Descriptors is the configured table set, held in push (dependency) order.
type Descriptors struct {
	ordered []TableDescriptor
	byName  map[string]TableDescriptor
}

func DescriptorsFromConfig(tables []config.TableConfig) *Descriptors {
	ordered := make([]TableDescriptor, 0, len(tables))
	byName := make(map[string]TableDescriptor, len(tables))
	for _, t := range tables {
		d := TableDescriptor{
			Name:              t.Name,
			NaturalKey:        t.NaturalKey,
			DependencyRank:    t.DependencyRank,
			SignificantFields: t.SignificantFields,
		}
		ordered = append(ordered, d)
		byName[d.Name] = d
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DependencyRank < ordered[j].DependencyRank
	})
	return &Descriptors{ordered: ordered, byName: byName}
}

// InOrder returns descriptors sorted by dependency rank, independents first.
func (ds *Descriptors) InOrder() []TableDescriptor {
	return ds.ordered
}

func (ds *Descriptors) Get(name string) (TableDescriptor, bool) {
	d, ok := ds.byName[name]
	return d, ok
}

func (ds *Descriptors) Names() []string {
	names := make([]string, len(ds.ordered))
	for i, d := range ds.ordered {
		names[i] = d.Name
	}
	return names
}
