package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

type Policy string

const (
	PolicyLocalWins  Policy = "local-wins"
	PolicyRemoteWins Policy = "remote-wins"
	PolicyMerge      Policy = "merge"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLocalWins, PolicyRemoteWins, PolicyMerge:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// transientFields never participate in divergence detection; they are
// bookkeeping, not business data.
var transientFields = map[string]bool{
	"last_modified": true,
	"sync_status":   true,
	"dirty_flag":    true,
	"is_deleted":    true,
}

// Resolver decides what a locally-dirty record becomes when a remote update
// arrives for the same identity. It always returns a usable payload; the
// caller never blocks on a human.
type Resolver struct {
	store  store.Store
	policy Policy
	skew   time.Duration
}

func NewResolver(st store.Store, policy Policy, skew time.Duration) *Resolver {
	return &Resolver{store: st, policy: policy, skew: skew}
}

// Resolution is the outcome of one divergence check.
type Resolution struct {
	Payload    json.RawMessage
	Conflicted bool // a ConflictRecord was written
}

// Resolve compares the significant fields of both sides. Equal-after-
// normalization means no conflict: the remote payload is applied as-is.
// Divergence within the skew threshold is treated as ordinary last-writer-
// wins without an audit entry; beyond it, a ConflictRecord is stored and the
// configured policy picks the survivor.
func (r *Resolver) Resolve(ctx context.Context, desc TableDescriptor, local *store.Record, rem *remote.Record) (Resolution, error) {
	localDoc, err := decodePayload(local.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("local payload for %s/%s: %w", desc.Name, local.LocalID, err)
	}
	remoteDoc, err := decodePayload(rem.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("remote payload for %s/%s: %w", desc.Name, rem.ID, err)
	}

	diverged := divergentFields(desc.SignificantFields, localDoc, remoteDoc)
	if len(diverged) == 0 {
		return Resolution{Payload: rem.Payload}, nil
	}

	skew := local.LastModified.Sub(rem.LastModified)
	if skew < 0 {
		skew = -skew
	}

	if skew <= r.skew {
		// Near-simultaneous edits: pick the newer side, no audit entry.
		if rem.LastModified.After(local.LastModified) {
			return Resolution{Payload: rem.Payload}, nil
		}
		return Resolution{Payload: local.Payload}, nil
	}

	resolved := r.apply(local, rem, localDoc, remoteDoc, diverged)

	conflict := &store.Conflict{
		ID:         uuid.New().String(),
		TableName:  desc.Name,
		RecordID:   local.LocalID,
		LocalData:  local.Payload,
		RemoteData: rem.Payload,
		Resolution: string(r.policy),
		DetectedAt: time.Now(),
	}
	if err := r.store.CreateConflict(ctx, conflict); err != nil {
		// The audit entry failing must not change the data outcome.
		logger.Log.Error("Failed to record conflict", zap.String("table", desc.Name), zap.Error(err))
	}

	logger.Log.Info("Conflict resolved",
		zap.String("table", desc.Name),
		zap.String("record", local.LocalID),
		zap.String("policy", string(r.policy)),
		zap.Strings("fields", diverged),
	)

	return Resolution{Payload: resolved, Conflicted: true}, nil
}

func (r *Resolver) apply(local *store.Record, rem *remote.Record, localDoc, remoteDoc map[string]any, diverged []string) json.RawMessage {
	switch r.policy {
	case PolicyRemoteWins:
		return rem.Payload
	case PolicyMerge:
		return mergePayloads(local, rem, localDoc, remoteDoc)
	default: // local-wins protects in-flight offline work
		return local.Payload
	}
}

// mergePayloads builds a field-level union: fields present on both sides
// take the value from whichever side was modified more recently, local
// winning ties; one-sided fields are kept.
func mergePayloads(local *store.Record, rem *remote.Record, localDoc, remoteDoc map[string]any) json.RawMessage {
	remoteNewer := rem.LastModified.After(local.LastModified)

	merged := make(map[string]any, len(localDoc)+len(remoteDoc))
	for k, v := range remoteDoc {
		merged[k] = v
	}
	for k, v := range localDoc {
		if _, both := remoteDoc[k]; !both || !remoteNewer {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return local.Payload
	}
	return out
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// divergentFields returns the significant fields whose normalized values
// differ. An empty field list means every non-transient field counts.
func divergentFields(significant []string, localDoc, remoteDoc map[string]any) []string {
	fields := significant
	if len(fields) == 0 {
		seen := make(map[string]bool)
		for k := range localDoc {
			if !transientFields[k] {
				seen[k] = true
			}
		}
		for k := range remoteDoc {
			if !transientFields[k] {
				seen[k] = true
			}
		}
		fields = make([]string, 0, len(seen))
		for k := range seen {
			fields = append(fields, k)
		}
	}

	var diverged []string
	for _, f := range fields {
		if normalizeValue(localDoc[f]) != normalizeValue(remoteDoc[f]) {
			diverged = append(diverged, f)
		}
	}
	return diverged
}

// normalizeValue folds the representations two stores can produce for the
// same logical value: padded strings, int-vs-float numerics, nil-vs-empty.
func normalizeValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
