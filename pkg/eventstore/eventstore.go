// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

// Package eventstore persists the event log and KnownState snapshots for a
// run to PostgreSQL via pgx. This is the "persistence and event logging"
// collaborator the core state machine (internal/core/execution) treats as
// external: that package never imports eventstore, so a driver is free to
// swap this store out without touching the state machine.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"planrunner/pkg/execplan"
)

// Store persists events and snapshots for runs, keyed by an opaque run ID.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and ensures the store's schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: connecting to postgres: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS planrunner_events (
	run_id     text NOT NULL,
	seq        bigint NOT NULL,
	kind       text NOT NULL,
	payload    jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS planrunner_snapshots (
	run_id     text PRIMARY KEY,
	state      jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);
`)
	if err != nil {
		return fmt.Errorf("eventstore: ensuring schema: %w", err)
	}
	return nil
}

// eventRow mirrors execplan.Event for JSON storage; SecondsToWait is
// pulled out to a plain pointer so its zero value round-trips through
// jsonb cleanly.
type eventRow struct {
	Kind              execplan.EventKind          `json:"kind"`
	StepKey           execplan.StepKey            `json:"step_key"`
	Message           string                      `json:"message,omitempty"`
	Handle            execplan.StepOutputHandle   `json:"handle,omitempty"`
	SecondsToWait     *float64                    `json:"seconds_to_wait,omitempty"`
	MaterializedAsset execplan.AssetKey           `json:"materialized_asset,omitempty"`
	Version           execplan.LogicalVersion     `json:"version,omitempty"`
	SkippedDeps       []execplan.StepOutputHandle `json:"skipped_deps,omitempty"`
}

func toRow(e execplan.Event) eventRow {
	return eventRow{
		Kind:              e.Kind,
		StepKey:           e.StepKey,
		Message:           e.Message,
		Handle:            e.Handle,
		SecondsToWait:     e.SecondsToWait,
		MaterializedAsset: e.MaterializedAsset,
		Version:           e.Version,
		SkippedDeps:       e.SkippedDeps,
	}
}

func (r eventRow) toEvent() execplan.Event {
	return execplan.Event{
		Kind:              r.Kind,
		StepKey:           r.StepKey,
		Message:           r.Message,
		Handle:            r.Handle,
		SecondsToWait:     r.SecondsToWait,
		MaterializedAsset: r.MaterializedAsset,
		Version:           r.Version,
		SkippedDeps:       r.SkippedDeps,
	}
}

// AppendEvent appends one event to runID's log at the given sequence
// number. Sequence numbers are assigned by the caller (the driver loop
// already orders events) so replays are deterministic.
func (s *Store) AppendEvent(ctx context.Context, runID string, seq int64, event execplan.Event) error {
	payload, err := json.Marshal(toRow(event))
	if err != nil {
		return fmt.Errorf("eventstore: encoding event: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO planrunner_events (run_id, seq, kind, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, seq) DO UPDATE SET kind = EXCLUDED.kind, payload = EXCLUDED.payload`,
		runID, seq, event.Kind.String(), payload,
	)
	if err != nil {
		return fmt.Errorf("eventstore: appending event: %w", err)
	}
	return nil
}

// LoadEvents returns every event recorded for runID, ordered by sequence.
func (s *Store) LoadEvents(ctx context.Context, runID string) ([]execplan.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM planrunner_events WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: loading events: %w", err)
	}
	defer rows.Close()

	var events []execplan.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("eventstore: scanning event: %w", err)
		}
		var row eventRow
		if err := execplan.UnmarshalStrict(payload, &row); err != nil {
			return nil, fmt.Errorf("eventstore: decoding event: %w", err)
		}
		events = append(events, row.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterating events: %w", err)
	}
	return events, nil
}

// snapshotDoc is the JSON-friendly projection of execplan.KnownState.
// KnownState.ReadyOutputs is keyed by a struct (StepOutputHandle), which
// encoding/json cannot use as a map key, so it is flattened to a slice
// for storage and rebuilt into a set on load.
type snapshotDoc struct {
	DynamicMappings       map[execplan.StepKey]map[execplan.OutputName]execplan.DynamicOutputMapping `json:"dynamic_mappings"`
	ReadyOutputs          []execplan.StepOutputHandle                                                `json:"ready_outputs"`
	PreviousRetryAttempts map[execplan.StepKey]int                                                   `json:"previous_retry_attempts"`
	AssetProvenance       []execplan.ProvenanceRecord                                                 `json:"asset_provenance,omitempty"`
	StepOutputVersions    map[execplan.AssetKey]execplan.LogicalVersion                               `json:"step_output_versions"`
	ParentState           map[string]string                                                           `json:"parent_state,omitempty"`
}

func toSnapshotDoc(state execplan.KnownState) snapshotDoc {
	ready := make([]execplan.StepOutputHandle, 0, len(state.ReadyOutputs))
	for h := range state.ReadyOutputs {
		ready = append(ready, h)
	}
	return snapshotDoc{
		DynamicMappings:       state.DynamicMappings,
		ReadyOutputs:          ready,
		PreviousRetryAttempts: state.PreviousRetryAttempts,
		AssetProvenance:       state.AssetProvenance,
		StepOutputVersions:    state.StepOutputVersions,
		ParentState:           state.ParentState,
	}
}

func (d snapshotDoc) toKnownState() execplan.KnownState {
	ready := make(map[execplan.StepOutputHandle]struct{}, len(d.ReadyOutputs))
	for _, h := range d.ReadyOutputs {
		ready[h] = struct{}{}
	}
	return execplan.KnownState{
		DynamicMappings:       d.DynamicMappings,
		ReadyOutputs:          ready,
		PreviousRetryAttempts: d.PreviousRetryAttempts,
		AssetProvenance:       d.AssetProvenance,
		StepOutputVersions:    d.StepOutputVersions,
		ParentState:           d.ParentState,
	}
}

// SaveSnapshot upserts the KnownState snapshot for runID.
func (s *Store) SaveSnapshot(ctx context.Context, runID string, state execplan.KnownState) error {
	payload, err := json.Marshal(toSnapshotDoc(state))
	if err != nil {
		return fmt.Errorf("eventstore: encoding snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO planrunner_snapshots (run_id, state, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (run_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		runID, payload,
	)
	if err != nil {
		return fmt.Errorf("eventstore: saving snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the most recently saved KnownState for runID. The
// second return value is false if no snapshot has been saved yet.
func (s *Store) LoadSnapshot(ctx context.Context, runID string) (execplan.KnownState, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM planrunner_snapshots WHERE run_id = $1`, runID,
	).Scan(&payload)
	if err != nil {
		if isNoRows(err) {
			return execplan.KnownState{}, false, nil
		}
		return execplan.KnownState{}, false, fmt.Errorf("eventstore: loading snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := execplan.UnmarshalStrict(payload, &doc); err != nil {
		return execplan.KnownState{}, false, fmt.Errorf("eventstore: decoding snapshot: %w", err)
	}
	return doc.toKnownState(), true, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
