// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

// Package execplan is the wire contract consumed by the execution state
// machine (internal/core/execution), the plan loader (pkg/planfile), and
// the event/snapshot store (pkg/eventstore). It intentionally carries no
// behavior of its own beyond small structural helpers: the types here are
// read-only inputs to, or serialized outputs of, the state machine.
package execplan
