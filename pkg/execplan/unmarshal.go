// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

package execplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// UnmarshalStrict decodes data into v, rejecting unknown fields and
// trailing tokens after the first JSON value. Used to parse persisted
// events and snapshots read back from pkg/eventstore, where a field typo
// or truncated write should fail loudly rather than silently drop data.
func UnmarshalStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("execplan: strict decode: %w", err)
	}

	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			return fmt.Errorf("execplan: strict decode: trailing data after JSON value")
		}
		return fmt.Errorf("execplan: strict decode: %w", err)
	}

	return nil
}
