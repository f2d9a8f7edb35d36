/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import "testing"

func TestValidTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		valid    bool
	}{
		{StateNeedsUserStart, StatePlaying, true},
		{StateNeedsUserStart, StateIdle, true},
		{StateNeedsUserStart, StatePaused, false},
		{StateIdle, StatePlaying, true},
		{StateIdle, StatePaused, false},
		{StatePlaying, StatePaused, true},
		{StatePlaying, StateSwitching, true},
		{StatePlaying, StateLoopCompleting, false},
		{StatePaused, StatePlaying, true},
		{StatePaused, StateSwitching, true},
		{StateSwitching, StatePlaying, true},
		{StateSwitching, StateLoopCompleting, true},
		{StateSwitching, StatePaused, false},
		{StateLoopCompleting, StatePlaying, true},
		{StateLoopCompleting, StateIdle, true},
		{StateLoopCompleting, StateSwitching, false},
		// Reset reaches NeedsUserStart from anywhere.
		{StatePlaying, StateNeedsUserStart, true},
		{StatePaused, StateNeedsUserStart, true},
		{StateSwitching, StateNeedsUserStart, true},
		{StateLoopCompleting, StateNeedsUserStart, true},
		// Same-state is a no-op, never an error.
		{StatePlaying, StatePlaying, true},
		{StateIdle, StateIdle, true},
	}

	for _, tc := range cases {
		if got := isValidTransition(tc.from, tc.to); got != tc.valid {
			t.Errorf("isValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.valid)
		}
	}
}
