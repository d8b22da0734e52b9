package monitor

import (
	"testing"

	"github.com/stemsi/exstem-attempt/internal/model"
)

func TestTerminalEvent(t *testing.T) {
	tests := map[model.AttemptStatus]EventType{
		model.AttemptStatusSubmitted: EventSubmitted,
		model.AttemptStatusExpired:   EventExpired,
		model.AttemptStatusCompleted: EventCompleted,
	}
	for status, want := range tests {
		if got := TerminalEvent(status); got != want {
			t.Errorf("TerminalEvent(%s) = %s, want %s", status, got, want)
		}
	}
}
