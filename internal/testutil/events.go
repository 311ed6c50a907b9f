package testutil

import (
	"testing"
	"time"

	"github.com/Technical-1/Git-Archiver/internal/events"
)

// WaitForStage drains ch until a TaskProgress with the wanted stage
// arrives, failing the test after a timeout. Other events are discarded.
func WaitForStage(t *testing.T, ch <-chan events.Event, stage events.Stage) events.TaskProgress {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for stage %s", stage)
			}
			if tp, isProgress := e.(events.TaskProgress); isProgress && tp.Stage == stage {
				return tp
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stage %s", stage)
		}
	}
}

// WaitForTerminal drains ch until any terminal stage (Done, Failed,
// Cancelled) arrives.
func WaitForTerminal(t *testing.T, ch <-chan events.Event) events.TaskProgress {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed while waiting for a terminal stage")
			}
			if tp, isProgress := e.(events.TaskProgress); isProgress {
				switch tp.Stage {
				case events.StageDone, events.StageFailed, events.StageCancelled:
					return tp
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for a terminal stage")
		}
	}
}
