package conversation

import (
	"testing"
	"time"
)

func TestTurnTranscriptDefaultsAssistantName(t *testing.T) {
	turn := Turn{
		User:      Message{Role: RoleUser, Content: "hi"},
		Assistant: Message{Role: RoleAssistant, Content: "hello"},
	}
	if got := turn.Transcript(""); got != "User: hi\nAssistant: hello" {
		t.Fatalf("Transcript() = %q", got)
	}
	if got := turn.Transcript("Atom"); got != "User: hi\nAtom: hello" {
		t.Fatalf("Transcript(Atom) = %q", got)
	}
}

func TestTurnDeleted(t *testing.T) {
	var turn Turn
	if turn.Deleted() {
		t.Fatalf("zero turn should not be deleted")
	}
	now := time.Now()
	turn.DeletedAt = &now
	if !turn.Deleted() {
		t.Fatalf("turn with DeletedAt should be deleted")
	}
}
