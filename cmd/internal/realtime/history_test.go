package realtime

import (
	"strconv"
	"testing"

	v1 "rtchat/contracts/chat/v1"
)

func TestHistoryBufferBound(t *testing.T) {
	t.Parallel()

	b := NewHistoryBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Append(v1.Message{Seq: int64(i), Text: "m" + strconv.Itoa(i)})
		if b.Len() > 3 {
			t.Fatalf("len=%d exceeds capacity after append %d", b.Len(), i)
		}
	}

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len=%d want=3", len(snap))
	}
	for i, want := range []string{"m3", "m4", "m5"} {
		if snap[i].Text != want {
			t.Fatalf("snap[%d]=%q want=%q", i, snap[i].Text, want)
		}
	}
}

func TestHistoryBufferSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	b := NewHistoryBuffer(2)
	b.Append(v1.Message{Seq: 1, Text: "first"})

	snap := b.Snapshot()
	snap[0].Text = "mutated"

	if got := b.Snapshot()[0].Text; got != "first" {
		t.Fatalf("buffer content=%q want=%q (snapshot must not alias)", got, "first")
	}
}

func TestHistoryBufferDefaultCapacity(t *testing.T) {
	t.Parallel()

	b := NewHistoryBuffer(0)
	for i := 0; i < historyCapacity+10; i++ {
		b.Append(v1.Message{Seq: int64(i)})
	}
	if b.Len() != historyCapacity {
		t.Fatalf("len=%d want=%d", b.Len(), historyCapacity)
	}
}
