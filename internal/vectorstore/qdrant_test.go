package vectorstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

func TestPointFromRetrieved(t *testing.T) {
	rp := &qdrant.RetrievedPoint{
		Id: qdrant.NewIDUUID("9f1b7a52-63c1-4a8e-9d0a-1c2b3d4e5f60"),
		Payload: map[string]*qdrant.Value{
			"tenant_key":  qdrant.NewValueString("user-1"),
			"document_id": qdrant.NewValueString("doc-1"),
			"position":    qdrant.NewValueInt(3),
			"text":        qdrant.NewValueString("chunk text"),
			"filename":    qdrant.NewValueString("report.pdf"),
			"anon":        qdrant.NewValueString("true"),
			"created_at":  qdrant.NewValueInt(1700000000),
			"source":      qdrant.NewValueString("upload"),
		},
	}

	p := pointFromRetrieved(rp)

	if p.ID != "9f1b7a52-63c1-4a8e-9d0a-1c2b3d4e5f60" {
		t.Fatalf("ID = %q", p.ID)
	}
	if p.TenantKey != "user-1" || p.DocumentID != "doc-1" || p.Position != 3 {
		t.Fatalf("payload not mapped: %+v", p)
	}
	if p.Text != "chunk text" || p.Filename != "report.pdf" || !p.Anonymous {
		t.Fatalf("payload not mapped: %+v", p)
	}
	if p.Metadata["source"] != "upload" {
		t.Fatalf("metadata = %v", p.Metadata)
	}
	if _, ok := p.Metadata["tenant_key"]; ok {
		t.Fatal("reserved field leaked into metadata")
	}
}

// The scroll cursor must be the server's next_page_offset, not the last
// returned id: the scroll offset is inclusive, so continuing from the last
// returned id would return it again on the next page.
func TestOffsetString(t *testing.T) {
	if got := offsetString(nil); got != "" {
		t.Fatalf("nil offset = %q, want empty (scroll exhausted)", got)
	}

	lastReturned := "aaaaaaaa-0000-0000-0000-000000000001"
	firstUnreturned := "aaaaaaaa-0000-0000-0000-000000000002"
	next := offsetString(qdrant.NewIDUUID(firstUnreturned))
	if next != firstUnreturned {
		t.Fatalf("next offset = %q, want %q", next, firstUnreturned)
	}
	if next == lastReturned {
		t.Fatal("cursor reuses the last returned id; that point would repeat")
	}
}

func TestOpErrNormalizesDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	// grpc surfaces its own status error; the wrap must still classify as a
	// deadline for the HTTP boundary.
	err := opErr(ctx, "failed to search", errors.New("rpc error: code = DeadlineExceeded"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	plain := errors.New("collection missing")
	err = opErr(context.Background(), "failed to search", plain)
	if !errors.Is(err, plain) {
		t.Fatalf("err = %v, want wrapped original", err)
	}
}
