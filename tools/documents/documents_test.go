package documents

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	ensemble "github.com/ensembleai/ensemble"
)

func seeded(t *testing.T) *Endpoint {
	t.Helper()
	e := New()
	e.Add("u1", Document{
		Name:       "report.pdf",
		MimeType:   "application/pdf",
		Content:    "Q3 revenue grew 12% year over year.",
		UploadedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	})
	e.Add("u1", Document{
		Name:       "notes.txt",
		MimeType:   "text/plain",
		Content:    "meeting notes",
		UploadedAt: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
	})
	return e
}

func TestListDocuments(t *testing.T) {
	e := seeded(t)

	out, err := e.Call(context.Background(), "list_documents", json.RawMessage(`{}`),
		ensemble.InvocationContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(out, "report.pdf") || !strings.Contains(out, "notes.txt") {
		t.Errorf("missing documents: %s", out)
	}
	// Most recent first.
	if strings.Index(out, "notes.txt") > strings.Index(out, "report.pdf") {
		t.Errorf("wrong order: %s", out)
	}
}

func TestListDocumentsEmpty(t *testing.T) {
	e := New()
	out, err := e.Call(context.Background(), "list_documents", json.RawMessage(`{}`),
		ensemble.InvocationContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(out, "No documents") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestGetDocumentByName(t *testing.T) {
	e := seeded(t)

	out, err := e.Call(context.Background(), "get_document",
		json.RawMessage(`{"name":"report.pdf"}`), ensemble.InvocationContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(out, "Q3 revenue grew 12%") {
		t.Errorf("missing content: %s", out)
	}
}

func TestGetDocumentByID(t *testing.T) {
	e := New()
	id := e.Add("u1", Document{Name: "a.txt", Content: "alpha"})

	out, err := e.Call(context.Background(), "get_document",
		json.RawMessage(`{"id":"`+id+`"}`), ensemble.InvocationContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(out, "alpha") {
		t.Errorf("missing content: %s", out)
	}
}

func TestGetDocumentMissing(t *testing.T) {
	e := seeded(t)
	_, err := e.Call(context.Background(), "get_document",
		json.RawMessage(`{"name":"nope.txt"}`), ensemble.InvocationContext{UserID: "u1"})
	if err == nil {
		t.Fatal("expected error for missing document")
	}
}

func TestUserScoping(t *testing.T) {
	e := seeded(t)

	_, err := e.Call(context.Background(), "get_document",
		json.RawMessage(`{"name":"report.pdf"}`), ensemble.InvocationContext{UserID: "u2"})
	if err == nil {
		t.Fatal("cross-user read succeeded")
	}

	out, err := e.Call(context.Background(), "list_documents", json.RawMessage(`{}`),
		ensemble.InvocationContext{UserID: "u2"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if strings.Contains(out, "report.pdf") {
		t.Errorf("cross-user listing: %s", out)
	}
}

func TestGetDocumentTruncatesLargeContent(t *testing.T) {
	e := New()
	e.Add("u1", Document{Name: "big.txt", Content: strings.Repeat("x", maxContentSize+100)})

	out, err := e.Call(context.Background(), "get_document",
		json.RawMessage(`{"name":"big.txt"}`), ensemble.InvocationContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(out, "document truncated") {
		t.Error("missing truncation marker")
	}
	if len(out) > maxContentSize+200 {
		t.Errorf("output not truncated: %d bytes", len(out))
	}
}

func TestRemove(t *testing.T) {
	e := New()
	id := e.Add("u1", Document{Name: "a.txt", Content: "alpha"})

	if !e.Remove("u1", id) {
		t.Fatal("Remove returned false")
	}
	if e.Remove("u1", id) {
		t.Fatal("double Remove returned true")
	}
	_, err := e.Call(context.Background(), "get_document",
		json.RawMessage(`{"id":"`+id+`"}`), ensemble.InvocationContext{UserID: "u1"})
	if err == nil {
		t.Fatal("removed document still readable")
	}
}
