// Package documents provides a session-document endpoint. Uploaded documents
// are registered by the host application; the LLM retrieves them with
// list_documents and get_document, scoped to the requesting user.
package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ensemble "github.com/ensembleai/ensemble"
)

// maxContentSize bounds get_document output. Larger documents are cut with
// a marker so the model knows the text is partial.
const maxContentSize = 64 * 1024 // 64KB

// Document is one uploaded document.
type Document struct {
	ID         string
	Name       string
	MimeType   string
	Content    string
	UploadedAt time.Time
}

// Endpoint serves document tools over an in-memory per-user registry.
type Endpoint struct {
	mu   sync.RWMutex
	docs map[string][]Document // keyed by user ID
}

var _ ensemble.Endpoint = (*Endpoint)(nil)

// New creates an empty document endpoint.
func New() *Endpoint {
	return &Endpoint{docs: make(map[string][]Document)}
}

// Add registers a document for a user. The host application calls this when
// an upload completes. Returns the assigned document ID.
func (e *Endpoint) Add(userID string, doc Document) string {
	if doc.ID == "" {
		doc.ID = ensemble.NewID()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	e.mu.Lock()
	e.docs[userID] = append(e.docs[userID], doc)
	e.mu.Unlock()
	return doc.ID
}

// Remove deletes a document by ID. Returns false when the user has no such
// document.
func (e *Endpoint) Remove(userID, docID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	docs := e.docs[userID]
	for i, d := range docs {
		if d.ID == docID {
			e.docs[userID] = append(docs[:i:i], docs[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Endpoint) Specs() []ensemble.ToolSpec {
	return []ensemble.ToolSpec{
		{
			Name:        "list_documents",
			Description: "List the documents the user has uploaded, most recent first. Use this to find a document mentioned in conversation.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Output:      "One line per document: id, name, and upload time.",
		},
		{
			Name:        "get_document",
			Description: "Fetch the text content of an uploaded document by id or by exact file name.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {
						"type": "string",
						"description": "Document id from list_documents"
					},
					"name": {
						"type": "string",
						"description": "Exact file name, used when id is unknown"
					}
				}
			}`),
			Output: "The document text, truncated with a marker when very large.",
		},
	}
}

// Call dispatches a tool invocation. Documents are scoped by the invocation
// context's user; one user never sees another's uploads.
func (e *Endpoint) Call(ctx context.Context, name string, args json.RawMessage, ic ensemble.InvocationContext) (string, error) {
	switch name {
	case "list_documents":
		return e.listDocuments(ic.UserID)
	case "get_document":
		return e.getDocument(args, ic.UserID)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (e *Endpoint) listDocuments(userID string) (string, error) {
	e.mu.RLock()
	docs := make([]Document, len(e.docs[userID]))
	copy(docs, e.docs[userID])
	e.mu.RUnlock()

	if len(docs) == 0 {
		return "No documents uploaded.", nil
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UploadedAt.After(docs[j].UploadedAt)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d documents:\n", len(docs))
	for _, d := range docs {
		fmt.Fprintf(&b, "- %s: %s (uploaded %s)\n", d.ID, d.Name, d.UploadedAt.Format(time.RFC3339))
	}
	return b.String(), nil
}

func (e *Endpoint) getDocument(args json.RawMessage, userID string) (string, error) {
	var params struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.ID == "" && params.Name == "" {
		return "", fmt.Errorf("id or name is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, d := range e.docs[userID] {
		if d.ID == params.ID || (params.Name != "" && d.Name == params.Name) {
			content := d.Content
			if len(content) > maxContentSize {
				content = content[:maxContentSize] + "\n... document truncated"
			}
			return fmt.Sprintf("Document %q:\n%s", d.Name, content), nil
		}
	}
	want := params.ID
	if want == "" {
		want = params.Name
	}
	return "", fmt.Errorf("no such document: %s", want)
}
