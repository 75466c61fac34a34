package handlers

import (
	"context"
	"encoding/json"

	"github.com/fieldkit/mcpcore/internal/protocol"
	"github.com/fieldkit/mcpcore/internal/resources"
	"github.com/fieldkit/mcpcore/internal/session"
)

type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources  []resourceDescriptor `json:"resources"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

type resourceTemplatesListResult struct {
	ResourceTemplates []resourceDescriptor `json:"resourceTemplates"`
	NextCursor        string               `json:"nextCursor,omitempty"`
}

func describeResource(r resources.Resource) resourceDescriptor {
	return resourceDescriptor{URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MIMEType}
}

func (r *Registry) handleResourcesList(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p listParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	items, next := r.resources.ListStatic(p.Cursor, 50)
	out := make([]resourceDescriptor, 0, len(items))
	for _, item := range items {
		out = append(out, describeResource(item))
	}
	return resourcesListResult{Resources: out, NextCursor: next}, nil
}

func (r *Registry) handleResourcesTemplatesList(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p listParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	items, next := r.resources.ListTemplates(p.Cursor, 50)
	out := make([]resourceDescriptor, 0, len(items))
	for _, item := range items {
		out = append(out, describeResource(item))
	}
	return resourceTemplatesListResult{ResourceTemplates: out, NextCursor: next}, nil
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

type resourcesReadResult struct {
	Contents []resourceContent `json:"contents"`
}

// handleResourcesRead routes uri through the resource router (template match
// by registration order, falling back to the static map) and the security
// gate (spec.md §4.J).
func (r *Registry) handleResourcesRead(ctx context.Context, params json.RawMessage, sess *session.Context) (any, error) {
	var p resourcesReadParams
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "resources/read requires a uri", nil)
	}
	content, err := r.resources.Read(ctx, p.URI)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, err.Error(), nil)
	}
	return resourcesReadResult{Contents: []resourceContent{{
		URI:      content.URI,
		MIMEType: content.MIMEType,
		Text:     content.Text,
		Blob:     content.Blob,
	}}}, nil
}
