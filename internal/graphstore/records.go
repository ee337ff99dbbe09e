package graphstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
)

var summaryFormats = []string{"brief", "detailed", "executive", "bullet"}

func sanitizeFormat(format string) string {
	for _, f := range summaryFormats {
		if format == f {
			return f
		}
	}
	return "brief"
}

func stringValue(rec *db.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intValue(rec *db.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func stringSliceValue(rec *db.Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func documentFromRecord(rec *db.Record) (*Document, error) {
	v, ok := rec.Get("d")
	if !ok {
		return nil, fmt.Errorf("record is missing document node")
	}
	node, ok := v.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected record value type %T", v)
	}
	props := node.Props

	doc := &Document{
		ID:           propString(props, "id"),
		TenantKey:    propString(props, "tenant_key"),
		Filename:     propString(props, "filename"),
		FileType:     propString(props, "file_type"),
		ByteSize:     propInt(props, "byte_size"),
		UploadTime:   time.Unix(propInt(props, "upload_time"), 0),
		ChunkCount:   int(propInt(props, "chunk_count")),
		SummaryCache: map[string]string{},
	}
	for _, format := range summaryFormats {
		if summary := propString(props, "summary_"+format); summary != "" {
			doc.SummaryCache[format] = summary
		}
	}
	return doc, nil
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propInt(props map[string]any, key string) int64 {
	switch n := props[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func lowerAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}

func truncateEdges(edges []EntityEdge, limit int) []EntityEdge {
	if len(edges) > limit {
		return edges[:limit]
	}
	return edges
}
