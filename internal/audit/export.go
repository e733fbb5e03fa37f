package audit

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Export formats for compliance review. CSV and XML escape control
// characters in free-text fields and round-trip back to the same entries
// that JSON export produces.

// ExportJSON writes entries as a JSON array.
func ExportJSON(w io.Writer, entries []*Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

var csvHeader = []string{
	"id", "timestamp", "actor", "action", "entity_type", "entity_id",
	"before", "after", "category", "retention_until", "signature",
}

// ExportCSV writes entries as CSV with a header row. Metadata maps are
// embedded as JSON; free-text fields have control characters escaped.
func ExportCSV(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		rec := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			escapeControl(e.Actor),
			escapeControl(e.Action),
			e.EntityType,
			e.EntityID,
			marshalMeta(e.Before),
			marshalMeta(e.After),
			string(e.Category),
			e.RetentionUntil.UTC().Format(time.RFC3339Nano),
			e.Signature,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseCSV reads entries previously written by ExportCSV.
func ParseCSV(r io.Reader) ([]*Entry, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("audit: empty csv")
	}

	var entries []*Entry
	for i, row := range rows[1:] {
		if len(row) != len(csvHeader) {
			return nil, fmt.Errorf("audit: csv row %d has %d fields, want %d", i+1, len(row), len(csvHeader))
		}
		ts, err := time.Parse(time.RFC3339Nano, row[1])
		if err != nil {
			return nil, fmt.Errorf("audit: csv row %d timestamp: %w", i+1, err)
		}
		ret, err := time.Parse(time.RFC3339Nano, row[9])
		if err != nil {
			return nil, fmt.Errorf("audit: csv row %d retention: %w", i+1, err)
		}
		before, err := unmarshalMeta(row[6])
		if err != nil {
			return nil, err
		}
		after, err := unmarshalMeta(row[7])
		if err != nil {
			return nil, err
		}
		entries = append(entries, &Entry{
			ID:             row[0],
			Timestamp:      ts,
			Actor:          unescapeControl(row[2]),
			Action:         unescapeControl(row[3]),
			EntityType:     row[4],
			EntityID:       row[5],
			Before:         before,
			After:          after,
			Category:       Category(row[8]),
			RetentionUntil: ret,
			Signature:      row[10],
		})
	}
	return entries, nil
}

// xmlEntry is the XML schema for one entry.
type xmlEntry struct {
	XMLName        xml.Name  `xml:"entry"`
	ID             string    `xml:"id"`
	Timestamp      string    `xml:"timestamp"`
	Actor          string    `xml:"actor"`
	Action         string    `xml:"action"`
	EntityType     string    `xml:"entityType"`
	EntityID       string    `xml:"entityId"`
	Before         []xmlMeta `xml:"before>field,omitempty"`
	After          []xmlMeta `xml:"after>field,omitempty"`
	Category       string    `xml:"category"`
	RetentionUntil string    `xml:"retentionUntil"`
	Signature      string    `xml:"signature"`
}

type xmlMeta struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlLog struct {
	XMLName xml.Name   `xml:"auditLog"`
	Entries []xmlEntry `xml:"entry"`
}

// ExportXML writes entries under a single <auditLog> root.
func ExportXML(w io.Writer, entries []*Entry) error {
	doc := xmlLog{}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, xmlEntry{
			ID:             e.ID,
			Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
			Actor:          escapeControl(e.Actor),
			Action:         escapeControl(e.Action),
			EntityType:     e.EntityType,
			EntityID:       e.EntityID,
			Before:         metaToXML(e.Before),
			After:          metaToXML(e.After),
			Category:       string(e.Category),
			RetentionUntil: e.RetentionUntil.UTC().Format(time.RFC3339Nano),
			Signature:      e.Signature,
		})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ParseXML reads entries previously written by ExportXML.
func ParseXML(r io.Reader) ([]*Entry, error) {
	var doc xmlLog
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}

	var entries []*Entry
	for i, xe := range doc.Entries {
		ts, err := time.Parse(time.RFC3339Nano, xe.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("audit: xml entry %d timestamp: %w", i, err)
		}
		ret, err := time.Parse(time.RFC3339Nano, xe.RetentionUntil)
		if err != nil {
			return nil, fmt.Errorf("audit: xml entry %d retention: %w", i, err)
		}
		entries = append(entries, &Entry{
			ID:             xe.ID,
			Timestamp:      ts,
			Actor:          unescapeControl(xe.Actor),
			Action:         unescapeControl(xe.Action),
			EntityType:     xe.EntityType,
			EntityID:       xe.EntityID,
			Before:         metaFromXML(xe.Before),
			After:          metaFromXML(xe.After),
			Category:       Category(xe.Category),
			RetentionUntil: ret,
			Signature:      xe.Signature,
		})
	}
	return entries, nil
}

func marshalMeta(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMeta(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("audit: metadata cell: %w", err)
	}
	return m, nil
}

func metaToXML(m map[string]string) []xmlMeta {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]xmlMeta, 0, len(keys))
	for _, k := range keys {
		out = append(out, xmlMeta{Key: k, Value: escapeControl(m[k])})
	}
	return out
}

func metaFromXML(fields []xmlMeta) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = unescapeControl(f.Value)
	}
	return m
}

// escapeControl replaces backslashes and control characters with visible
// escape sequences so exported text cannot smuggle record separators.
func escapeControl(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r < 0x20 || r == '\\' }) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20:
			b.WriteString(`\x` + fmt.Sprintf("%02x", r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unescapeControl(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'x':
			if i+2 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteByte(byte(v))
					i += 2
					continue
				}
			}
			b.WriteString(`\x`)
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
