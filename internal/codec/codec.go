// Package codec implements the deterministic text format used to persist
// structured memory records inside an opaque content store. The store only
// holds text, so every structured field is rendered into fixed section
// headings plus a trailing, versioned metadata block that Decode can parse
// back out. The codec is the only code path allowed to produce or consume
// this format.
package codec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TemplateVersion is embedded in every encoded blob. Decode rejects blobs
// declaring a version it does not recognize.
const TemplateVersion = 1

// Status is the lifecycle state of a memory record.
type Status string

const (
	StatusActive         Status = "Active"
	StatusSuperseded     Status = "Superseded"
	StatusDecisionRecord Status = "DecisionRecord"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusDecisionRecord:
		return true
	}
	return false
}

var (
	// ErrMalformedMetadata is returned when a metadata block is present but
	// does not parse against its declared template version. Silently
	// coercing such a blob into a legacy record would misrepresent data
	// provenance and corrupt ranking.
	ErrMalformedMetadata = errors.New("malformed metadata block")

	// ErrUnsupportedTemplateVersion is returned when a metadata block
	// declares a template version this codec does not know how to read.
	ErrUnsupportedTemplateVersion = errors.New("unsupported template version")
)

// Metadata holds the structured, non-text fields of a memory record.
type Metadata struct {
	TopicID   string
	SessionID string
	PlanID    string
	Status    Status

	// SourceCreatedAt is the truthful original creation time. It must
	// survive bulk migrations, unlike CreatedAt which is the ingestion time.
	SourceCreatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// SupersededBy references the newer record that replaced this one.
	// Status changes are expressed by appending a new record and linking,
	// never by rewriting stored text.
	SupersededBy string
}

// Record is a stored conversation summary. A nil Meta marks a legacy record:
// content written before the metadata block existed, with no structured
// fields available.
type Record struct {
	Topic         string
	Context       string
	Decisions     []string
	Rationale     []string
	OpenQuestions []string
	NextSteps     []string
	References    []string

	Meta *Metadata
}

// Legacy reports whether the record carries no structured metadata.
func (r Record) Legacy() bool { return r.Meta == nil }

// Section headings, in the fixed order Encode renders them.
var sectionOrder = []string{
	"Topic",
	"Context",
	"Decisions",
	"Rationale",
	"Open Questions",
	"Next Steps",
	"References",
	"Time Scope",
}

const (
	metaOpen  = "<!-- memoir:meta v"
	metaClose = "-->"
)

// escapeBody prefixes a backslash to any content line that would otherwise
// collide with the codec's own markup: section headings, bullet prefixes,
// the metadata marker, or an escape already present. Without this, user text
// containing markdown-ish lines would be misparsed on decode and silently
// lost.
func escapeBody(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, `\`) ||
			strings.HasPrefix(line, "- ") ||
			strings.HasPrefix(line, metaOpen) ||
			headingRe.MatchString(line) {
			lines[i] = `\` + line
		}
	}
	return strings.Join(lines, "\n")
}

// Encode renders a record into the versioned text blob. The output is
// deterministic: fixed heading order, bullets for list sections, and a
// trailing metadata block with one key per line. Times are rendered in UTC
// RFC 3339 at second precision. Text bodies are escaped so that content
// colliding with the codec's markup survives a round trip.
func Encode(r Record) string {
	var sb strings.Builder

	writeText := func(heading, body string) {
		sb.WriteString("## " + heading + "\n")
		if body != "" {
			sb.WriteString(escapeBody(body) + "\n")
		}
		sb.WriteString("\n")
	}
	writeList := func(heading string, items []string) {
		sb.WriteString("## " + heading + "\n")
		for _, it := range items {
			sb.WriteString("- " + it + "\n")
		}
		sb.WriteString("\n")
	}

	writeText("Topic", r.Topic)
	writeText("Context", r.Context)
	writeList("Decisions", r.Decisions)
	writeList("Rationale", r.Rationale)
	writeList("Open Questions", r.OpenQuestions)
	writeList("Next Steps", r.NextSteps)
	writeList("References", r.References)

	timeScope := "unknown"
	if r.Meta != nil && !r.Meta.SourceCreatedAt.IsZero() {
		timeScope = formatTime(r.Meta.SourceCreatedAt)
	}
	writeText("Time Scope", timeScope)

	if r.Meta == nil {
		return strings.TrimRight(sb.String(), "\n") + "\n"
	}

	m := r.Meta
	sb.WriteString(metaOpen + strconv.Itoa(TemplateVersion) + "\n")
	sb.WriteString("topic_id: " + m.TopicID + "\n")
	sb.WriteString("session_id: " + m.SessionID + "\n")
	sb.WriteString("plan_id: " + m.PlanID + "\n")
	sb.WriteString("status: " + string(m.Status) + "\n")
	sb.WriteString("source_created_at: " + formatTime(m.SourceCreatedAt) + "\n")
	sb.WriteString("created_at: " + formatTime(m.CreatedAt) + "\n")
	sb.WriteString("updated_at: " + formatTime(m.UpdatedAt) + "\n")
	sb.WriteString("superseded_by: " + m.SupersededBy + "\n")
	sb.WriteString(metaClose + "\n")

	return sb.String()
}

// metaBlockRe matches a well-formed metadata block at the end of a blob.
var metaBlockRe = regexp.MustCompile(`(?s)<!-- memoir:meta v(\d+)\n(.*?)\n-->\s*$`)

// headingRe matches section headings on their own line.
var headingRe = regexp.MustCompile(`^## (Topic|Context|Decisions|Rationale|Open Questions|Next Steps|References|Time Scope)$`)

// Decode parses a blob back into a Record.
//
// Dispatch order: a blob with no metadata marker at all decodes as a legacy
// record (text only, Meta nil) — required for content stored before this
// codec existed. A marker with an unknown version fails with
// ErrUnsupportedTemplateVersion; a marker that is present but unparseable
// fails with ErrMalformedMetadata. Both failures are loud on purpose.
func Decode(text string) (Record, error) {
	var rec Record

	body := text
	if idx := metaMarkerIndex(text); idx >= 0 {
		m := metaBlockRe.FindStringSubmatch(text[idx:])
		if m == nil {
			return Record{}, fmt.Errorf("%w: unterminated block", ErrMalformedMetadata)
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version != TemplateVersion {
			return Record{}, fmt.Errorf("%w: v%s", ErrUnsupportedTemplateVersion, m[1])
		}
		meta, err := parseMetadata(m[2])
		if err != nil {
			return Record{}, err
		}
		rec.Meta = meta
		body = text[:idx]
	}

	parseSections(body, &rec)
	return rec, nil
}

// metaMarkerIndex returns the byte offset of the metadata block opener, or
// -1. Only a marker at the start of a line counts: Encode escapes content
// lines that begin with the marker, so a mid-line occurrence is user text.
// The last occurrence wins because the block is defined to close the blob.
func metaMarkerIndex(text string) int {
	if i := strings.LastIndex(text, "\n"+metaOpen); i >= 0 {
		return i + 1
	}
	if strings.HasPrefix(text, metaOpen) {
		return 0
	}
	return -1
}

// parseSections fills the text fields of rec from the section headings in
// body. Unknown lines before the first heading are ignored; list sections
// collect "- " bullets, text sections collect everything up to the next
// heading. A leading backslash marks an escaped content line: the backslash
// is stripped and the remainder is always treated as text, never as markup.
func parseSections(body string, rec *Record) {
	current := ""
	var textBuf []string

	flush := func() {
		if current == "" {
			return
		}
		text := strings.TrimSpace(strings.Join(textBuf, "\n"))
		switch current {
		case "Topic":
			rec.Topic = text
		case "Context":
			rec.Context = text
		}
		textBuf = textBuf[:0]
	}

	appendItem := func(item string) {
		switch current {
		case "Decisions":
			rec.Decisions = append(rec.Decisions, item)
		case "Rationale":
			rec.Rationale = append(rec.Rationale, item)
		case "Open Questions":
			rec.OpenQuestions = append(rec.OpenQuestions, item)
		case "Next Steps":
			rec.NextSteps = append(rec.NextSteps, item)
		case "References":
			rec.References = append(rec.References, item)
		}
	}

	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, `\`); ok {
			textBuf = append(textBuf, rest)
			continue
		}
		if h := headingRe.FindStringSubmatch(line); h != nil {
			flush()
			current = h[1]
			continue
		}
		if item, ok := strings.CutPrefix(line, "- "); ok {
			appendItem(item)
			continue
		}
		textBuf = append(textBuf, line)
	}
	flush()
}

// parseMetadata parses the key/value lines of a v1 metadata block. Any
// unknown key, bad timestamp, or bad status is malformed: a half-understood
// block must never silently degrade to a legacy record.
func parseMetadata(block string) (*Metadata, error) {
	meta := &Metadata{}
	for _, line := range strings.Split(block, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: line %q", ErrMalformedMetadata, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "topic_id":
			meta.TopicID = value
		case "session_id":
			meta.SessionID = value
		case "plan_id":
			meta.PlanID = value
		case "status":
			st := Status(value)
			if !st.Valid() {
				return nil, fmt.Errorf("%w: status %q", ErrMalformedMetadata, value)
			}
			meta.Status = st
		case "source_created_at":
			t, err := parseTime(value)
			if err != nil {
				return nil, fmt.Errorf("%w: source_created_at %q", ErrMalformedMetadata, value)
			}
			meta.SourceCreatedAt = t
		case "created_at":
			t, err := parseTime(value)
			if err != nil {
				return nil, fmt.Errorf("%w: created_at %q", ErrMalformedMetadata, value)
			}
			meta.CreatedAt = t
		case "updated_at":
			t, err := parseTime(value)
			if err != nil {
				return nil, fmt.Errorf("%w: updated_at %q", ErrMalformedMetadata, value)
			}
			meta.UpdatedAt = t
		case "superseded_by":
			meta.SupersededBy = value
		default:
			return nil, fmt.Errorf("%w: unknown key %q", ErrMalformedMetadata, key)
		}
	}
	return meta, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
