package codec

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func wellFormedRecord() Record {
	return Record{
		Topic:   "Switch ledger persistence to atomic renames",
		Context: "Crash mid-write corrupted the operations file twice last week.",
		Decisions: []string{
			"Write to a temp file and rename over the target",
			"Keep a read-through cache owned by the coordinator",
		},
		Rationale:     []string{"Rename is atomic on POSIX filesystems"},
		OpenQuestions: []string{"Do we need fsync on the parent directory?"},
		NextSteps:     []string{"Add crash-recovery test"},
		References:    []string{"ops/incident-42"},
		Meta: &Metadata{
			TopicID:         "topic-7",
			SessionID:       "sess-19",
			PlanID:          "plan-3",
			Status:          StatusActive,
			SourceCreatedAt: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC),
			CreatedAt:       time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC),
			UpdatedAt:       time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC),
			SupersededBy:    "",
		},
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	orig := wellFormedRecord()

	decoded, err := Decode(Encode(orig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(decoded, orig) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestEncodeDecode_RoundTripEmptyLists(t *testing.T) {
	orig := Record{
		Topic:   "Minimal record",
		Context: "No lists at all.",
		Meta: &Metadata{
			Status:    StatusDecisionRecord,
			CreatedAt: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			UpdatedAt: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	decoded, err := Decode(Encode(orig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(decoded, orig) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestEncodeDecode_RoundTripMarkupCollisions(t *testing.T) {
	// Summaries are markdown-ish text; bullets, headings, and even the
	// codec's own marker are plausible content and must survive intact.
	cases := []struct {
		name    string
		topic   string
		context string
	}{
		{
			name:    "bullet lines in context",
			context: "Summary follows:\n- first point\n- second point",
		},
		{
			name:    "heading line in context",
			context: "We wrote:\n## Decisions\nand kept going",
		},
		{
			name:    "metadata marker in context",
			context: "The blob format uses\n<!-- memoir:meta v1\nas its marker",
		},
		{
			name:    "leading backslash line",
			context: `\literal backslash line`,
		},
		{
			name:  "bullet line as topic",
			topic: "- not actually a bullet",
		},
		{
			name:    "mid-line marker",
			context: "see <!-- memoir:meta v1 for details",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orig := wellFormedRecord()
			if tc.topic != "" {
				orig.Topic = tc.topic
			}
			if tc.context != "" {
				orig.Context = tc.context
			}

			decoded, err := Decode(Encode(orig))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decoded.Topic != orig.Topic {
				t.Errorf("Topic = %q, want %q", decoded.Topic, orig.Topic)
			}
			if decoded.Context != orig.Context {
				t.Errorf("Context = %q, want %q", decoded.Context, orig.Context)
			}
			if !reflect.DeepEqual(decoded, orig) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
			}
		})
	}
}

func TestEncodeDecode_RoundTripMarkupCollisionsLegacy(t *testing.T) {
	orig := Record{
		Topic:   "Escaping without metadata",
		Context: "Points:\n- one\n- two",
	}

	decoded, err := Decode(Encode(orig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(decoded, orig) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	r := wellFormedRecord()
	if Encode(r) != Encode(r) {
		t.Error("Encode is not deterministic for identical input")
	}
}

func TestEncode_SectionOrder(t *testing.T) {
	text := Encode(wellFormedRecord())

	last := -1
	for _, h := range sectionOrder {
		idx := strings.Index(text, "## "+h+"\n")
		if idx == -1 {
			t.Fatalf("missing section %q", h)
		}
		if idx < last {
			t.Errorf("section %q out of order", h)
		}
		last = idx
	}

	if !strings.Contains(text, "<!-- memoir:meta v1\n") {
		t.Error("missing versioned metadata block")
	}
}

func TestDecode_NoMetadataBlockIsLegacy(t *testing.T) {
	text := "## Topic\nOld note\n\n## Context\nWritten before the codec existed.\n"

	rec, err := Decode(text)
	if err != nil {
		t.Fatalf("legacy content must not error, got: %v", err)
	}
	if !rec.Legacy() {
		t.Fatal("expected legacy record (nil Meta)")
	}
	if rec.Topic != "Old note" {
		t.Errorf("Topic = %q, want %q", rec.Topic, "Old note")
	}
	if rec.Context != "Written before the codec existed." {
		t.Errorf("Context = %q", rec.Context)
	}
}

func TestDecode_FreeformLegacyText(t *testing.T) {
	// Content with no recognizable headings at all still decodes as legacy.
	rec, err := Decode("just a paragraph someone pasted in\nwith two lines")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Legacy() {
		t.Error("expected legacy record")
	}
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	text := "## Topic\nFuture record\n\n<!-- memoir:meta v2\ntopic_id: x\n-->\n"

	_, err := Decode(text)
	if !errors.Is(err, ErrUnsupportedTemplateVersion) {
		t.Fatalf("got %v, want ErrUnsupportedTemplateVersion", err)
	}
}

func TestDecode_MalformedBlock(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{
			name: "unterminated block",
			text: "## Topic\nX\n\n<!-- memoir:meta v1\ntopic_id: x\n",
		},
		{
			name: "unknown key",
			text: "## Topic\nX\n\n<!-- memoir:meta v1\nshoe_size: 44\n-->\n",
		},
		{
			name: "bad status",
			text: "## Topic\nX\n\n<!-- memoir:meta v1\nstatus: Zombie\n-->\n",
		},
		{
			name: "bad timestamp",
			text: "## Topic\nX\n\n<!-- memoir:meta v1\ncreated_at: yesterday\n-->\n",
		},
		{
			name: "line without separator",
			text: "## Topic\nX\n\n<!-- memoir:meta v1\nnot a kv line\n-->\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.text)
			if !errors.Is(err, ErrMalformedMetadata) {
				t.Errorf("got %v, want ErrMalformedMetadata", err)
			}
		})
	}
}

func TestDecode_MalformedNeverReturnsLegacy(t *testing.T) {
	// A present-but-broken block must fail loudly, not degrade to legacy.
	rec, err := Decode("## Topic\nX\n\n<!-- memoir:meta v1\nstatus: Zombie\n-->\n")
	if err == nil {
		t.Fatalf("expected error, got record %+v", rec)
	}
}

func TestDecode_SupersededLink(t *testing.T) {
	r := wellFormedRecord()
	r.Meta.Status = StatusSuperseded
	r.Meta.SupersededBy = "mem-99"

	decoded, err := Decode(Encode(r))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Meta.SupersededBy != "mem-99" {
		t.Errorf("SupersededBy = %q, want mem-99", decoded.Meta.SupersededBy)
	}
	if decoded.Meta.Status != StatusSuperseded {
		t.Errorf("Status = %q, want Superseded", decoded.Meta.Status)
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusActive, StatusSuperseded, StatusDecisionRecord} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Status("Archived").Valid() {
		t.Error("unknown status should be invalid")
	}
}
