package hl7v2

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitBatch(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "empty",
			content: "",
			want:    nil,
		},
		{
			name:    "whitespace only",
			content: " \r\n\t\n",
			want:    nil,
		},
		{
			name:    "single message",
			content: "MSH|^~\\&|A\rPID|1",
			want:    []string{"MSH|^~\\&|A\rPID|1"},
		},
		{
			name:    "two messages LF",
			content: "MSH|^~\\&|A\nPID|1\nMSH|^~\\&|B\nPID|2\n",
			want:    []string{"MSH|^~\\&|A\rPID|1", "MSH|^~\\&|B\rPID|2"},
		},
		{
			name:    "two messages CRLF",
			content: "MSH|^~\\&|A\r\nPID|1\r\nMSH|^~\\&|B\r\nPID|2",
			want:    []string{"MSH|^~\\&|A\rPID|1", "MSH|^~\\&|B\rPID|2"},
		},
		{
			name:    "blank lines between messages",
			content: "MSH|^~\\&|A\r\r\r\rMSH|^~\\&|B",
			want:    []string{"MSH|^~\\&|A", "MSH|^~\\&|B"},
		},
		{
			name:    "header marker inside a field is not a boundary",
			content: "MSH|^~\\&|A\rNTE|1||see MSH|^~ example",
			want:    []string{"MSH|^~\\&|A\rNTE|1||see MSH|^~ example"},
		},
		{
			name:    "no header returns whole text",
			content: "  not hl7 at all\n",
			want:    []string{"not hl7 at all"},
		},
		{
			name:    "leading junk before first header is dropped",
			content: "garbage\rMSH|^~\\&|A",
			want:    []string{"MSH|^~\\&|A"},
		},
		{
			name:    "batch envelope stripped",
			content: "FHS|^~\\&|X\rBHS|^~\\&|X\rMSH|^~\\&|A\rPID|1\rMSH|^~\\&|B\rBTS|2\rFTS|1",
			want:    []string{"MSH|^~\\&|A\rPID|1", "MSH|^~\\&|B"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitBatch(tt.content)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSplitBatch_CountMatchesHeaders(t *testing.T) {
	msg := "MSH|^~\\&|A|B|C|D|20240115||ADT^A01|X|P|2.5\rPID|1||123"
	for n := 1; n <= 5; n++ {
		content := strings.Repeat(msg+"\n", n)
		if got := len(SplitBatch(content)); got != n {
			t.Errorf("expected %d messages, got %d", n, got)
		}
	}
}

func TestParseBatch_SingleMessageMatchesParse(t *testing.T) {
	p := NewParser()
	for _, input := range []string{sampleADTA01, sampleORUR01, sampleMDMT02} {
		normalized := strings.ReplaceAll(input, "\n", "\r")

		batch := p.ParseBatch(normalized)
		if len(batch) != 1 {
			t.Fatalf("expected 1 message, got %d", len(batch))
		}
		if !reflect.DeepEqual(batch[0], p.Parse(normalized)) {
			t.Errorf("batch of one differs from single parse for %s", batch[0].ControlID)
		}
	}
}

func TestParseBatch_TwoMessages(t *testing.T) {
	results := NewParser().ParseBatch(sampleADTA01 + "\n" + sampleORUR01)

	if len(results) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(results))
	}
	if results[0].MessageType != "ADT" || results[1].MessageType != "ORU" {
		t.Errorf("expected ADT then ORU, got %s then %s", results[0].MessageType, results[1].MessageType)
	}
	if results[0].ControlID != "MSG00001" || results[1].ControlID != "MSG00003" {
		t.Errorf("unexpected control IDs: %s, %s", results[0].ControlID, results[1].ControlID)
	}
}

func TestParseBatch_Empty(t *testing.T) {
	if got := NewParser().ParseBatch(""); len(got) != 0 {
		t.Errorf("expected no messages, got %d", len(got))
	}
}

func TestParseBatch_LineEndings(t *testing.T) {
	p := NewParser()
	unix := sampleADTA01
	windows := strings.ReplaceAll(sampleADTA01, "\n", "\r\n")

	for name, content := range map[string]string{"unix": unix, "windows": windows} {
		results := p.ParseBatch(content)
		if len(results) != 1 {
			t.Errorf("%s: expected 1 message, got %d", name, len(results))
			continue
		}
		if results[0].ControlID != "MSG00001" {
			t.Errorf("%s: expected control ID 'MSG00001', got %q", name, results[0].ControlID)
		}
	}
}

func TestParseBatch_UnparseableSurfacesAsError(t *testing.T) {
	results := NewParser().ParseBatch("This is not HL7")
	if len(results) != 1 {
		t.Fatalf("expected 1 candidate message, got %d", len(results))
	}
	if !results[0].Failed() {
		t.Errorf("expected failed parse, got %+v", results[0])
	}
}
