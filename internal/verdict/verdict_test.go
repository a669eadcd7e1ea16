package verdict

import "testing"

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"approved", `{"verdict":"APPROVED"}`, true},
		{"changes requested with findings", `{"verdict":"CHANGES_REQUESTED","findings":[{"title":"x"}]}`, true},
		{"rejected", `{"verdict":"REJECTED","findings":[]}`, true},
		{"extra fields allowed", `{"verdict":"APPROVED","summary":"fine","cost":1.5}`, true},
		{"empty", ``, false},
		{"too short", `{"a":1}`, false},
		{"whitespace only", "   \n\t  ", false},
		{"not json", `verdict: APPROVED`, false},
		{"json but not object", `["APPROVED","APPROVED"]`, false},
		{"missing verdict", `{"findings":[]}`, false},
		{"unknown verdict value", `{"verdict":"MAYBE_LATER"}`, false},
		{"lowercase verdict", `{"verdict":"approved"}`, false},
		{"findings not array", `{"verdict":"APPROVED","findings":{"a":1}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Valid([]byte(tc.raw)); got != tc.want {
				t.Fatalf("Valid(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	raw := []byte(`{"verdict":"CHANGES_REQUESTED","summary":"needs work","findings":[{"severity":"major","title":"no tests","body":"add them"}]}`)
	doc, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if doc.Verdict != VerdictChangesRequested {
		t.Fatalf("verdict = %q", doc.Verdict)
	}
	if len(doc.Findings) != 1 || doc.Findings[0].Title != "no tests" {
		t.Fatalf("findings = %+v", doc.Findings)
	}
	if doc.Summary != "needs work" {
		t.Fatalf("summary = %q", doc.Summary)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	if _, err := Decode([]byte(`{"verdict":"NOPE"}`)); err == nil {
		t.Fatal("Decode must refuse contract violations")
	}
}
