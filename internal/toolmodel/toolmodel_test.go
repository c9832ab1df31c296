package toolmodel

import "testing"

func TestFunctionID_String(t *testing.T) {
	id := FunctionID{Namespace: "Weather", Name: "getForecast"}
	if got, want := id.String(), "Weather.getForecast"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseFunctionID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FunctionID
		wantErr bool
	}{
		{"simple", "Weather.getForecast", FunctionID{"Weather", "getForecast"}, false},
		{"name with dots", "Weather.get.forecast", FunctionID{"Weather", "get.forecast"}, false},
		{"no dot", "Weather", FunctionID{}, true},
		{"empty", "", FunctionID{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFunctionID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseFunctionID(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFunctionID_RoundTrip(t *testing.T) {
	id := FunctionID{Namespace: "Github", Name: "listIssues"}
	parsed, err := ParseFunctionID(id.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip: got %+v, want %+v", parsed, id)
	}
}

func TestSanitizeNamespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple lower", "weather", "Weather"},
		{"kebab case", "github-issues", "GithubIssues"},
		{"snake case", "github_issues", "GithubIssues"},
		{"already pascal", "GithubIssues", "GithubIssues"},
		{"spaces", "my tool server", "MyToolServer"},
		{"empty", "", "Tools"},
		{"only separators", "---", "Tools"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeNamespace(tt.input); got != tt.want {
				t.Errorf("SanitizeNamespace(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeFunctionName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"kebab case", "list-tools", "listTools"},
		{"snake case", "list_tools", "listTools"},
		{"pascal case", "ListTools", "listTools"},
		{"camel case", "listTools", "listTools"},
		{"empty", "", "fn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFunctionName(tt.input); got != tt.want {
				t.Errorf("SanitizeFunctionName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestToolSet_AddRejectsDuplicateName(t *testing.T) {
	ts := NewToolSet("Weather", "")
	if err := ts.Add(Tool{ID: FunctionID{Namespace: "Weather", Name: "getForecast"}}); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}
	err := ts.Add(Tool{ID: FunctionID{Namespace: "Weather", Name: "getForecast"}})
	if err == nil {
		t.Fatal("expected error adding duplicate tool name")
	}
}

func TestToolSet_RemovePreservesOrderAndIndex(t *testing.T) {
	ts := NewToolSet("Weather", "")
	names := []string{"a", "b", "c"}
	for _, n := range names {
		if err := ts.Add(Tool{ID: FunctionID{Namespace: "Weather", Name: n}}); err != nil {
			t.Fatalf("unexpected error adding %q: %v", n, err)
		}
	}
	ts.Remove("a")
	if got := ts.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	got := make([]string, 0, 2)
	for _, tool := range ts.Tools() {
		got = append(got, tool.ID.Name)
	}
	if got[0] != "b" || got[1] != "c" {
		t.Errorf("Tools() after remove = %v, want [b c]", got)
	}
	// c must still be addressable after the index shift left by Remove.
	if err := ts.Add(Tool{ID: FunctionID{Namespace: "Weather", Name: "c"}}); err == nil {
		t.Error("expected duplicate-name error re-adding c after remove of a")
	}
}

func TestToolSet_ReplaceKeepsPosition(t *testing.T) {
	ts := NewToolSet("Weather", "")
	_ = ts.Add(Tool{ID: FunctionID{Namespace: "Weather", Name: "a"}, Description: "first"})
	_ = ts.Add(Tool{ID: FunctionID{Namespace: "Weather", Name: "b"}, Description: "second"})
	ts.Replace(Tool{ID: FunctionID{Namespace: "Weather", Name: "a"}, Description: "updated"})
	if got := ts.Tools()[0].Description; got != "updated" {
		t.Errorf("Tools()[0].Description = %q, want %q", got, "updated")
	}
	if got := ts.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestToolSet_Empty(t *testing.T) {
	ts := NewToolSet("Weather", "")
	if !ts.Empty() {
		t.Error("expected new ToolSet to be empty")
	}
	_ = ts.Add(Tool{ID: FunctionID{Namespace: "Weather", Name: "a"}})
	if ts.Empty() {
		t.Error("expected ToolSet with a tool to be non-empty")
	}
}
