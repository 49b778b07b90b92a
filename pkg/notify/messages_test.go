package notify

import "testing"

func TestStatusEmoji(t *testing.T) {
	tests := []struct {
		success bool
		want    string
	}{
		{true, "✅"},
		{false, "🔴"},
	}

	for _, tt := range tests {
		got := statusEmoji(tt.success)
		if got != tt.want {
			t.Errorf("statusEmoji(%v) = %q, want %q", tt.success, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is a long string", 10, "this is..."},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := truncate(tt.input, tt.max)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
			}
		})
	}
}

func TestDeployResultBlocksIncludesErrorOnFailure(t *testing.T) {
	r := DeployResult{
		Operation:   "deploy",
		ProjectName: "acme",
		ServiceName: "api",
		Env:         "production",
		Version:     4,
		Success:     false,
		Error:       "health gate timed out",
		TriggeredBy: "alice",
	}

	blocks := DeployResultBlocks(r)
	if len(blocks) < 3 {
		t.Fatalf("expected header, fields, and error blocks, got %d blocks", len(blocks))
	}
}

func TestDeployResultBlocksOmitsErrorOnSuccess(t *testing.T) {
	r := DeployResult{
		Operation:   "deploy",
		ProjectName: "acme",
		ServiceName: "api",
		Env:         "production",
		Version:     4,
		Success:     true,
		TriggeredBy: "alice",
	}

	blocks := DeployResultBlocks(r)
	if len(blocks) != 2 {
		t.Fatalf("expected header and fields blocks only, got %d blocks", len(blocks))
	}
}
