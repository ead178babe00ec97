package sandbox

import "testing"

func TestQuotasForLevelClampsMemory(t *testing.T) {
	tests := []struct {
		level  IsolationLevel
		userMB int
		wantMB int
	}{
		{Strict, 256, 64},
		{Strict, 32, 32},
		{Moderate, 256, 128},
		{Moderate, 64, 64},
		{Minimal, 256, 256},
	}
	for _, tt := range tests {
		q := QuotasForLevel(tt.level, tt.userMB)
		if q.MemoryLimitMB != tt.wantMB {
			t.Errorf("QuotasForLevel(%s, %d) = %d MB, want %d MB", tt.level, tt.userMB, q.MemoryLimitMB, tt.wantMB)
		}
	}
}

func TestQuotasForLevelUnknownDefaultsToStrict(t *testing.T) {
	q := QuotasForLevel(IsolationLevel("bogus"), 256)
	if q.MemoryLimitMB != 64 {
		t.Errorf("unknown isolation level should clamp like strict, got %d MB", q.MemoryLimitMB)
	}
}
