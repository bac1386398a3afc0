package operations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExtractDate(t *testing.T) {
	now := time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		explicit string
		text     string
		want     DateInfo
	}{
		{"iso explicit", "2024-12-01", "10月3日", DateInfo{"2024-12-01", DateSourceExplicit}},
		{"month day explicit", "3月4日", "", DateInfo{"2025-03-04", DateSourceExplicit}},
		{"month day explicit without 日", "11月20", "", DateInfo{"2025-11-20", DateSourceExplicit}},
		{"dotted explicit", "6.1", "", DateInfo{"2025-06-01", DateSourceExplicit}},
		{"invalid explicit falls back to text", "2.30", "class on 4月8日", DateInfo{"2025-04-08", DateSourceContent}},
		{"month day in text", "", "Fractions, 5月12日 period 2", DateInfo{"2025-05-12", DateSourceContent}},
		{"first valid fragment wins", "", "13月1日 then 7月2日", DateInfo{"2025-07-02", DateSourceContent}},
		{"dotted in text", "", "Lesson for 9.3, room 4", DateInfo{"2025-09-03", DateSourceContent}},
		{"version numbers are not dates", "", "uses 1.2.3 of the kit", DateInfo{"2025-09-15", DateSourceDefault}},
		{"nothing found", "", "no date here", DateInfo{"2025-09-15", DateSourceDefault}},
		{"garbage explicit", "next tuesday", "", DateInfo{"2025-09-15", DateSourceDefault}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDate(tt.explicit, tt.text, now))
		})
	}
}
