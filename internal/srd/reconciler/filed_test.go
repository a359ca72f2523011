package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFiled(t *testing.T) {
	tests := []struct {
		name    string
		raw     *string
		want    *time.Time
		wantErr bool
	}{
		{name: "absent"},
		{name: "blank", raw: strPtr("  ")},
		{name: "rfc3339", raw: strPtr("2024-04-23T00:52:27Z"), want: timePtr(time.Date(2024, 4, 23, 0, 52, 27, 0, time.UTC))},
		{name: "offset converted to utc", raw: strPtr("2024-04-23T02:52:27+02:00"), want: timePtr(time.Date(2024, 4, 23, 0, 52, 27, 0, time.UTC))},
		{name: "no zone", raw: strPtr("2024-04-23T00:52:27"), want: timePtr(time.Date(2024, 4, 23, 0, 52, 27, 0, time.UTC))},
		{name: "space separated", raw: strPtr("2024-04-23 00:52:27"), want: timePtr(time.Date(2024, 4, 23, 0, 52, 27, 0, time.UTC))},
		{name: "date only", raw: strPtr("2024-04-23"), want: timePtr(time.Date(2024, 4, 23, 0, 0, 0, 0, time.UTC))},
		{name: "garbage", raw: strPtr("23/04/2024"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFiled(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
