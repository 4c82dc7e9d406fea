package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullRecord() *Record {
	return &Record{
		Essential: Essential{
			Make:        Some("Canon"),
			Model:       Some("EOS R5"),
			CapturedAt:  Some("Mar 4, 2024 at 5:06 PM"),
			Location:    Some(Location{Latitude: 51.5, Longitude: -0.12, Accuracy: Some(4.0)}),
			Orientation: Some(1),
			Size:        "2.4 MB",
		},
		Technical: Some(Technical{
			Aperture:     Some(2.8),
			ISO:          Some(400),
			ExposureTime: Some("1/250"),
			WhiteBalance: Some("Auto"),
		}),
		Advanced: Some(Advanced{
			LensModel:    Some("RF 24-70mm"),
			MeteringMode: Some("Spot"),
			GPSAltitude:  Some(-12.5),
		}),
	}
}

func TestSatisfiesIsMonotonic(t *testing.T) {
	records := []*Record{
		{Essential: Essential{Size: "1 bytes"}},
		{Technical: Some(Technical{})},
		{Technical: Some(Technical{}), Advanced: Some(Advanced{})},
		fullRecord(),
	}
	for i, r := range records {
		t.Run(fmt.Sprintf("record_%d", i), func(t *testing.T) {
			if r.Satisfies(LevelAdvanced) {
				assert.True(t, r.Satisfies(LevelTechnical))
			}
			if r.Satisfies(LevelTechnical) {
				assert.True(t, r.Satisfies(LevelEssential))
			}
			assert.True(t, r.Satisfies(r.Level()))
		})
	}
}

func TestSatisfiesNilRecord(t *testing.T) {
	var r *Record
	assert.False(t, r.Satisfies(LevelEssential))
}

func TestRecordLevel(t *testing.T) {
	assert.Equal(t, LevelEssential, (&Record{}).Level())
	assert.Equal(t, LevelTechnical, (&Record{Technical: Some(Technical{})}).Level())
	assert.Equal(t, LevelAdvanced, fullRecord().Level())
}

func TestParseLoadLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LoadLevel
		err  bool
	}{
		{"", LevelEssential, false},
		{"Essential", LevelEssential, false},
		{"technical", LevelTechnical, false},
		{" ADVANCED ", LevelAdvanced, false},
		{"deep", LevelEssential, true},
	}
	for _, tt := range tests {
		got, err := ParseLoadLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.True(t, LevelEssential < LevelTechnical && LevelTechnical < LevelAdvanced)
}

func TestRecordJSONRoundTrip(t *testing.T) {
	in := fullRecord()
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Record
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, *in, out)
}

func TestRecordJSONOmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(&Record{Essential: Essential{Size: "12 bytes"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"essential":{"size":"12 bytes"}}`, string(data))
}

func TestRecordJSONIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"essential":{"size":"1.0 KB","make":"Sony","future":1},"cinematic":{"fps":24}}`)
	var r Record
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, "Sony", r.Essential.Make.OrElse(""))
	assert.False(t, r.Technical.Present())
}

func TestOptionalNull(t *testing.T) {
	var o Optional[int]
	require.NoError(t, json.Unmarshal([]byte("null"), &o))
	assert.False(t, o.Present())

	require.NoError(t, json.Unmarshal([]byte("7"), &o))
	v, ok := o.Get()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestErrorKinds(t *testing.T) {
	err := NewError(KindAccessDenied, "open", "42", errors.New("permission denied"))
	wrapped := fmt.Errorf("extract: %w", err)

	assert.True(t, errors.Is(wrapped, ErrAccessDenied))
	assert.False(t, errors.Is(wrapped, ErrResourceUnavailable))
	assert.Equal(t, KindAccessDenied, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, "access_denied in open for 42: permission denied", err.Error())
}

func TestFailedState(t *testing.T) {
	st := Failed(NewError(KindResourceUnavailable, "read", "", errors.New("eof")))
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "resource_unavailable: resource_unavailable in read: eof", st.Reason)
	assert.Nil(t, st.Record)
}

func TestCacheStatsHitRate(t *testing.T) {
	assert.Zero(t, CacheStats{}.HitRate())
	assert.InDelta(t, 0.75, CacheStats{Hits: 3, Misses: 1}.HitRate(), 1e-9)
}
