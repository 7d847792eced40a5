package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectionResult_HasIris(t *testing.T) {
	cases := []struct {
		name string
		face int
		want bool
	}{
		{"absent", 0, false},
		{"base mesh", FaceLandmarks, false},
		{"refined mesh", FaceLandmarksWithIris, true},
		{"oversized mesh", FaceLandmarksWithIris + 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &DetectionResult{}
			if tc.face > 0 {
				r.FaceLandmarks = make([]Landmark, tc.face)
			}
			assert.Equal(t, tc.want, r.HasIris())
		})
	}
}

func TestDetectionResult_GroupsAndEmpty(t *testing.T) {
	var nilResult *DetectionResult
	assert.True(t, nilResult.Empty())
	assert.Nil(t, nilResult.Groups())

	r := &DetectionResult{LeftHandLandmarks: make([]Landmark, HandLandmarks)}
	assert.False(t, r.Empty())
	assert.Equal(t, []string{"left_hand"}, r.Groups())

	r.PoseLandmarks = make([]Landmark, PoseLandmarks)
	assert.Equal(t, []string{"pose", "left_hand"}, r.Groups())
}
