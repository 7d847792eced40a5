package overlay

import (
	"bytes"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

func landmarks(n int) []types.Landmark {
	out := make([]types.Landmark, n)
	for i := range out {
		out[i] = types.Landmark{X: 0.5, Y: 0.5}
	}
	return out
}

// TestRenderPerGroup validates only present groups are drawn, each with its
// own connector and marker layer.
func TestRenderPerGroup(t *testing.T) {
	cases := []struct {
		name   string
		result *types.DetectionResult
		want   []Layer
	}{
		{
			name:   "pose only",
			result: &types.DetectionResult{PoseLandmarks: landmarks(types.PoseLandmarks)},
			want:   []Layer{LayerPoseConnectors, LayerPoseLandmarks},
		},
		{
			name:   "right hand only",
			result: &types.DetectionResult{RightHandLandmarks: landmarks(types.HandLandmarks)},
			want:   []Layer{LayerRightHandConnectors, LayerRightHandLandmarks},
		},
		{
			name: "all groups, base face mesh",
			result: &types.DetectionResult{
				PoseLandmarks:      landmarks(types.PoseLandmarks),
				FaceLandmarks:      landmarks(types.FaceLandmarks),
				LeftHandLandmarks:  landmarks(types.HandLandmarks),
				RightHandLandmarks: landmarks(types.HandLandmarks),
			},
			want: []Layer{
				LayerPoseConnectors, LayerPoseLandmarks,
				LayerFaceConnectors,
				LayerLeftHandConnectors, LayerLeftHandLandmarks,
				LayerRightHandConnectors, LayerRightHandLandmarks,
			},
		},
		{
			name:   "nothing detected",
			result: &types.DetectionResult{},
			want:   nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &Recorder{}
			r := New(rec, DefaultGraphs(), nil)

			require.NoError(t, r.Render(tc.result, 640, 480))

			ops := rec.Ops()
			require.GreaterOrEqual(t, len(ops), 2)
			assert.Equal(t, Op{Kind: "resize", Width: 640, Height: 480}, ops[0])
			assert.Equal(t, "clear", ops[1].Kind)

			if diff := cmp.Diff(tc.want, rec.Layers()); diff != "" {
				t.Errorf("layers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestIrisGating validates iris markers are drawn at indexes 468 and 473 only
// when the face mesh has exactly 478 points.
func TestIrisGating(t *testing.T) {
	for _, n := range []int{types.FaceLandmarks, types.FaceLandmarksWithIris - 1, types.FaceLandmarksWithIris + 1} {
		rec := &Recorder{}
		require.NoError(t, New(rec, DefaultGraphs(), nil).Render(&types.DetectionResult{FaceLandmarks: landmarks(n)}, 100, 100))
		assert.NotContains(t, rec.Layers(), LayerIris, "face mesh of %d points", n)
	}

	face := landmarks(types.FaceLandmarksWithIris)
	face[types.LeftIrisIndex] = types.Landmark{X: 0.25, Y: 0.5}
	face[types.RightIrisIndex] = types.Landmark{X: 0.75, Y: 0.5}

	rec := &Recorder{}
	require.NoError(t, New(rec, DefaultGraphs(), nil).Render(&types.DetectionResult{FaceLandmarks: face}, 200, 100))

	var iris *Op
	for _, op := range rec.Ops() {
		if op.Layer == LayerIris {
			op := op
			iris = &op
		}
	}
	require.NotNil(t, iris)
	assert.Equal(t, []Point{{X: 50, Y: 50}, {X: 150, Y: 50}}, iris.Points)
}

func TestRenderSkipsOutOfRangeConnections(t *testing.T) {
	rec := &Recorder{}
	r := New(rec, DefaultGraphs(), nil)

	// Only wrist and thumb base: a single connection survives.
	require.NoError(t, r.Render(&types.DetectionResult{LeftHandLandmarks: landmarks(2)}, 10, 10))

	for _, op := range rec.Ops() {
		if op.Layer == LayerLeftHandConnectors {
			assert.Equal(t, 1, op.Segments)
		}
	}
}

func TestRenderWithoutDimensions(t *testing.T) {
	rec := &Recorder{}
	r := New(rec, DefaultGraphs(), nil)

	assert.ErrorIs(t, r.Render(&types.DetectionResult{}, 0, 0), ErrNoDimensions)
	assert.Empty(t, rec.Ops())
	assert.Equal(t, Stats{Skipped: 1}, r.Stats())
}

// TestCanvasDrawsPose validates the gg-backed canvas paints pose markers with
// the pose landmark colour and stays transparent elsewhere.
func TestCanvasDrawsPose(t *testing.T) {
	c := NewCanvas()
	r := New(c, DefaultGraphs(), nil)

	pose := make([]types.Landmark, types.PoseLandmarks)
	for i := range pose {
		pose[i] = types.Landmark{X: 0.5, Y: 0.5}
	}
	require.NoError(t, r.Render(&types.DetectionResult{PoseLandmarks: pose}, 64, 48))

	w, h := c.Size()
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	img := c.Snapshot()
	centre := color.NRGBAModel.Convert(img.At(32, 24)).(color.NRGBA)
	assert.Equal(t, PoseLandmarkStyle.Color.R, centre.R)
	assert.Equal(t, uint8(0xff), centre.A)

	corner := img.RGBAAt(0, 0)
	assert.Equal(t, uint8(0), corner.A)

	// Next render with nothing detected clears the layer.
	require.NoError(t, r.Render(&types.DetectionResult{}, 64, 48))
	assert.Equal(t, uint8(0), c.Snapshot().RGBAAt(32, 24).A)

	var buf bytes.Buffer
	require.NoError(t, c.WritePNG(&buf))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 64, decoded.Bounds().Dx())
}

func TestCanvasPNGBeforeRender(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, NewCanvas().WritePNG(&buf), ErrNoDimensions)
}

func TestParseHex(t *testing.T) {
	c, err := ParseHex("#C0C0C070")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0xc0, G: 0xc0, B: 0xc0, A: 0x70}, c)

	c, err = ParseHex("#00cff7")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0x00, G: 0xcf, B: 0xf7, A: 0xff}, c)

	_, err = ParseHex("#abc")
	assert.Error(t, err)
	_, err = ParseHex("#zzzzzz")
	assert.Error(t, err)
}

func TestGraphs(t *testing.T) {
	assert.Len(t, PoseConnections, 35)
	assert.Len(t, HandConnections, 21)
	assert.Len(t, FaceOvalConnections, 36)
	assert.Equal(t, FaceOvalConnections[0][0], FaceOvalConnections[len(FaceOvalConnections)-1][1], "face oval must be closed")
}

func TestLoadConnections(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "tesselation.json")
	require.NoError(t, os.WriteFile(good, []byte(`[[127,34],[34,139],[139,127]]`), 0o644))
	conns, err := LoadConnections(good)
	require.NoError(t, err)
	assert.Equal(t, []Connection{{127, 34}, {34, 139}, {139, 127}}, conns)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o644))
	_, err = LoadConnections(empty)
	assert.Error(t, err)

	negative := filepath.Join(dir, "negative.json")
	require.NoError(t, os.WriteFile(negative, []byte(`[[1,-2]]`), 0o644))
	_, err = LoadConnections(negative)
	assert.Error(t, err)

	_, err = LoadConnections(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
