package types

// Face mesh sizes. A refined face mesh appends ten iris points to the base 468.
const (
	FaceLandmarks         = 468
	FaceLandmarksWithIris = 478

	// LeftIrisIndex and RightIrisIndex are the iris centre points of a refined mesh.
	LeftIrisIndex  = 468
	RightIrisIndex = 473

	PoseLandmarks = 33
	HandLandmarks = 21
)

// Landmark is a single detected keypoint.
//
// X and Y are normalized to [0,1] of the image width and height; Z is a
// relative depth with the same scale as X. Visibility is only reported by the
// pose model and is zero elsewhere.
type Landmark struct {
	X          float64 `msgpack:"x" json:"x"`
	Y          float64 `msgpack:"y" json:"y"`
	Z          float64 `msgpack:"z" json:"z"`
	Visibility float64 `msgpack:"visibility,omitempty" json:"visibility,omitempty"`
}

// DetectionResult holds the landmark groups produced for one frame.
//
// Every group is independently optional: a nil slice means the group was not
// detected in that frame.
type DetectionResult struct {
	PoseLandmarks      []Landmark `json:"pose_landmarks,omitempty"`
	FaceLandmarks      []Landmark `json:"face_landmarks,omitempty"`
	LeftHandLandmarks  []Landmark `json:"left_hand_landmarks,omitempty"`
	RightHandLandmarks []Landmark `json:"right_hand_landmarks,omitempty"`

	// FrameSeq is the sequence number of the frame the result was computed from
	FrameSeq uint64 `json:"frame_seq"`
	// InferenceMs is the model-reported processing time
	InferenceMs float64 `json:"inference_ms,omitempty"`
}

// HasIris reports whether the face mesh carries refined iris points.
func (r *DetectionResult) HasIris() bool {
	return r != nil && len(r.FaceLandmarks) == FaceLandmarksWithIris
}

// Empty reports whether no landmark group was detected.
func (r *DetectionResult) Empty() bool {
	return r == nil ||
		(r.PoseLandmarks == nil && r.FaceLandmarks == nil &&
			r.LeftHandLandmarks == nil && r.RightHandLandmarks == nil)
}

// Groups returns the names of the landmark groups present in r.
func (r *DetectionResult) Groups() []string {
	if r == nil {
		return nil
	}
	var out []string
	if r.PoseLandmarks != nil {
		out = append(out, "pose")
	}
	if r.FaceLandmarks != nil {
		out = append(out, "face")
	}
	if r.LeftHandLandmarks != nil {
		out = append(out, "left_hand")
	}
	if r.RightHandLandmarks != nil {
		out = append(out, "right_hand")
	}
	return out
}
