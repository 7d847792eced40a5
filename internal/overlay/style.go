package overlay

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Layer names one drawn category.
type Layer string

const (
	LayerPoseConnectors      Layer = "pose_connectors"
	LayerPoseLandmarks       Layer = "pose_landmarks"
	LayerFaceConnectors      Layer = "face_connectors"
	LayerIris                Layer = "iris"
	LayerLeftHandConnectors  Layer = "left_hand_connectors"
	LayerLeftHandLandmarks   Layer = "left_hand_landmarks"
	LayerRightHandConnectors Layer = "right_hand_connectors"
	LayerRightHandLandmarks  Layer = "right_hand_landmarks"
)

// Style is how one layer is drawn.
type Style struct {
	Layer     Layer
	Color     color.NRGBA
	LineWidth float64
	// Radius of landmark markers; ignored for connectors
	Radius float64
}

func style(layer Layer, hex string) Style {
	return Style{Layer: layer, Color: mustHex(hex), LineWidth: 1, Radius: 2}
}

// Layer styles.
var (
	PoseConnectorStyle      = style(LayerPoseConnectors, "#00cff7")
	PoseLandmarkStyle       = style(LayerPoseLandmarks, "#ff0364")
	FaceConnectorStyle      = style(LayerFaceConnectors, "#C0C0C070")
	IrisStyle               = style(LayerIris, "#ffe603")
	LeftHandConnectorStyle  = style(LayerLeftHandConnectors, "#eb1064")
	LeftHandLandmarkStyle   = style(LayerLeftHandLandmarks, "#00cff7")
	RightHandConnectorStyle = style(LayerRightHandConnectors, "#22c3e3")
	RightHandLandmarkStyle  = style(LayerRightHandLandmarks, "#ff0364")
)

// ParseHex parses #RRGGBB or #RRGGBBAA.
func ParseHex(s string) (color.NRGBA, error) {
	h := strings.TrimPrefix(s, "#")
	if len(h) != 6 && len(h) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	if len(h) == 6 {
		h += "ff"
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func mustHex(s string) color.NRGBA {
	c, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return c
}
