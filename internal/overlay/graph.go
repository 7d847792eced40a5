package overlay

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Connection joins two landmark indexes.
type Connection [2]int

// PoseConnections is the 33-point body skeleton.
var PoseConnections = []Connection{
	{0, 1}, {1, 2}, {2, 3}, {3, 7}, {0, 4}, {4, 5}, {5, 6}, {6, 8}, {9, 10},
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {17, 19},
	{12, 14}, {14, 16}, {16, 18}, {16, 20}, {16, 22}, {18, 20},
	{11, 23}, {12, 24}, {23, 24}, {23, 25}, {24, 26}, {25, 27}, {26, 28},
	{27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

// HandConnections is the 21-point hand skeleton.
var HandConnections = []Connection{
	{0, 1}, {1, 2}, {2, 3}, {3, 4},
	{0, 5}, {5, 6}, {6, 7}, {7, 8},
	{5, 9}, {9, 10}, {10, 11}, {11, 12},
	{9, 13}, {13, 14}, {14, 15}, {15, 16},
	{13, 17}, {0, 17}, {17, 18}, {18, 19}, {19, 20},
}

// faceOval is the closed face contour of the 468-point mesh.
var faceOval = []int{
	10, 338, 297, 332, 284, 251, 389, 356, 454, 323, 361, 288, 397, 365, 379, 378,
	400, 377, 152, 148, 176, 149, 150, 136, 172, 58, 132, 93, 234, 127, 162, 21,
	54, 103, 67, 109, 10,
}

// FaceOvalConnections is the default face graph. The full tessellation is
// large and is loaded with LoadConnections instead of being compiled in.
var FaceOvalConnections = chain(faceOval)

func chain(idx []int) []Connection {
	out := make([]Connection, 0, len(idx)-1)
	for i := 1; i < len(idx); i++ {
		out = append(out, Connection{idx[i-1], idx[i]})
	}
	return out
}

// Graphs bundles the connection graphs used per landmark group.
type Graphs struct {
	Pose []Connection
	Face []Connection
	Hand []Connection
}

// DefaultGraphs returns the compiled-in graphs.
func DefaultGraphs() Graphs {
	return Graphs{Pose: PoseConnections, Face: FaceOvalConnections, Hand: HandConnections}
}

// LoadConnections reads a JSON array of index pairs, e.g. [[127,34],[34,139]].
func LoadConnections(path string) ([]Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection graph: %w", err)
	}

	var pairs [][2]int
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("parse connection graph %s: %w", path, err)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("connection graph %s is empty", path)
	}

	out := make([]Connection, len(pairs))
	for i, p := range pairs {
		if p[0] < 0 || p[1] < 0 {
			return nil, fmt.Errorf("connection graph %s: negative index at pair %d", path, i)
		}
		out[i] = Connection(p)
	}
	return out, nil
}
