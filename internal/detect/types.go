// Package detect holds the data types the vision subsystem hands to the
// core: detections and obstacle distance. The vision pipeline itself
// (YOLO inference, frame capture, display/overlay) is an external
// collaborator out of scope for this module — only the shapes it
// produces, and the predicates the control state machine derives from
// them, live here.
package detect

import "github.com/eggbot/robot-controller/internal/frame"

// Detection is a single bounding-box center with a confidence score and
// class id, as reported by the egg detector for one video frame.
type Detection struct {
	Center     frame.Coordinate
	Confidence float64
	ClassID    int
}

// Event is one vision frame's worth of detections.
type Event struct {
	TimestampMs int64
	Detections  []Detection
	FrameHeight int
	FrameWidth  int
}

// CenterBand holds the fractional vertical band (of FrameHeight) within
// which a detection counts as "in front of the robot" rather than at the
// frame's edge. Defaults to [0.25, 0.75] per spec; configurable for
// calibration against different camera mounts.
type CenterBand struct {
	Low  float64
	High float64
}

// DefaultCenterBand is the spec's default 0.25–0.75 vertical band.
var DefaultCenterBand = CenterBand{Low: 0.25, High: 0.75}

// HasCenterEgg reports whether any detection in e falls within band of the
// frame height. y/H == Low and y/H == High are both inside the band
// (closed interval), per spec §8 boundary behavior.
func (e Event) HasCenterEgg(band CenterBand) bool {
	if e.FrameHeight <= 0 {
		return false
	}
	h := float64(e.FrameHeight)
	for _, d := range e.Detections {
		frac := float64(d.Center.Y) / h
		if frac >= band.Low && frac <= band.High {
			return true
		}
	}
	return false
}

// BestEgg selects the detection to pick next: largest Y (closest to the
// robot), ties broken by largest confidence. ok is false if there are no
// detections.
func (e Event) BestEgg() (Detection, bool) {
	if len(e.Detections) == 0 {
		return Detection{}, false
	}
	best := e.Detections[0]
	for _, d := range e.Detections[1:] {
		if d.Center.Y > best.Center.Y || (d.Center.Y == best.Center.Y && d.Confidence > best.Confidence) {
			best = d
		}
	}
	return best, true
}

// Coordinates returns every detection's center, in their original order.
func (e Event) Coordinates() []frame.Coordinate {
	out := make([]frame.Coordinate, len(e.Detections))
	for i, d := range e.Detections {
		out[i] = d.Center
	}
	return out
}

// ObstacleDistance is a standalone or Actor-status-piggybacked range
// reading, in centimeters.
type ObstacleDistance struct {
	TimestampMs int64
	Cm          uint
}

// DefaultObstacleNearCm is the spec's default "too close" threshold.
const DefaultObstacleNearCm = 30

// Near reports whether the reading is closer than thresholdCm.
func (o ObstacleDistance) Near(thresholdCm uint) bool { return o.Cm < thresholdCm }
