// Package pose defines the pose-landmark data model shared by the receiver,
// the dispatcher and frame consumers.
package pose

import "fmt"

// NumLandmarks is the number of keypoints in a full pose.
const NumLandmarks = 33

// Landmark is one normalized 3D anatomical keypoint.
type Landmark struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

func (l Landmark) String() string {
	return fmt.Sprintf("%g, %g, %g", l.X, l.Y, l.Z)
}

// LandmarkType indexes a keypoint in a full pose.
type LandmarkType int

const (
	Nose LandmarkType = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex
)

var landmarkNames = [NumLandmarks]string{
	"nose",
	"left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear",
	"mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder",
	"left_elbow", "right_elbow",
	"left_wrist", "right_wrist",
	"left_pinky", "right_pinky",
	"left_index", "right_index",
	"left_thumb", "right_thumb",
	"left_hip", "right_hip",
	"left_knee", "right_knee",
	"left_ankle", "right_ankle",
	"left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

func (t LandmarkType) String() string {
	if t < 0 || int(t) >= NumLandmarks {
		return fmt.Sprintf("LandmarkType(%d)", int(t))
	}
	return landmarkNames[t]
}

// Connection is a bone between two keypoints.
type Connection struct {
	From, To LandmarkType
}

// Connections is the 33-keypoint skeleton.
var Connections = []Connection{
	{Nose, LeftEyeInner}, {LeftEyeInner, LeftEye}, {LeftEye, LeftEyeOuter}, {LeftEyeOuter, LeftEar},
	{Nose, RightEyeInner}, {RightEyeInner, RightEye}, {RightEye, RightEyeOuter}, {RightEyeOuter, RightEar},
	{MouthLeft, MouthRight},

	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow}, {LeftElbow, LeftWrist},
	{LeftWrist, LeftPinky}, {LeftWrist, LeftIndex}, {LeftWrist, LeftThumb}, {LeftPinky, LeftIndex},

	{RightShoulder, RightElbow}, {RightElbow, RightWrist},
	{RightWrist, RightPinky}, {RightWrist, RightIndex}, {RightWrist, RightThumb}, {RightPinky, RightIndex},

	{LeftShoulder, LeftHip}, {RightShoulder, RightHip}, {LeftHip, RightHip},

	{LeftHip, LeftKnee}, {RightHip, RightKnee},
	{LeftKnee, LeftAnkle}, {RightKnee, RightAnkle},
	{LeftAnkle, LeftHeel}, {RightAnkle, RightHeel},
	{LeftHeel, LeftFootIndex}, {RightHeel, RightFootIndex},
	{LeftAnkle, LeftFootIndex}, {RightAnkle, RightFootIndex},
}
