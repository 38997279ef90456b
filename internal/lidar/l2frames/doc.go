// Package l2frames owns Layer 2 (Frames) of the localizer data model.
//
// Responsibilities: rigid-body geometry (Point, Pose, RigidTransform and the
// Euler conversions between them) and assembling raw detections into
// complete scans (ScanAccumulator, ScanBuffer).
// Key types: Point, Pose, RigidTransform, ScanBuffer.
//
// Dependency rule: L2 may depend on L1 wire types, but never on L3+.
package l2frames
