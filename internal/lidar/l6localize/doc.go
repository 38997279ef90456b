// Package l6localize owns Layer 6 (Localization) of the LiDAR data model.
//
// Responsibilities: the pose tracking state machine that sequences
// registration cycles, the current pose estimate, and position error
// against ground truth (latest, running maximum, recent history).
// Key types: PoseTracker, TrackerState, ErrorSample.
//
// Dependency rule: L6 may depend on L1-L5. The running error statistics
// are observational and never feed back into registration.
package l6localize
