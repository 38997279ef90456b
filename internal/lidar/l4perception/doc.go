// Package l4perception owns Layer 4 (Perception) of the localizer data model.
//
// Responsibilities: preparing a completed scan for registration. Today that
// is voxel downsampling, which bounds the number of points handed to the
// registrar.
// Key types: VoxelKey.
//
// Dependency rule: L4 may depend on L1-L3, but never on L5+.
// No SQL/database code is allowed in this package.
package l4perception
