// Package l3grid owns Layer 3 (Grid) of the localizer data model.
//
// Responsibilities: discretising the reference map into a voxel grid and
// fitting a Gaussian (mean and regularised covariance) to every voxel with
// enough points. The registrar scores scans against this grid.
// Key types: NDTGrid, Cell, CellKey.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
// No SQL/database code is allowed in this package.
package l3grid
