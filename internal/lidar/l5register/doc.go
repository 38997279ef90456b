// Package l5register owns Layer 5 (Registration) of the localizer data model.
//
// Responsibilities: aligning a downsampled scan (object frame) to the
// reference map (world frame) with the Normal Distributions Transform.
// AlignGrid is a pure function of (scan, map grid, initial guess, params);
// Registrar adds a cached map grid on top of it.
// Key types: Params, Result, Registrar.
//
// Dependency rule: L5 may depend on L1-L4, but never on L6+.
// No SQL/database code is allowed in this package.
package l5register
