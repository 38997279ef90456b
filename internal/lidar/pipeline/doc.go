// Package pipeline runs the localization cycle: it waits for a complete scan,
// downsamples it, aligns it to the map and updates the pose tracker, then
// hands the cycle result to rendering and recording sinks.
//
// This package is the composition root for the layer packages (l2frames,
// l4perception, l5register, l6localize); none of them import pipeline.
package pipeline
