// Command gen-map writes a synthetic point-cloud map as a PCD file, for use
// with the localizer's sim mode or an external simulator.
package main

import (
	"flag"
	"log"

	"github.com/banshee-data/pose.report/internal/lidar/pcd"
	"github.com/banshee-data/pose.report/internal/sim"
)

func main() {
	def := sim.DefaultMapConfig()
	out := flag.String("out", "map.pcd", "output PCD path")
	halfSize := flag.Float64("half-size", def.HalfSize, "map half extent in metres")
	spacing := flag.Float64("spacing", def.Spacing, "surface sample spacing in metres")
	buildings := flag.Int("buildings", def.Buildings, "number of box buildings")
	poles := flag.Int("poles", def.Poles, "number of poles")
	seed := flag.Int64("seed", def.Seed, "layout seed")
	ground := flag.Bool("ground", def.GroundPlane, "sample a ground plane")
	format := flag.String("format", string(pcd.DataBinary), "PCD data format: ascii or binary")
	flag.Parse()

	switch pcd.DataFormat(*format) {
	case pcd.DataASCII, pcd.DataBinary:
	default:
		log.Fatalf("unsupported -format %q (want ascii or binary)", *format)
	}

	cfg := def
	cfg.HalfSize = *halfSize
	cfg.Spacing = *spacing
	cfg.Buildings = *buildings
	cfg.Poles = *poles
	cfg.Seed = *seed
	cfg.GroundPlane = *ground

	points := sim.GenerateMap(cfg)
	if err := pcd.SaveMap(*out, points, pcd.DataFormat(*format)); err != nil {
		log.Fatalf("failed to write map: %v", err)
	}
	log.Printf("wrote %d points to %s", len(points), *out)
}
