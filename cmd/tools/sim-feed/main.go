// Command sim-feed drives the synthetic world with a fixed control input and
// emits its sweeps and ground truth as localizer datagrams, either live over
// UDP or into a PCAP capture for replay.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/network"
	"github.com/banshee-data/pose.report/internal/lidar/pcd"
	"github.com/banshee-data/pose.report/internal/sim"
)

func main() {
	mapPath := flag.String("map", "", "PCD map (default: generated)")
	udpAddr := flag.String("udp", "127.0.0.1:2370", "send datagrams to this address")
	pcapOut := flag.String("pcap-out", "", "write a PCAP capture instead of sending over UDP")
	pcapPort := flag.Int("pcap-port", 2370, "UDP destination port recorded in the capture")
	ticks := flag.Int("ticks", 200, "number of simulation ticks (0 = until interrupted)")
	step := flag.Duration("step", 50*time.Millisecond, "simulated time per tick")
	throttle := flag.Float64("throttle", 0.3, "constant throttle in [0,1]")
	steer := flag.Float64("steer", 0.05, "constant steer in [-1,1]")
	jitter := flag.Float64("jitter", 0.02, "range noise in metres")
	seed := flag.Int64("seed", 1, "noise seed")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		out      sim.DatagramWriter
		clock    = &simClock{t: time.Now()}
		now      = time.Now
		realtime = true
	)
	if *pcapOut != "" {
		f, err := os.Create(*pcapOut)
		if err != nil {
			log.Fatalf("failed to create capture: %v", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Printf("failed to close capture: %v", err)
			}
		}()
		pw, err := network.NewPCAPWriter(f, *pcapPort)
		if err != nil {
			log.Fatalf("%v", err)
		}
		out = pw
		// Captures carry simulated time so replay keeps the tick rate.
		now = clock.Now
		realtime = false
	} else {
		conn, err := net.Dial("udp", *udpAddr)
		if err != nil {
			log.Fatalf("failed to dial %s: %v", *udpAddr, err)
		}
		defer conn.Close()
		out = sim.ConnWriter{W: conn}
	}

	feed := sim.NewFeed(out, now)
	world := sim.NewWorld(sim.Config{
		Map:    loadOrGenerate(*mapPath),
		Spawn:  l2frames.Pose{},
		Step:   *step,
		Jitter: *jitter,
		Seed:   *seed,
		Sink:   feed,
		Truth:  feed,
	})
	if err := world.ApplyControl(control.VehicleControl{Throttle: *throttle, Steer: *steer}); err != nil {
		log.Fatalf("%v", err)
	}

	ticker := time.NewTicker(*step)
	defer ticker.Stop()
	n := 0
	for *ticks == 0 || n < *ticks {
		if err := world.Tick(ctx); err != nil {
			log.Printf("stopping after %d ticks: %v", n, err)
			break
		}
		n++
		clock.Advance(*step)
		if n%100 == 0 {
			pose, _ := world.GroundTruth()
			log.Printf("%d ticks, vehicle at %v", n, pose)
		}
		if !realtime {
			continue
		}
		select {
		case <-ctx.Done():
			log.Printf("interrupted after %d ticks", n)
			return
		case <-ticker.C:
		}
	}
	log.Printf("sent %d ticks, %d datagrams failed", n, feed.Errors())
}

func loadOrGenerate(path string) []l2frames.Point {
	if path == "" {
		return sim.GenerateMap(sim.DefaultMapConfig())
	}
	cloud, err := pcd.LoadMap(path)
	if err != nil {
		log.Fatalf("failed to load map: %v", err)
	}
	return cloud.Points
}

type simClock struct {
	t time.Time
}

func (c *simClock) Now() time.Time { return c.t }

func (c *simClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
