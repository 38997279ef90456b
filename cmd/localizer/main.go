package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/control"
	"github.com/banshee-data/pose.report/internal/lidar"
	"github.com/banshee-data/pose.report/internal/lidar/l2frames"
	"github.com/banshee-data/pose.report/internal/lidar/l5register"
	"github.com/banshee-data/pose.report/internal/lidar/monitor"
	"github.com/banshee-data/pose.report/internal/lidar/network"
	"github.com/banshee-data/pose.report/internal/lidar/pcd"
	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
	sqlite "github.com/banshee-data/pose.report/internal/lidar/storage/sqlite"
	"github.com/banshee-data/pose.report/internal/lidar/visualiser"
	"github.com/banshee-data/pose.report/internal/serialmux"
	"github.com/banshee-data/pose.report/internal/sim"
	"github.com/banshee-data/pose.report/internal/telemetry"
	"github.com/banshee-data/pose.report/internal/version"
)

var (
	mapPath     = flag.String("map", "", "Path to the PCD reference map (required)")
	configPath  = flag.String("config", "", "Tuning config file (.json, .yaml or .yml); built-in defaults when empty")
	mode        = flag.String("mode", "sim", "Detection source: sim, udp or pcap")
	udpAddr     = flag.String("udp-addr", ":2370", "UDP address for simulator datagrams (udp mode)")
	forwardAddr = flag.String("forward-addr", "", "Forward a copy of every datagram to this address (udp mode)")
	pcapFile    = flag.String("pcap", "", "Capture file to replay (pcap mode)")
	pcapPort    = flag.Int("pcap-port", 0, "UDP destination port filter for pcap replay; 0 accepts every datagram")
	pcapSpeed   = flag.Float64("pcap-speed", 1.0, "Replay speed multiplier; 0 replays as fast as possible")
	pcapExit    = flag.Bool("pcap-exit", true, "Stop once the capture has been replayed (pcap mode)")
	spawnX      = flag.Float64("spawn-x", 0, "Vehicle spawn x in map metres (sim mode)")
	spawnY      = flag.Float64("spawn-y", 0, "Vehicle spawn y in map metres (sim mode)")
	spawnYaw    = flag.Float64("spawn-yaw", 0, "Vehicle spawn yaw in radians (sim mode)")
	simJitter   = flag.Float64("sim-jitter", 0, "Uniform noise in metres added to every synthetic return (sim mode)")
	simSeed     = flag.Int64("sim-seed", 1, "Noise seed (sim mode)")
	listen      = flag.String("listen", ":8082", "HTTP listen address; empty disables the monitor")
	grpcAddr    = flag.String("grpc-addr", "", "Visualiser gRPC listen address; empty disables streaming")
	dbFile      = flag.String("db", "localizer.db", "SQLite run database; empty disables persistence")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker, e.g. tcp://localhost:1883; empty disables telemetry")
	mqttClient  = flag.String("mqtt-client-id", "pose-report", "MQTT client ID")
	serialPort  = flag.String("serial", "", "Vehicle controller serial port; empty disables the serial link")
	baudRate    = flag.Int("baud", serialmux.DefaultBaudRate, "Vehicle controller baud rate")
	stdinKeys   = flag.Bool("stdin-keys", true, "Read key names (up, down, left, right, space, a) from stdin")
	diagLog     = flag.String("diag-log", "", "File for the diagnostic log stream; empty disables it")
	traceLog    = flag.String("trace-log", "", "File for the per-scan trace log stream; empty disables it")
	cycleLog    = flag.String("cycle-log", "", "File for one record per registration cycle; empty disables it")
	verbose     = flag.Bool("verbose", false, "Send all log streams to stderr, ignoring the log file flags")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *mapPath == "" {
		log.Fatal("-map is required")
	}

	if *verbose {
		lidar.SetLegacyLogger(os.Stderr)
	} else {
		closeLogs, err := setupLogStreams(*diagLog, *traceLog, *cycleLog)
		if err != nil {
			log.Fatalf("failed to open log streams: %v", err)
		}
		defer closeLogs()
	}

	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		cfg = loaded
	}

	cloud, err := pcd.LoadMap(*mapPath)
	if err != nil {
		log.Fatalf("failed to load map: %v", err)
	}
	log.Printf("pose.report %s: map %s with %d points", version.String(), *mapPath, cloud.Len())

	registrar, err := l5register.NewRegistrar(cloud.Points, l5register.ParamsFromConfig(cfg))
	if err != nil {
		log.Fatalf("failed to build NDT grid: %v", err)
	}
	acc := l2frames.NewScanAccumulator(accumulatorConfig(cfg, *mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	// Vehicle controller link. The disabled mux keeps admin routes and the
	// control sink uniform when no port is attached.
	var vehicleSerial serialmux.SerialMuxInterface = serialmux.NewDisabledSerialMux()
	if *serialPort != "" {
		port, err := serialmux.NewRealSerialMux(*serialPort, serialmux.PortOptions{BaudRate: *baudRate})
		if err != nil {
			log.Fatalf("failed to open vehicle controller: %v", err)
		}
		vehicleSerial = port
	}
	defer vehicleSerial.Close()
	serialSink := control.NewSerialSink(vehicleSerial)
	if err := serialSink.Initialize(); err != nil {
		log.Fatalf("failed to initialize vehicle controller: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := vehicleSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		logControllerLines(ctx, vehicleSerial)
	}()

	controls := controlFanout{serialSink}
	var world pipeline.World
	switch *mode {
	case "sim":
		w := sim.NewWorld(sim.Config{
			Map:    cloud.Points,
			Spawn:  l2frames.Pose{Position: l2frames.Point{X: *spawnX, Y: *spawnY}, Yaw: *spawnYaw},
			Jitter: *simJitter,
			Seed:   *simSeed,
			Sink:   acc,
		})
		world = w
		controls = append(controls, w)
	case "udp":
		truth := network.NewGroundTruthTracker()
		world = truth
		stats := network.NewPacketStats()
		var fwd *network.PacketForwarder
		if *forwardAddr != "" {
			if fwd, err = network.NewPacketForwarder(*forwardAddr, stats, time.Minute); err != nil {
				log.Fatalf("failed to create forwarder: %v", err)
			}
			fwd.Start(ctx)
			defer fwd.Close()
		}
		listener := network.NewUDPListener(network.UDPListenerConfig{
			Address:   *udpAddr,
			Stats:     stats,
			Forwarder: fwd,
			Handler:   network.NewDispatcher(acc, truth, stats),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("UDP listener error: %v", err)
				stop()
			}
		}()
	case "pcap":
		if *pcapFile == "" {
			log.Fatal("-pcap is required in pcap mode")
		}
		truth := network.NewGroundTruthTracker()
		world = truth
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := network.ReadPCAPFile(ctx, *pcapFile, network.NewDispatcher(acc, truth, nil), network.PCAPReplayConfig{
				UDPPort:         *pcapPort,
				SpeedMultiplier: *pcapSpeed,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("pcap replay error: %v", err)
			}
			log.Printf("pcap replay finished: %d packets, %d matched, %d errors in %v",
				res.Packets, res.Matched, res.Errors, res.Duration)
			if *pcapExit {
				// Give the loop time to register the final scan.
				select {
				case <-time.After(2 * cfg.GetPollInterval()):
				case <-ctx.Done():
				}
				stop()
			}
		}()
	default:
		log.Fatalf("unknown -mode %q: expected sim, udp or pcap", *mode)
	}

	var (
		frameSinks  []pipeline.FrameSink
		cycleSinks  []pipeline.CycleSink
		adminRoutes []func(*http.ServeMux)
		runs        monitor.RunLister
	)
	adminRoutes = append(adminRoutes, vehicleSerial.AttachAdminRoutes)

	var store *sqlite.Store
	if *dbFile != "" {
		if store, err = sqlite.Open(*dbFile); err != nil {
			log.Fatalf("failed to open run database: %v", err)
		}
		defer store.Close()
		store.RecordCycles = cfg.GetRecordCycles()
		runID, err := store.StartRun(ctx, sqlite.RunInfo{
			Source:    *mode,
			MapPath:   *mapPath,
			MapPoints: cloud.Len(),
			Params:    cfg,
		})
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		log.Printf("recording run %s to %s", runID, *dbFile)
		defer func() {
			if err := store.FinishRun(context.Background()); err != nil {
				log.Printf("failed to finish run: %v", err)
			}
		}()
		cycleSinks = append(cycleSinks, store)
		runs = store
		adminRoutes = append(adminRoutes, func(mux *http.ServeMux) {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		})
	}

	// Late-bound so the key handlers can reach the loop's refresh flag.
	var loop atomic.Pointer[pipeline.Localizer]
	input := &control.Input{
		Keys:  control.KeyMapFromConfig(cfg),
		Queue: control.NewQueue(),
		Refresh: func() {
			if l := loop.Load(); l != nil {
				l.RequestRefresh()
			}
		},
	}

	if *mqttBroker != "" {
		client := telemetry.Connect(telemetry.Options{Broker: *mqttBroker, ClientID: *mqttClient})
		defer client.Disconnect(250)
		pub := telemetry.NewPosePublisher(client, cfg.GetMQTTTopicPrefix())
		cycleSinks = append(cycleSinks, pub)
		if err := telemetry.SubscribeControl(client, cfg.GetMQTTTopicPrefix(), input.HandleKey); err != nil {
			log.Printf("MQTT control disabled: %v", err)
		}
		log.Printf("publishing poses to %s on %s", pub.Topic(), *mqttBroker)
	}

	if *grpcAddr != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = *grpcAddr
		vcfg.QueueSize = cfg.GetVisualiserQueue()
		pub := visualiser.NewPublisher(vcfg)
		if err := pub.Start(); err != nil {
			log.Fatalf("failed to start visualiser: %v", err)
		}
		defer pub.Stop()
		frameSinks = append(frameSinks, pub)
	}

	var web *monitor.WebServer
	if *listen != "" {
		web = monitor.NewWebServer(monitor.WebServerConfig{
			Address:      *listen,
			Accumulator:  acc,
			Runs:         runs,
			Keys:         input,
			MaxMapPoints: cfg.GetSnapshotMapPoints(),
			AdminRoutes:  adminRoutes,
		})
		frameSinks = append(frameSinks, web)
	}

	localizer, err := pipeline.NewLocalizer(pipeline.LocalizerConfig{
		Accumulator:  acc,
		Registrar:    registrar,
		World:        world,
		Map:          cloud.Points,
		Controls:     input.Queue,
		ControlSink:  controls,
		FrameSinks:   frameSinks,
		CycleSinks:   cycleSinks,
		LeafSize:     cfg.GetLeafSize(),
		PollInterval: cfg.GetPollInterval(),
		HistorySize:  cfg.GetHistorySize(),
	})
	if err != nil {
		log.Fatalf("failed to create localizer: %v", err)
	}
	loop.Store(localizer)

	if web != nil {
		web.SetLocalizer(localizer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Start(ctx); err != nil {
				log.Printf("HTTP server error: %v", err)
				stop()
			}
		}()
	}

	if *stdinKeys {
		// Not in the wait group: a blocked stdin read cannot be interrupted.
		go func() {
			if err := input.ReadKeys(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("stdin key reader: %v", err)
			}
		}()
	}

	if err := localizer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("localizer stopped: %v", err)
	}
	stop()
	wg.Wait()

	if t := localizer.Tracker(); t != nil {
		snap := t.Snapshot()
		log.Printf("done: %d cycles, %d failed, %d not converged, max error %.3f m",
			snap.Cycles+snap.Failures, snap.Failures, snap.NonConverged, snap.MaxError)
	}
	lidar.Opsf("localizer shut down")
}
