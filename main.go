// Package main runs the voxd voice appliance daemon: the device state
// reactor, the real-time audio pipeline, and the firmware update engine.
//
// Usage:
//
//	voxd [-config path/to/config.json]
//
// If -config is not specified, voxd looks for config.json in the same
// directory as the binary. On Unix hosts SIGUSR1 triggers the chat toggle,
// standing in for the device button.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/voxhome/voxd/internal/app"
	"github.com/voxhome/voxd/internal/audio"
	"github.com/voxhome/voxd/internal/board"
	"github.com/voxhome/voxd/internal/capturelog"
	"github.com/voxhome/voxd/internal/config"
	"github.com/voxhome/voxd/internal/ota"
	"github.com/voxhome/voxd/internal/protocol"
	"github.com/voxhome/voxd/internal/task"
	"github.com/voxhome/voxd/internal/types"
	"github.com/voxhome/voxd/internal/util"
	"github.com/voxhome/voxd/internal/wakeword"
)

// boardName identifies the hardware variant to the update server.
const boardName = "voxhome-core"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snapshot := cfg.Snapshot()

	identity, err := board.LoadIdentity(snapshot.StateDir, boardName, Version, snapshot.Language)
	if err != nil {
		slog.Error("failed to load device identity", "error", err)
		os.Exit(1)
	}
	slog.Info("device identity",
		"device_id", identity.DeviceID(), "client_id", identity.ClientUUID())

	flash, err := board.NewFlashStore(filepath.Join(snapshot.StateDir, "flash"))
	if err != nil {
		slog.Error("failed to open flash store", "error", err)
		os.Exit(1)
	}

	engine := ota.NewEngine(ota.Options{
		CheckURL:       snapshot.OTAURL,
		CurrentVersion: Version,
		Language:       snapshot.Language,
		Identity:       identity,
		Settings:       cfg,
		Clock:          board.NewSystemClock(),
		Flash:          flash,
		Rebooter:       board.ProcessRebooter{},
	})

	exec := task.NewExecutor(0)
	codec := board.NewNullCodec()
	pipeline, err := audio.NewPipeline(codec, exec)
	if err != nil {
		slog.Error("failed to build audio pipeline", "error", err)
		os.Exit(1)
	}
	if err := pipeline.SetOutputVolume(snapshot.OutputVolume); err != nil {
		slog.Error("failed to set output volume", "error", err)
	}

	gate := wakeword.New(snapshot.WakeThresholdDB, snapshot.WakeHoldMs, nil)

	capture, err := capturelog.NewRecorder(snapshot.CaptureLog, identity.DeviceID())
	if err != nil {
		slog.Error("failed to start capture log", "error", err)
		os.Exit(1)
	}

	application := app.New(app.Options{
		Config:          cfg,
		Pipeline:        pipeline,
		Executor:        exec,
		Gate:            gate,
		Engine:          engine,
		Rebooter:        board.ProcessRebooter{},
		Capture:         capture,
		ProtocolFactory: protocolFactory(cfg, identity),
	})
	application.OnActivationCode(func(c types.ActivationChallenge) {
		slog.Info("activation required", "code", c.Code, "message", c.Message)
	})

	application.Start()
	slog.Info("voxd started", "version", Version, "board", boardName)

	shutdown := util.ShutdownSignals()
	toggle := util.ChatToggleSignals()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, append(slices.Clone(shutdown), toggle...)...)

	for sig := range sigChan {
		if slices.Contains(toggle, sig) {
			slog.Info("chat toggle requested")
			application.ToggleChat()
			continue
		}
		break
	}

	slog.Info("shutting down")
	application.Stop()
	exec.Stop()
	capture.Stop()
	if err := codec.Close(); err != nil {
		slog.Error("failed to close codec", "error", err)
	}
	slog.Info("shutdown complete")
}

// protocolFactory selects the transport from the persisted server config.
// MQTT is preferred when both sections exist.
func protocolFactory(cfg *config.Config, identity *board.Identity) func() (protocol.Protocol, error) {
	return func() (protocol.Protocol, error) {
		switch {
		case cfg.HasMQTTConfig():
			slog.Info("using mqtt transport")
			return protocol.NewMQTT(cfg.MQTTConfig()), nil
		case cfg.HasWebSocketConfig():
			slog.Info("using websocket transport")
			return protocol.NewWebSocket(cfg.WebSocketConfig(),
				identity.DeviceID(), identity.ClientUUID()), nil
		default:
			slog.Warn("no server transport configured yet")
			return nil, nil
		}
	}
}
