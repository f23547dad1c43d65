package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxhome/voxd/internal/capturelog"
	"github.com/voxhome/voxd/internal/types"
	"github.com/voxhome/voxd/internal/util"
)

// provisionLoop runs the startup sequence off the reactor goroutine:
// version check with backoff, activation rounds, and a pending upgrade.
// It signals the reactor when the device is ready for service.
func (a *App) provisionLoop() {
	backoff := util.NewBackoff(types.VersionCheckInitialDelay, types.VersionCheckMaxDelay)

	for attempt := 1; attempt <= types.VersionCheckMaxRetries; attempt++ {
		err := a.engine.CheckVersion(context.Background())
		if err == nil {
			a.afterCheck()
			return
		}

		delay := backoff.Next()
		slog.Warn("version check failed",
			"attempt", attempt, "max", types.VersionCheckMaxRetries,
			"retry_in", delay, "error", err)
		select {
		case <-a.stopCh:
			return
		case <-time.After(delay):
		}
	}

	slog.Error("version check exhausted all attempts")
	a.Schedule(func() { a.SetDeviceState(types.StateFatalError) })
}

// afterCheck acts on the check response: activation first, then an
// available upgrade, then normal service.
func (a *App) afterCheck() {
	if a.engine.HasActivationChallenge() || a.engine.HasActivationCode() {
		a.runActivation()
	}

	if a.engine.HasNewVersion() {
		a.runUpgrade()
		// Reached only when the upgrade failed; fall through to service
		// on the running version.
	}

	a.engine.MarkCurrentVersionValid()
	a.events.set(evVersionCheckDone)
}

// runActivation surfaces the activation code and polls the server until it
// accepts, the user gives up, or the attempts run out.
func (a *App) runActivation() {
	challenge := a.engine.Activation()
	slog.Info("device activation required",
		"message", challenge.Message, "code", challenge.Code)
	a.capture.Log(capturelog.KindState, "activation_required", challenge.Code)
	if a.onActivation != nil {
		a.Schedule(func() { a.onActivation(challenge) })
	}

	if !a.engine.HasActivationChallenge() {
		// Code-only response from a v1 server; nothing to sign.
		return
	}

	for attempt := 1; attempt <= types.ActivationMaxAttempts; attempt++ {
		err := a.engine.Activate(context.Background())
		if err == nil {
			slog.Info("device activated")
			a.capture.Log(capturelog.KindState, "activated", "")
			return
		}

		delay := types.ActivationRetryAfterFailure
		if errors.Is(err, types.ErrRetryLater) {
			delay = types.ActivationRetryAfterAccepted
			slog.Info("activation pending user input",
				"attempt", attempt, "max", types.ActivationMaxAttempts)
		} else {
			slog.Warn("activation attempt failed",
				"attempt", attempt, "max", types.ActivationMaxAttempts, "error", err)
		}

		select {
		case <-a.stopCh:
			return
		case <-time.After(delay):
		}
	}
	slog.Error("activation exhausted all attempts")
}

// runUpgrade installs the manifest firmware. On success the engine reboots
// the device and this never returns.
func (a *App) runUpgrade() {
	manifest := a.engine.Manifest()
	a.Schedule(func() { a.SetDeviceState(types.StateUpgrading) })
	a.capture.Log(capturelog.KindUpgrade, manifest.Version, "started")

	err := a.engine.StartUpgrade(context.Background(), func(p types.UpgradeProgress) {
		slog.Info("upgrade progress",
			"percent", p.Percent, "written", p.WrittenBytes,
			"total", p.TotalBytes, "speed", p.BytesPerSec)
	})
	if err != nil {
		slog.Error("firmware upgrade failed", "version", manifest.Version, "error", err)
		a.capture.Log(capturelog.KindUpgrade, manifest.Version, "failed: "+err.Error())
		a.Schedule(func() { a.SetDeviceState(types.StateIdle) })
	}
}

// finishProvisioning runs on the reactor goroutine once the provisioning
// sequence signals completion: build the transport and enter service.
func (a *App) finishProvisioning() {
	if a.GetDeviceState() == types.StateFatalError {
		return
	}

	if a.proto == nil {
		proto, err := a.protoFactory()
		if err != nil {
			slog.Error("failed to build server transport", "error", err)
			a.SetDeviceState(types.StateFatalError)
			return
		}
		if proto != nil {
			proto.OnEvent(a.handleProtocolEvent)
			a.proto = proto
		}
	}

	a.SetDeviceState(types.StateIdle)
	slog.Info("device ready", "version", a.engine.CurrentVersion())
}

// recheckVersion runs the idle-time periodic firmware check.
func (a *App) recheckVersion() {
	if err := a.engine.CheckVersion(context.Background()); err != nil {
		slog.Warn("periodic version check failed", "error", err)
		return
	}
	if !a.engine.HasNewVersion() {
		return
	}
	if a.GetDeviceState() != types.StateIdle {
		slog.Info("deferring upgrade, device busy",
			"state", string(a.GetDeviceState()))
		return
	}
	a.runUpgrade()
}
