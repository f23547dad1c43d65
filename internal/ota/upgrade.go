package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxhome/voxd/internal/types"
	"github.com/voxhome/voxd/internal/util"
)

// upgradeReadChunk is the streaming read size during a firmware download.
const upgradeReadChunk = 4096

// progressInterval throttles upgrade progress reports.
const progressInterval = time.Second

// StartUpgrade downloads and installs the firmware image from the last
// check's manifest. The image header is buffered and decoded before any
// partition write; an image carrying the running version aborts with
// types.ErrSameVersion without touching flash. Progress is reported at
// most once per second. On success the device reboots after the grace
// period.
func (e *Engine) StartUpgrade(ctx context.Context, progress func(types.UpgradeProgress)) error {
	manifest := e.Manifest()
	if manifest.URL == "" {
		return fmt.Errorf("no firmware manifest to install")
	}

	e.setState(EngineDownloading)
	slog.Info("starting firmware upgrade", "version", manifest.Version, "url", manifest.URL)

	req, err := e.newRequest(ctx, http.MethodGet, manifest.URL, nil)
	if err != nil {
		e.setState(EngineFailed)
		return util.WrapError("build download request", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.setState(EngineFailed)
		return util.WrapError("open firmware download", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		e.setState(EngineFailed)
		return fmt.Errorf("firmware download failed, status %d", resp.StatusCode)
	}

	if err := e.installStream(resp, progress); err != nil {
		e.setState(EngineFailed)
		return err
	}

	e.setState(EngineCommitted)
	slog.Info("firmware upgrade complete, rebooting", "version", manifest.Version,
		"grace", e.gracePeriod)
	time.Sleep(e.gracePeriod)
	e.rebooter.Reboot()
	return nil
}

// installStream validates the incoming header, then streams the image onto
// the inactive partition. Nothing is written until the header has been
// decoded and its version field compared against the running version.
func (e *Engine) installStream(resp *http.Response, progress func(types.UpgradeProgress)) error {
	total := resp.ContentLength

	e.setState(EngineValidating)

	// Buffer exactly one header before deciding anything.
	headerBuf := make([]byte, 0, HeaderSize)
	chunk := make([]byte, upgradeReadChunk)
	for len(headerBuf) < HeaderSize {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			headerBuf = append(headerBuf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(headerBuf) >= HeaderSize {
				break
			}
			return util.WrapError("read firmware header", err)
		}
	}

	header, err := DecodeHeader(headerBuf)
	if err != nil {
		return util.WrapError("decode firmware header", err)
	}

	running := VersionField(e.currentVersion)
	if header.Version == running {
		slog.Warn("downloaded firmware has the running version, aborting",
			"version", header.VersionString())
		return types.ErrSameVersion
	}
	slog.Info("firmware image accepted", "version", header.VersionString())

	e.setState(EngineFlashing)
	writer, err := e.flash.Begin()
	if err != nil {
		return util.WrapError("open update partition", err)
	}

	written, err := e.writeImage(writer, headerBuf, resp, total, progress)
	if err != nil {
		if abortErr := writer.Abort(); abortErr != nil {
			slog.Error("failed to abort partition write", "error", abortErr)
		}
		return err
	}

	if err := writer.Commit(); err != nil {
		return util.WrapError("commit firmware image", err)
	}
	slog.Info("firmware image written", "bytes", written)
	return nil
}

// writeImage streams the buffered header and the rest of the body onto the
// writer sequentially, reporting throttled progress.
func (e *Engine) writeImage(writer PartitionWriter, headerBuf []byte, resp *http.Response,
	total int64, progress func(types.UpgradeProgress)) (int64, error) {
	var written int64
	start := time.Now()
	lastReport := start

	if _, err := writer.Write(headerBuf); err != nil {
		return written, util.WrapError("write firmware header", err)
	}
	written += int64(len(headerBuf))

	chunk := make([]byte, upgradeReadChunk)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if _, err := writer.Write(chunk[:n]); err != nil {
				return written, util.WrapError("write firmware chunk", err)
			}
			written += int64(n)
		}

		now := time.Now()
		if progress != nil && now.Sub(lastReport) >= progressInterval {
			lastReport = now
			progress(makeProgress(written, total, now.Sub(start)))
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return written, util.WrapError("read firmware stream", readErr)
		}
	}

	if progress != nil {
		progress(makeProgress(written, total, time.Since(start)))
	}
	return written, nil
}

func makeProgress(written, total int64, elapsed time.Duration) types.UpgradeProgress {
	p := types.UpgradeProgress{
		TotalBytes:   total,
		WrittenBytes: written,
	}
	if total > 0 {
		p.Percent = int(written * 100 / total)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.BytesPerSec = int64(float64(written) / secs)
	}
	return p
}
