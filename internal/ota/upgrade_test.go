package ota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhome/voxd/internal/types"
)

func TestStartUpgradeSuccess(t *testing.T) {
	img := BuildImage("1.1.0", 42, []byte("new firmware payload"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	engine, _, _, flash, rebooter := newTestEngine(t, "http://example.com/v1/")
	engine.manifest = types.FirmwareManifest{Version: "1.1.0", URL: srv.URL}

	var reports []types.UpgradeProgress
	err := engine.StartUpgrade(context.Background(), func(p types.UpgradeProgress) {
		reports = append(reports, p)
	})
	require.NoError(t, err)

	require.NotNil(t, flash.writer)
	assert.Equal(t, img, flash.writer.data, "image written byte-for-byte")
	assert.True(t, flash.writer.committed)
	assert.False(t, flash.writer.aborted)
	assert.True(t, rebooter.rebooted)
	assert.Equal(t, EngineCommitted, engine.State())

	require.NotEmpty(t, reports, "final progress always reported")
	final := reports[len(reports)-1]
	assert.Equal(t, int64(len(img)), final.WrittenBytes)
	assert.Equal(t, 100, final.Percent)
}

func TestStartUpgradeSameVersionAbortsBeforeWrite(t *testing.T) {
	img := BuildImage("1.0.0", 42, []byte("payload"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	engine, _, _, flash, rebooter := newTestEngine(t, "http://example.com/v1/")
	engine.manifest = types.FirmwareManifest{Version: "1.0.0", URL: srv.URL}

	err := engine.StartUpgrade(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrSameVersion)
	assert.Nil(t, flash.writer, "no partition write may happen")
	assert.False(t, rebooter.rebooted)
	assert.Equal(t, EngineFailed, engine.State())
}

func TestStartUpgradeRejectsInvalidHeader(t *testing.T) {
	bogus := make([]byte, HeaderSize+64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bogus)
	}))
	defer srv.Close()

	engine, _, _, flash, _ := newTestEngine(t, "http://example.com/v1/")
	engine.manifest = types.FirmwareManifest{Version: "1.1.0", URL: srv.URL}

	err := engine.StartUpgrade(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidImage)
	assert.Nil(t, flash.writer)
}

func TestStartUpgradeTruncatedDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, HeaderSize/2))
	}))
	defer srv.Close()

	engine, _, _, _, rebooter := newTestEngine(t, "http://example.com/v1/")
	engine.manifest = types.FirmwareManifest{Version: "1.1.0", URL: srv.URL}

	assert.Error(t, engine.StartUpgrade(context.Background(), nil))
	assert.False(t, rebooter.rebooted)
	assert.Equal(t, EngineFailed, engine.State())
}

func TestStartUpgradeBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	engine, _, _, _, _ := newTestEngine(t, "http://example.com/v1/")
	engine.manifest = types.FirmwareManifest{Version: "1.1.0", URL: srv.URL}

	assert.Error(t, engine.StartUpgrade(context.Background(), nil))
}

func TestStartUpgradeWithoutManifest(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t, "http://example.com/v1/")
	assert.Error(t, engine.StartUpgrade(context.Background(), nil))
}
