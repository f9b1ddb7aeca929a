// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forge3d/slicerd/admission"
	"github.com/forge3d/slicerd/faultlog"
	"github.com/forge3d/slicerd/internal/testcontext"
	"github.com/forge3d/slicerd/pipeline"
	"github.com/forge3d/slicerd/pricing"
	"github.com/forge3d/slicerd/runner"
	"github.com/forge3d/slicerd/server"
	"github.com/forge3d/slicerd/slicing"
)

const testAdminKey = "test-admin-key"

// stubSlicer derives the reported model extents from markers in the
// uploaded mesh, and writes an artifact with known statistics.
const stubSlicer = `#!/bin/sh
if [ "$1" = "--info" ]; then
	in="$2"
	if grep -q TALL "$in"; then
		echo "size_x = 100.0"; echo "size_y = 100.0"; echo "size_z = 500.0"
	elif grep -q RING "$in"; then
		echo "size_x = 20.0"; echo "size_y = 20.0"; echo "size_z = 8.5"
	else
		echo "size_x = 100.0"; echo "size_y = 100.0"; echo "size_z = 50.0"
	fi
	exit 0
fi
out=""
prev=""
sla=0
for arg in "$@"; do
	[ "$prev" = "--output" ] && out="$arg"
	[ "$arg" = "--export-sla" ] && sla=1
	prev="$arg"
done
if [ "$sla" = "1" ]; then
	: > "$out"
else
	{
		echo "; estimated printing time = 1h 30m"
		echo "; filament used [mm] = 12450"
	} > "$out"
fi
`

type testDirs struct {
	input  string
	output string
}

func newTestServer(t *testing.T, ctx *testcontext.Context, limits admission.LimiterConfig) (*httptest.Server, testDirs) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("the stub slicer needs a POSIX shell")
	}
	log := zaptest.NewLogger(t)

	bin := ctx.WriteFile("slicer.sh", []byte(stubSlicer), 0700)
	inputDir := ctx.Dir("input")
	outputDir := ctx.Dir("output")
	configsDir := ctx.Dir("configs")
	ctx.WriteFile("configs/FDM_0.2mm.ini", []byte("; profile\n"), 0600)
	ctx.WriteFile("configs/SLA_0.05mm.ini", []byte("; profile\n"), 0600)

	registry := pricing.NewRegistry(log, pricing.Config{File: ctx.File("configs", "pricing.json")})
	require.NoError(t, registry.Load())

	run := runner.New(log, runner.Config{})
	pipe := pipeline.New(log, run, pipeline.Config{
		InputDir: inputDir,
		ToolsDir: ctx.Dir("tools"),
		// no converter scripts exist; stl uploads pass through and the
		// orientation step downgrades to a warning
		Python: "/bin/false",
	})
	slicer := slicing.New(log, run, slicing.Config{
		SlicerBin:  bin,
		ConfigsDir: configsDir,
		OutputDir:  outputDir,
	})

	limiter := admission.NewLimiter(limits)
	queue := admission.NewQueue(log, admission.QueueConfig{
		MaxConcurrentSlices: 2,
		MaxSliceQueueLength: 8,
		MaxSliceQueueWait:   time.Minute,
	})
	ctx.Go(func() error { return queue.Run(ctx) })

	faults := faultlog.New(faultlog.Config{Path: ctx.File("logs", "log.json")})
	t.Cleanup(func() { _ = faults.Close() })

	srv := server.New(log, registry, limiter, queue, pipe, slicer, faults, server.Config{
		AdminAPIKey: testAdminKey,
		OutputDir:   outputDir,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, testDirs{input: inputDir, output: outputDir}
}

// requireInputEmpty asserts that every intermediate upload file was removed
// before the response went out.
func requireInputEmpty(t *testing.T, dirs testDirs) {
	t.Helper()
	entries, err := os.ReadDir(dirs.input)
	require.NoError(t, err)
	assert.Empty(t, entries, "intermediate files must be gone once the response is written")
}

func generousLimits() admission.LimiterConfig {
	return admission.LimiterConfig{Window: time.Minute, MaxRequests: 1000}
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func sliceUpload(t *testing.T, ts *httptest.Server, tech, filename, content string, fields map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("choosenFile", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())

	resp, err := http.Post(ts.URL+"/slice/"+tech, writer.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func adminRequest(t *testing.T, method, url, body string, withKey bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if withKey {
		req.Header.Set("x-api-key", testAdminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, _ := newTestServer(t, ctx, generousLimits())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "OK", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestSliceFDMHappyPath(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, dirs := newTestServer(t, ctx, generousLimits())

	resp := sliceUpload(t, ts, "FDM", "cube.stl", "solid cube", map[string]string{
		"layerHeight": "0.2",
		"material":    "PETG",
		"infill":      "20",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requireInputEmpty(t, dirs)
	body := decode(t, resp)

	assert.Equal(t, true, body["success"])
	assert.Equal(t, "FDM", body["technology"])
	assert.Equal(t, "PETG", body["material"])
	assert.Equal(t, "20%", body["infill"])
	assert.Equal(t, float64(900), body["hourly_rate"])
	assert.Equal(t, float64(5400), body["print_time_seconds"])
	assert.Equal(t, "1h 30m ", body["print_time_readable"])
	assert.Equal(t, 12.45, body["material_used_m"])
	assert.Equal(t, float64(50), body["object_height_mm"])
	assert.Equal(t, float64(1350), body["estimated_price_huf"])

	downloadURL, _ := body["download_url"].(string)
	require.True(t, strings.HasPrefix(downloadURL, "/download/output-"), downloadURL)

	// the artifact is fetchable afterwards
	artifact, err := http.Get(ts.URL + downloadURL)
	require.NoError(t, err)
	defer func() { _ = artifact.Body.Close() }()
	require.Equal(t, http.StatusOK, artifact.StatusCode)
	data, err := io.ReadAll(artifact.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "estimated printing time")
}

func TestSliceSLAEstimatePath(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, dirs := newTestServer(t, ctx, generousLimits())

	resp := sliceUpload(t, ts, "SLA", "ring.stl", "solid RING", map[string]string{
		"layerHeight": "0.05",
		"material":    "Standard",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requireInputEmpty(t, dirs)
	body := decode(t, resp)

	assert.Equal(t, float64(1990), body["print_time_seconds"])
	assert.Equal(t, "0h 33m (Est.)", body["print_time_readable"])
	assert.Equal(t, float64(1800), body["hourly_rate"])
	assert.Equal(t, float64(1000), body["estimated_price_huf"])
	assert.NotContains(t, body, "infill")

	downloadURL, _ := body["download_url"].(string)
	assert.True(t, strings.HasSuffix(downloadURL, ".sl1"), downloadURL)
}

func TestSliceRejectsOversizedModel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, dirs := newTestServer(t, ctx, generousLimits())

	resp := sliceUpload(t, ts, "FDM", "tower.stl", "solid TALL", map[string]string{
		"layerHeight": "0.2",
		"material":    "PLA",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	requireInputEmpty(t, dirs)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "MODEL_EXCEEDS_BUILD_VOLUME", body["errorCode"])

	entries, err := os.ReadDir(dirs.output)
	require.NoError(t, err)
	assert.Empty(t, entries, "no artifact may exist after a rejected model")
}

func TestSliceRejectsWrongLayerHeight(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, _ := newTestServer(t, ctx, generousLimits())

	resp := sliceUpload(t, ts, "FDM", "cube.stl", "solid cube", map[string]string{
		"layerHeight": "0.05",
		"material":    "PLA",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "INVALID_LAYER_HEIGHT_FOR_TECHNOLOGY", body["errorCode"])
}

func TestSliceRateLimited(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, _ := newTestServer(t, ctx, admission.LimiterConfig{
		Window:      time.Minute,
		MaxRequests: 1,
	})

	first := sliceUpload(t, ts, "FDM", "cube.stl", "solid cube", map[string]string{
		"layerHeight": "0.2",
		"material":    "PLA",
	})
	require.Equal(t, http.StatusOK, first.StatusCode)
	_ = first.Body.Close()

	second := sliceUpload(t, ts, "FDM", "cube.stl", "solid cube", map[string]string{
		"layerHeight": "0.2",
		"material":    "PLA",
	})
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
	body := decode(t, second)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["errorCode"])
	assert.Contains(t, body, "retryAfterSeconds")
}

func TestPricingLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, _ := newTestServer(t, ctx, generousLimits())

	// create
	resp := adminRequest(t, http.MethodPost, ts.URL+"/pricing/FDM", `{"material":"ASA","price":1200}`, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	// duplicate, case-insensitive
	resp = adminRequest(t, http.MethodPost, ts.URL+"/pricing/FDM", `{"material":"asa","price":1300}`, true)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// update
	resp = adminRequest(t, http.MethodPatch, ts.URL+"/pricing/FDM/ASA", `{"price":950}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// visible in the public table
	listResp, err := http.Get(ts.URL + "/pricing")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	list := decode(t, listResp)
	table, _ := list["pricing"].(map[string]interface{})
	require.NotNil(t, table)
	fdm, _ := table["FDM"].(map[string]interface{})
	require.NotNil(t, fdm)
	assert.Equal(t, float64(950), fdm["ASA"])

	// delete
	resp = adminRequest(t, http.MethodDelete, ts.URL+"/pricing/FDM/ASA", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = adminRequest(t, http.MethodDelete, ts.URL+"/pricing/FDM/ASA", "", true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// the fallback material is protected
	resp = adminRequest(t, http.MethodDelete, ts.URL+"/pricing/FDM/default", "", true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPricingAuth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, _ := newTestServer(t, ctx, generousLimits())

	// missing key
	resp := adminRequest(t, http.MethodPost, ts.URL+"/pricing/FDM", `{"material":"X","price":1}`, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])

	// wrong key
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/pricing/FDM", strings.NewReader(`{"material":"X","price":1}`))
	require.NoError(t, err)
	req.Header.Set("x-api-key", "wrong")
	wrong, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, wrong.StatusCode)
	_ = wrong.Body.Close()

	// the public listing needs no key
	listResp, err := http.Get(ts.URL + "/pricing")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	_ = listResp.Body.Close()
}

func TestDownloadRejectsBadNames(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, dirs := newTestServer(t, ctx, generousLimits())

	artifact := dirs.output + "/output-1-1.gcode"
	require.NoError(t, os.WriteFile(artifact, []byte("gcode"), 0600))

	resp, err := http.Get(ts.URL + "/download/output-1-1.gcode")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	missing, err := http.Get(ts.URL + "/download/no-such-artifact.gcode")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
	_ = missing.Body.Close()

	// an encoded traversal never leaves the output directory
	traversal, err := http.Get(ts.URL + "/download/..%2F..%2Fetc%2Fpasswd")
	require.NoError(t, err)
	assert.NotEqual(t, http.StatusOK, traversal.StatusCode)
	_ = traversal.Body.Close()
}

func TestSliceValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts, _ := newTestServer(t, ctx, generousLimits())

	// missing upload field
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("layerHeight", "0.2"))
	require.NoError(t, writer.Close())
	resp, err := http.Post(ts.URL+"/slice/FDM", writer.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", body["errorCode"])

	// unknown technology segment
	resp = sliceUpload(t, ts, "SLS", "cube.stl", "solid cube", map[string]string{
		"layerHeight": "0.2",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	// unsupported upload extension
	resp = sliceUpload(t, ts, "FDM", "cube.exe", "MZ", map[string]string{
		"layerHeight": "0.2",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", body["errorCode"])
}
