package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-mapper/internal/config"
	"github.com/sells-group/intake-mapper/internal/model"
)

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "intake.db")},
		Matcher: config.MatcherConfig{
			FuzzyThreshold:     0.8,
			MinConfidence:      0.5,
			FallbackConfidence: 0.4,
			InvalidValueScore:  0.3,
			PatternGate:        0.7,
			SemanticGate:       0.75,
			FuzzyGate:          0.8,
		},
		Training: config.TrainingConfig{
			ModelDir:            filepath.Join(dir, "models"),
			WindowDays:          30,
			MinSamples:          50,
			RetrainAfterDays:    7,
			RetrainAfterRecords: 100,
			TestSplit:           0.2,
			CVFolds:             3,
			Seed:                42,
			WeightByAccuracy:    true,
			SyntheticWeight:     0.5,
			Models:              []string{"random_forest"},
		},
		Quality: config.QualityConfig{WarnBelow: 0.6, HighConfidence: 0.8, LowConfidence: 0.5},
		Server:  config.ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Log:     config.LogConfig{Level: "info", Format: "json"},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *appEnv) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	env, err := newEnv(ctx, testAppConfig(t), "serve")
	require.NoError(t, err)
	srv := httptest.NewServer(newRouter(ctx, env, []string{"*"}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		env.Close()
	})
	return srv, env
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp := getURL(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "oracle")
	assert.NotContains(t, body, "model_version")
}

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/resolve", `{
		"manufacturer": "ACME",
		"document_type": "INTAKE_FORM",
		"data": {"patient_first_name": "John", "patient_last_name": "Doe"}
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var res model.MappingResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "John", res.Values["patient_first_name"])
	assert.Equal(t, "Doe", res.Values["patient_last_name"])
	assert.Empty(t, res.MissingRequired)
	assert.NotEmpty(t, res.RequestID)
}

func TestResolveEndpoint_BadRequests(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"document_type":`},
		{"missing document type", `{"data": {"a": "b"}}`},
		{"missing data", `{"document_type": "INTAKE_FORM"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/resolve", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	t.Parallel()
	srv, env := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/feedback", `{
		"source_field": "fname",
		"target_field": "patient_first_name",
		"document_type": "INTAKE_FORM",
		"confidence": 0.9,
		"success": true
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var rec model.TrainingRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, model.MethodFeedback, rec.Method)
	assert.Equal(t, "accepted", rec.Feedback)

	n, err := env.Store.CountRecordsSince(context.Background(), rec.Timestamp.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	resp = postJSON(t, srv.URL+"/v1/feedback", `{"source_field": "fname"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/feedback", `{
		"source_field": "fname",
		"target_field": "shoe_size",
		"document_type": "INTAKE_FORM"
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrainAndModelEndpoints(t *testing.T) {
	t.Parallel()
	srv, env := newTestServer(t)

	resp := getURL(t, srv.URL+"/v1/model")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/train", `{"force": true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.Trainer.Wait()

	resp = getURL(t, srv.URL+"/v1/model")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.NotEmpty(t, info["version"])

	resp = getURL(t, srv.URL+"/v1/analytics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	assert.Contains(t, a, "last_training")
	assert.Contains(t, a, "model")
	assert.Equal(t, false, a["training_in_progress"])
}

func TestSchemasEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp := getURL(t, srv.URL+"/v1/schemas")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		DocumentTypes []string `json:"document_types"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.DocumentTypes, "INTAKE_FORM")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/resolve", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://intake.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewEnv_InvalidConfig(t *testing.T) {
	t.Parallel()
	c := testAppConfig(t)
	c.Store.Driver = "mysql"
	_, err := newEnv(context.Background(), c, "resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestReadFields(t *testing.T) {
	t.Parallel()

	data, err := readFields(strings.NewReader(`{"dob": "01/15/1970", "age": 54}`), "")
	require.NoError(t, err)
	assert.Equal(t, "01/15/1970", data["dob"])
	assert.Equal(t, float64(54), data["age"])

	_, err = readFields(strings.NewReader(`{}`), "-")
	assert.Error(t, err)

	_, err = readFields(strings.NewReader(`not json`), "")
	assert.Error(t, err)

	_, err = readFields(nil, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestPrintJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"rows": 2}))
	assert.Equal(t, "{\n  \"rows\": 2\n}\n", buf.String())
}
