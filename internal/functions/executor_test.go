package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatassistant/internal/assistants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	fns map[string]assistants.Function
	err error
}

func (f fakeLookup) FindFunction(_ context.Context, userID, assistantID, name string) (*assistants.Function, error) {
	if f.err != nil {
		return nil, f.err
	}
	fn, ok := f.fns[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", assistants.ErrFunctionNotFound, name)
	}
	return &fn, nil
}

func apiFunction(name, url, method string, params ...string) assistants.Function {
	fn := assistants.Function{Name: name, Type: assistants.FunctionAPI, API: &assistants.APIConfig{URL: url, Method: method}}
	for _, p := range params {
		fn.API.Parameters = append(fn.API.Parameters, assistants.Parameter{Name: p, Type: "string", Required: true})
	}
	return fn
}

func TestExecuteNotFound(t *testing.T) {
	e := NewExecutor(fakeLookup{}, nil, time.Second)

	res := e.Execute(context.Background(), "NOPE", nil, "u1", "a1")
	assert.False(t, res.Success)
	assert.Equal(t, "NOPE", res.ExecutedFunction)
	assert.Contains(t, res.Error, "not found")
}

func TestExecuteLookupFailure(t *testing.T) {
	e := NewExecutor(fakeLookup{err: errors.New("db down")}, nil, time.Second)

	res := e.Execute(context.Background(), "CLIMA", nil, "u1", "a1")
	assert.False(t, res.Success)
	assert.Equal(t, "db down", res.Error)
}

func TestExecuteGETBuildsOrderedQuery(t *testing.T) {
	var gotQuery, gotAuth, gotKey, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Tenant")
		gotCustom = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp":21,"city":"Madrid"}`))
	}))
	defer srv.Close()

	fn := apiFunction("obtener_clima", srv.URL+"/weather?units=metric", "GET", "ciudad", "pais")
	fn.API.Headers = []assistants.Header{{Key: "X-Tenant", Value: "acme"}}
	fn.API.Auth = &assistants.Auth{Type: "bearer", Value: "tok"}
	e := NewExecutor(fakeLookup{fns: map[string]assistants.Function{"OBTENER_CLIMA": fn}}, nil, time.Second)

	res := e.Execute(context.Background(), "OBTENER_CLIMA", []string{" San José ", "CR", "extra"}, "u1", "a1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "obtener_clima", res.ExecutedFunction)
	assert.Equal(t, map[string]any{"temp": float64(21), "city": "Madrid"}, res.Result)

	assert.Equal(t, "units=metric&ciudad=San+Jos%C3%A9&pais=CR", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "acme", gotKey)
	assert.Equal(t, "application/json", gotCustom)
}

func TestExecutePOSTSendsJSONBody(t *testing.T) {
	var body map[string]string
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		apiKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte("enviado"))
	}))
	defer srv.Close()

	fn := apiFunction("enviar_correo", srv.URL, "post", "to", "subject", "body")
	fn.API.Auth = &assistants.Auth{Type: "api_key", Value: "k-1"}
	e := NewExecutor(fakeLookup{fns: map[string]assistants.Function{"ENVIAR_CORREO": fn}}, nil, time.Second)

	res := e.Execute(context.Background(), "ENVIAR_CORREO", []string{"a@b.c", "Hola"}, "u1", "a1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "enviado", res.Result)
	assert.Equal(t, map[string]string{"to": "a@b.c", "subject": "Hola"}, body)
	assert.Equal(t, "k-1", apiKey)
}

func TestExecuteNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"no such city"}`))
	}))
	defer srv.Close()

	fn := apiFunction("clima", srv.URL, "GET", "ciudad")
	e := NewExecutor(fakeLookup{fns: map[string]assistants.Function{"CLIMA": fn}}, nil, time.Second)

	res := e.Execute(context.Background(), "CLIMA", []string{"Atlantis"}, "u1", "a1")
	assert.False(t, res.Success)
	assert.Equal(t, "API call failed: 404 Not Found", res.Error)
	assert.Equal(t, map[string]any{"detail": "no such city"}, res.Result)
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fn := apiFunction("lenta", srv.URL, "GET")
	e := NewExecutor(fakeLookup{fns: map[string]assistants.Function{"LENTA": fn}}, nil, 50*time.Millisecond)

	res := e.Execute(context.Background(), "LENTA", nil, "u1", "a1")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestExecuteCustomUsesSandbox(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fn := assistants.Function{Name: "saludo", Type: assistants.FunctionCustom, Code: "return 'hola'"}
	e := NewExecutor(fakeLookup{fns: map[string]assistants.Function{"SALUDO": fn}}, StubSandbox{Now: func() time.Time { return now }}, time.Second)

	res := e.Execute(context.Background(), "SALUDO", []string{"Ana"}, "u1", "a1")
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{
		"message":    "Custom function saludo executed successfully",
		"parameters": []string{"Ana"},
		"timestamp":  "2026-01-02T03:04:05Z",
	}, res.Result)
}

func TestApplyAuthBasicEncodesCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	applyAuth(req, &assistants.Auth{Type: "basic", Value: "user:pass"})
	assert.Equal(t, "Basic dXNlcjpwYXNz", req.Header.Get("Authorization"))

	req = httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	applyAuth(req, &assistants.Auth{Type: "header", Value: "X-Token: abc"})
	assert.Equal(t, "abc", req.Header.Get("X-Token"))
}
