package functions

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatassistant/internal/assistants"

	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 1 << 20

// Result is what a custom action produced. It is never an error value: every
// failure is reported with Success false.
type Result struct {
	Success          bool   `json:"success"`
	Result           any    `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
	ExecutedFunction string `json:"executedFunction"`
}

type ExecutionError struct {
	Function string
	Status   int
	Body     any
	Err      error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Lookup interface {
	FindFunction(ctx context.Context, userID, assistantID, name string) (*assistants.Function, error)
}

type Executor struct {
	lookup  Lookup
	client  *http.Client
	sandbox Sandbox
	timeout time.Duration
}

func NewExecutor(lookup Lookup, sandbox Sandbox, timeout time.Duration) *Executor {
	if sandbox == nil {
		sandbox = StubSandbox{}
	}
	return &Executor{
		lookup:  lookup,
		client:  &http.Client{},
		sandbox: sandbox,
		timeout: timeout,
	}
}

// Execute resolves name within (userID, assistantID) and runs it.
func (e *Executor) Execute(ctx context.Context, name string, params []string, userID, assistantID string) Result {
	fn, err := e.lookup.FindFunction(ctx, userID, assistantID, name)
	if err != nil {
		if errors.Is(err, assistants.ErrFunctionNotFound) || errors.Is(err, assistants.ErrNotFound) {
			logrus.Warnf("Функция %s не найдена для ассистента %s", name, assistantID)
			return Result{ExecutedFunction: name, Error: fmt.Sprintf("function %s not found", name)}
		}
		logrus.Errorf("Ошибка поиска функции %s: %v", name, err)
		return Result{ExecutedFunction: name, Error: err.Error()}
	}

	logrus.Infof("Выполнение функции %s (%s) с параметрами: %s", fn.Name, fn.Type, strings.Join(params, ", "))

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var out any
	switch fn.Type {
	case assistants.FunctionAPI:
		out, err = e.callAPI(ctx, fn, params)
	case assistants.FunctionCustom:
		out, err = e.sandbox.Run(ctx, *fn, params)
	default:
		err = &ExecutionError{Function: fn.Name, Err: fmt.Errorf("unsupported function type: %s", fn.Type)}
	}

	if err != nil {
		logrus.Warnf("Функция %s завершилась с ошибкой: %v", fn.Name, err)
		res := Result{ExecutedFunction: fn.Name, Error: err.Error()}
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			res.Result = execErr.Body
		}
		return res
	}
	return Result{Success: true, Result: out, ExecutedFunction: fn.Name}
}

func (e *Executor) callAPI(ctx context.Context, fn *assistants.Function, params []string) (any, error) {
	api := fn.API
	if api == nil || api.URL == "" {
		return nil, &ExecutionError{Function: fn.Name, Err: errors.New("API configuration is missing")}
	}

	method := strings.ToUpper(api.Method)
	if method == "" {
		method = http.MethodGet
	}

	target := api.URL
	var body io.Reader
	if method == http.MethodGet {
		target = withQuery(api.URL, api.Parameters, params)
	} else {
		payload, err := json.Marshal(bindParams(api.Parameters, params))
		if err != nil {
			return nil, &ExecutionError{Function: fn.Name, Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &ExecutionError{Function: fn.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range api.Headers {
		if h.Key != "" {
			req.Header.Set(h.Key, h.Value)
		}
	}
	applyAuth(req, api.Auth)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &ExecutionError{Function: fn.Name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ExecutionError{Function: fn.Name, Status: resp.StatusCode, Err: err}
	}
	decoded := decodeBody(raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExecutionError{
			Function: fn.Name,
			Status:   resp.StatusCode,
			Body:     decoded,
			Err:      fmt.Errorf("API call failed: %s", resp.Status),
		}
	}
	return decoded, nil
}

// bindParams pairs positional values with declared parameter names. Extra
// values are ignored; missing ones are left out.
func bindParams(declared []assistants.Parameter, values []string) map[string]string {
	bound := make(map[string]string, len(declared))
	for i, p := range declared {
		if i >= len(values) {
			break
		}
		bound[p.Name] = strings.TrimSpace(values[i])
	}
	return bound
}

func withQuery(rawURL string, declared []assistants.Parameter, values []string) string {
	var pairs []string
	for i, p := range declared {
		if i >= len(values) {
			break
		}
		pairs = append(pairs, url.QueryEscape(p.Name)+"="+url.QueryEscape(strings.TrimSpace(values[i])))
	}
	if len(pairs) == 0 {
		return rawURL
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + strings.Join(pairs, "&")
}

func applyAuth(req *http.Request, auth *assistants.Auth) {
	if auth == nil || auth.Value == "" {
		return
	}

	switch strings.ToLower(auth.Type) {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Value)
	case "basic":
		cred := auth.Value
		if strings.Contains(cred, ":") {
			cred = base64.StdEncoding.EncodeToString([]byte(cred))
		}
		req.Header.Set("Authorization", "Basic "+cred)
	case "api_key":
		req.Header.Set("X-API-Key", auth.Value)
	case "header":
		if key, value, ok := strings.Cut(auth.Value, ":"); ok {
			req.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		} else {
			req.Header.Set("Authorization", auth.Value)
		}
	default:
		logrus.Warnf("Неизвестный тип авторизации: %s", auth.Type)
	}
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
