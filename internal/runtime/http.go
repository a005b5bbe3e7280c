package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPJobType — тип job встроенного HTTP-коннектора.
const HTTPJobType = "http"

const defaultHTTPTimeout = 30 * time.Second

// ErrHTTPRequest — HTTP-запрос коннектора завершился ошибкой.
var ErrHTTPRequest = errors.New("http request failed")

// HTTPBody — тело работы service task, вызывающего HTTP.
//
// Config (из job.Payload, строки — шаблоны над переменными scope,
// см. JobContext.RenderPayload):
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL для запроса (обязательно)
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//   - result_variable (string): переменная для ответа. Default: не сохранять
//   - next (string): activityRef после успешного вызова
//
// Ответ сохраняется через Scope.Set как map:
// status_code, headers, body (JSON или строка).
// HTTP >= 400 — неудачная попытка.
func HTTPBody(client *http.Client) Body {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, jc *JobContext) error {
		payload, err := jc.RenderPayload()
		if err != nil {
			return err
		}

		method := getString(payload, "method", http.MethodGet)
		url := getString(payload, "url", "")
		if url == "" {
			return fmt.Errorf("%w: url is required", ErrHTTPRequest)
		}

		ctx, cancel := context.WithTimeout(ctx, getTimeout(payload))
		defer cancel()

		var bodyReader io.Reader
		if body, ok := payload["body"]; ok && body != nil {
			bodyBytes, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
			}
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
		}
		setHeaders(req, payload)
		if bodyReader != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHTTPRequest, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
		}

		if name := getString(payload, "result_variable", ""); name != "" {
			if err := jc.Scope.Set(name, buildOutputs(resp, respBody)); err != nil {
				return err
			}
		}
		if next := getString(payload, "next", ""); next != "" {
			jc.Advance(next)
		}
		return nil
	}
}

// buildOutputs формирует результат из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getTimeout извлекает таймаут из payload.
func getTimeout(payload map[string]any) time.Duration {
	switch v := payload["timeout_sec"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return defaultHTTPTimeout
}

// setHeaders устанавливает заголовки из payload.
func setHeaders(req *http.Request, payload map[string]any) {
	switch h := payload["headers"].(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
