package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// httpGetLimit bounds how much of a fetched body is returned. The
// tool-node budget truncates further downstream.
const httpGetLimit = 1 << 20

// RegisterBuiltins adds the stock tools every agent gets.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		{
			Name:        "current_time",
			Description: "Returns the current date and time in RFC 3339 format.",
			Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(context.Context, map[string]any) (string, error) {
				return time.Now().Format(time.RFC3339), nil
			},
		},
		{
			Name:        "http_get",
			Description: "Fetches the body of an http(s) URL.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "The URL to fetch."},
				},
				"required": []string{"url"},
			},
			Handler: httpGet,
		},
	}

	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func httpGet(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return "", fmt.Errorf("url argument is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", raw, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpGetLimit))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", raw, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s returned %s", raw, resp.Status)
	}
	return string(body), nil
}
