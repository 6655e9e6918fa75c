package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roasbeef/loom/internal/rpc"
)

const (
	// rpcTimeout bounds every unary call to the daemon.
	rpcTimeout = 30 * time.Second
)

// call invokes one procedure on the daemon and decodes the success result
// into out. Error envelopes come back as descriptive errors.
func call(procedure string, input, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	rawInput, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}

	body, err := json.Marshal(rpc.Request{
		Procedure: procedure,
		Input:     rawInput,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	url := strings.TrimSuffix(daemonAddr, "/") + "/rpc"
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	applyIdentity(req.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w",
			daemonAddr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope rpc.Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("daemon returned a non-envelope response "+
			"(HTTP %d): %s", resp.StatusCode, string(raw))
	}

	if !envelope.OK {
		if envelope.Err == nil {
			return fmt.Errorf("daemon returned HTTP %d with no "+
				"error detail", resp.StatusCode)
		}

		return fmt.Errorf("%s: %s (correlation %s)",
			envelope.Err.Code, envelope.Err.Message,
			envelope.Err.CorrelationID)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}

	return nil
}

// applyIdentity stamps the caller's identity flags onto a request.
func applyIdentity(h http.Header) {
	if bearerToken != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}
	if tenantID != "" {
		h.Set("X-Tenant-Id", tenantID)
	}
	if userID != "" {
		h.Set("X-User-Id", userID)
	}
}

// printResult renders a decoded result either as indented JSON (--json) or
// through the given text renderer.
func printResult(v any, text func()) error {
	if !outputJSON {
		text()
		return nil
	}

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))

	return nil
}

// parseVars decodes a --vars JSON object flag.
func parseVars(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}

	var vars map[string]any
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, fmt.Errorf("--vars must be a JSON object: %w", err)
	}

	return vars, nil
}
