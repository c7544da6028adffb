// Package cliio provides the {ok, ...} / {ok:false, error:{code,message}}
// JSON envelope zylosctl uses for --json output (spec.md §6), adapted from
// the teacher's HTTP {"data": ...} / {"error": ...} envelope in
// server/internal/api/response.go to CLI stdout instead of a ResponseWriter.
package cliio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Error codes named in spec.md §6.
const (
	CodeInvalidArgs      = "INVALID_ARGS"
	CodeHealthRecovering = "HEALTH_RECOVERING"
	CodeHealthDown       = "HEALTH_DOWN"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type okEnvelope struct {
	OK     bool `json:"ok"`
	Fields map[string]any
}

// MarshalJSON flattens Fields alongside "ok":true so the result is
// {"ok":true,"id":7}, not {"ok":true,"Fields":{"id":7}}.
func (e okEnvelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["ok"] = true
	return json.Marshal(m)
}

type errEnvelope struct {
	OK    bool         `json:"ok"`
	Error errorPayload `json:"error"`
}

// OK writes {"ok":true, ...fields} to stdout.
func OK(fields map[string]any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(okEnvelope{OK: true, Fields: fields})
}

// Err writes {"ok":false,"error":{"code":...,"message":...}} to stdout in
// JSON mode. The caller still exits 1.
func Err(code, message string) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(errEnvelope{OK: false, Error: errorPayload{Code: code, Message: message}})
}

// Emit writes either the JSON envelope (jsonMode) or a one-line human
// string, matching spec.md §7's "{code, message} (JSON mode) or a one-line
// human string".
func Emit(jsonMode bool, fields map[string]any, human string) error {
	if jsonMode {
		return OK(fields)
	}
	fmt.Println(human)
	return nil
}

// EmitErr writes a CLI error in either mode and returns a plain error the
// caller's RunE can propagate (cobra prints it and the process exits 1).
func EmitErr(jsonMode bool, code, message string) error {
	if jsonMode {
		if err := Err(code, message); err != nil {
			return err
		}
		return errors.New(message)
	}
	return fmt.Errorf("%s: %s", code, message)
}
