// Package filecommand parses the GITHUB_ENV/GITHUB_STATE/GITHUB_OUTPUT/
// GITHUB_PATH/GITHUB_STEP_SUMMARY temp files a step's handler writes into
// during execution (spec §4.4 step 3 and step 5). Each job step gets a
// fresh set of temp files; parsing happens once the handler returns.
package filecommand

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreactions/runner/internal/execcontext"
)

// stepSummaryWarnThreshold is the GITHUB_STEP_SUMMARY size above which a
// line reporting the file's size is appended to the step log (spec §4.4
// step 5). The summary content itself is never read.
const stepSummaryWarnThreshold = 1 << 20 // 1 MiB

// NewPaths creates the five per-step file-command temp files under tempDir
// and returns their paths. Files are created empty; the step's handler
// populates them.
func NewPaths(tempDir, stepId string) (execcontext.FileCommandPaths, error) {
	dir := filepath.Join(tempDir, "_runner_file_commands")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return execcontext.FileCommandPaths{}, fmt.Errorf("filecommand: create dir: %w", err)
	}

	mk := func(suffix string) (string, error) {
		p := filepath.Join(dir, fmt.Sprintf("%s_%s", stepId, suffix))
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return "", fmt.Errorf("filecommand: create %s: %w", suffix, err)
		}
		f.Close()
		return p, nil
	}

	var paths execcontext.FileCommandPaths
	var err error
	if paths.Env, err = mk("env"); err != nil {
		return paths, err
	}
	if paths.State, err = mk("state"); err != nil {
		return paths, err
	}
	if paths.Output, err = mk("output"); err != nil {
		return paths, err
	}
	if paths.Path, err = mk("path"); err != nil {
		return paths, err
	}
	if paths.StepSummary, err = mk("summary"); err != nil {
		return paths, err
	}
	return paths, nil
}

// Cleanup removes a step's file-command temp files. Best-effort: errors are
// swallowed since these are scratch files in the job's own temp directory.
func Cleanup(p execcontext.FileCommandPaths) {
	for _, f := range []string{p.Env, p.State, p.Output, p.Path, p.StepSummary} {
		if f != "" {
			os.Remove(f)
		}
	}
}

// Ingest reads a step's file-command files and folds them into stepCtx
// (spec §4.4 step 5). blockedEnvNames names environment keys that ENV
// updates must reject.
func Ingest(stepCtx *execcontext.StepContext, blockedEnvNames map[string]bool) error {
	paths := stepCtx.FilePaths()

	if err := ingestKVOrHeredoc(paths.Env, func(k, v string) {
		if blockedEnvNames[k] {
			return
		}
		stepCtx.Global.SetEnv(k, v)
	}); err != nil {
		return fmt.Errorf("filecommand: GITHUB_ENV: %w", err)
	}

	if err := ingestKVOrHeredoc(paths.State, func(k, v string) {
		if blockedEnvNames[k] {
			return
		}
		stepCtx.SetEnv("STATE_"+k, v)
	}); err != nil {
		return fmt.Errorf("filecommand: GITHUB_STATE: %w", err)
	}

	if err := ingestKVOrHeredoc(paths.Output, func(k, v string) {
		stepCtx.SetOutput(k, v)
	}); err != nil {
		return fmt.Errorf("filecommand: GITHUB_OUTPUT: %w", err)
	}

	if err := ingestPath(paths.Path, stepCtx.Global.AddPrependPath); err != nil {
		return fmt.Errorf("filecommand: GITHUB_PATH: %w", err)
	}

	if err := reportSummarySize(paths.StepSummary, stepCtx); err != nil {
		return fmt.Errorf("filecommand: GITHUB_STEP_SUMMARY: %w", err)
	}

	return nil
}

// ingestKVOrHeredoc parses a file accepting either `KEY=VALUE` lines or
// `KEY<<DELIM` ... `DELIM` heredoc blocks (spec §4.4 step 5, §8 scenario 5).
func ingestKVOrHeredoc(path string, set func(key, value string)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if key, delim, ok := strings.Cut(line, "<<"); ok && delim != "" {
			var body []string
			for scanner.Scan() {
				if scanner.Text() == delim {
					break
				}
				body = append(body, scanner.Text())
			}
			set(key, strings.Join(body, "\n"))
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			set(key, value)
		}
	}
	return scanner.Err()
}

// ingestPath prepends each non-empty line of the GITHUB_PATH file to PATH,
// in file order (spec §4.4 step 5).
func ingestPath(path string, add func(string)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			add(line)
		}
	}
	return scanner.Err()
}

// reportSummarySize logs the step-summary file's size when it exceeds
// stepSummaryWarnThreshold; content itself is out of the core's scope
// (spec §4.4 step 5).
func reportSummarySize(path string, stepCtx *execcontext.StepContext) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() > stepSummaryWarnThreshold {
		stepCtx.AppendLog(fmt.Sprintf("step summary is %d bytes, exceeds %d byte warning threshold", info.Size(), stepSummaryWarnThreshold))
	}
	return nil
}
