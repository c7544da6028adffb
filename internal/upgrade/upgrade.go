// Package upgrade implements the Component Upgrader — a lock-protected,
// staged upgrade transaction with atomic apply and auto-rollback
// (spec.md §4.F). The Upgrader receives each release already extracted into
// a directory through the SourceRepo seam; GitHubSourceRepo (github.go) is
// this package's implementation of that seam.
package upgrade

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// StepStatus is the outcome of one staged-apply step.
type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// StepReport is emitted to the caller in real time as each staged step
// completes (spec.md §4.F, "every step returns ... and is emitted ... in
// real time").
type StepReport struct {
	Step    int
	Total   int
	Name    string
	Status  StepStatus
	Message string
	Error   string
}

// RollbackReport describes what auto-rollback did, if anything.
type RollbackReport struct {
	Performed bool
	Steps     []string
}

// Report is the final outcome returned after a failed Apply.
type Report struct {
	FailedStep       string
	FailedStepNumber int
	Error            string
	Rollback         RollbackReport
}

// CheckResult is the outcome of the no-lock-needed Check step.
type CheckResult struct {
	HasUpdate bool
	Current   string
	Latest    string
	Repo      string
}

// SourceRepo resolves the latest release tag and materializes its contents
// into a directory. GitHubSourceRepo implements it against the GitHub
// releases API.
type SourceRepo interface {
	LatestTag(ctx context.Context, repo string) (string, error)
	DownloadRelease(ctx context.Context, repo, tag, destDir string) error
}

// ServiceController starts, stops, and health-checks the services owned by
// an upgrade target.
type ServiceController interface {
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	IsOnline(ctx context.Context, name string) (bool, error)
}

// PlatformInstaller installs any platform-level dependencies listed by a
// new release's manifest (step 6d). Optional — a nil PlatformInstaller
// makes that step a no-op.
type PlatformInstaller interface {
	InstallDependencies(ctx context.Context, releaseDir string) error
}

// Registry tracks the installed version and metadata for each target.
type Registry interface {
	InstalledVersion(ctx context.Context, name string) (string, error)
	SetVersion(ctx context.Context, name, version string, upgradedAt time.Time) error
}

// Target is one installable component — including the supervisor's own
// code, per spec.md §4.F's opening line.
type Target struct {
	Name            string
	Repo            string
	InstallDir      string
	LockPath        string
	IgnorePaths     []string // preserved across the copy step: node_modules, data dirs
	PostInstallHook string
}

// Upgrader runs the staged upgrade transaction for a Target.
type Upgrader struct {
	source        SourceRepo
	services      ServiceController
	platform      PlatformInstaller
	registry      Registry
	subprocess    *SubprocessRunner
	verifyTimeout time.Duration
	logger        *zap.Logger
}

// New constructs an Upgrader. platform may be nil.
func New(source SourceRepo, services ServiceController, platform PlatformInstaller, registry Registry, subprocess *SubprocessRunner, verifyTimeout time.Duration, logger *zap.Logger) *Upgrader {
	return &Upgrader{
		source:        source,
		services:      services,
		platform:      platform,
		registry:      registry,
		subprocess:    subprocess,
		verifyTimeout: verifyTimeout,
		logger:        logger.Named("upgrade"),
	}
}

// Check is spec.md §4.F step 1 — no lock needed.
func (u *Upgrader) Check(ctx context.Context, target Target) (CheckResult, error) {
	current, err := u.registry.InstalledVersion(ctx, target.Name)
	if err != nil {
		return CheckResult{}, fmt.Errorf("upgrade: installed version: %w", err)
	}
	latest, err := u.source.LatestTag(ctx, target.Repo)
	if err != nil {
		return CheckResult{}, fmt.Errorf("upgrade: latest tag: %w", err)
	}
	return CheckResult{
		HasUpdate: current != latest,
		Current:   current,
		Latest:    latest,
		Repo:      target.Repo,
	}, nil
}

// Apply runs the full staged transaction for target at the given tag,
// serialised by a per-target file lock. onStep is called once per step as
// it completes, in order, so a caller can stream progress.
func (u *Upgrader) Apply(ctx context.Context, target Target, tag string, onStep func(StepReport)) (*Report, error) {
	lock := flock.New(target.LockPath)
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("upgrade: acquire lock for %s: %w", target.Name, err)
	}
	if !locked {
		return nil, fmt.Errorf("upgrade: %s is already being upgraded (lock held)", target.Name)
	}
	defer lock.Unlock() //nolint:errcheck

	tmpDir, err := os.MkdirTemp("", "zylos-upgrade-"+target.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("upgrade: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := u.source.DownloadRelease(ctx, target.Repo, tag, tmpDir); err != nil {
		return nil, fmt.Errorf("upgrade: download release: %w", err)
	}

	const totalSteps = 8
	report := newStepper(totalSteps, onStep)

	// priorVersion is captured before regenerate_manifest (step 6) touches
	// the registry, so fail() can restore it if a later step rolls back —
	// components.json lives outside target.InstallDir and so is not
	// covered by the step-1 snapshot/restore of InstallDir itself.
	priorVersion, err := u.registry.InstalledVersion(ctx, target.Name)
	if err != nil {
		return nil, fmt.Errorf("upgrade: read installed version: %w", err)
	}

	// Step 4 (analyse) happens before the staged apply but does not itself
	// gate it — it only annotates the transaction for the operator.
	if priorManifest, ok, err := readManifest(filepath.Join(target.InstallDir, manifestFileName)); err == nil && ok {
		current, buildErr := BuildManifest(target.InstallDir, target.IgnorePaths)
		if buildErr == nil {
			diff := priorManifest.Compare(current)
			u.logger.Info("local modification analysis",
				zap.String("target", target.Name),
				zap.Strings("added", diff.Added),
				zap.Strings("modified", diff.Modified),
				zap.Strings("removed", diff.Removed),
			)
		}
	}

	var backupDir string
	applyErr := report.run("snapshot", func() (string, bool, error) {
		backupDir = filepath.Join(target.InstallDir, ".backup", time.Now().UTC().Format("20060102T150405Z"))
		if err := copyTree(target.InstallDir, backupDir, append(target.IgnorePaths, ".backup")); err != nil {
			return "", false, err
		}
		return "snapshot captured at " + backupDir, false, nil
	})
	if applyErr != nil {
		return u.fail(ctx, target, "snapshot", report.n, applyErr, false, nil, priorVersion)
	}

	applyErr = report.run("stop_services", func() (string, bool, error) {
		return "", false, u.services.Stop(ctx, target.Name)
	})
	if applyErr != nil {
		return u.fail(ctx, target, "stop_services", report.n, applyErr, false, nil, priorVersion)
	}

	applyErr = report.run("copy_files", func() (string, bool, error) {
		return "", false, copyTree(tmpDir, target.InstallDir, target.IgnorePaths)
	})
	if applyErr != nil {
		return u.fail(ctx, target, "copy_files", report.n, applyErr, true, []string{backupDir}, priorVersion)
	}

	applyErr = report.run("install_platform_deps", func() (string, bool, error) {
		if u.platform == nil {
			return "no platform installer configured", true, nil
		}
		return "", false, u.platform.InstallDependencies(ctx, tmpDir)
	})
	if applyErr != nil {
		return u.fail(ctx, target, "install_platform_deps", report.n, applyErr, true, []string{backupDir}, priorVersion)
	}

	applyErr = report.run("post_install_hook", func() (string, bool, error) {
		if target.PostInstallHook == "" {
			return "no post-install hook configured", true, nil
		}
		res, err := u.subprocess.Run(ctx, target.PostInstallHook)
		if err != nil {
			return "", false, err
		}
		return res.Output, false, nil
	})
	if applyErr != nil {
		return u.fail(ctx, target, "post_install_hook", report.n, applyErr, true, []string{backupDir}, priorVersion)
	}

	applyErr = report.run("regenerate_manifest", func() (string, bool, error) {
		m, err := BuildManifest(target.InstallDir, target.IgnorePaths)
		if err != nil {
			return "", false, err
		}
		if err := writeManifest(filepath.Join(target.InstallDir, manifestFileName), m); err != nil {
			return "", false, err
		}
		return "", false, u.registry.SetVersion(ctx, target.Name, tag, time.Now().UTC())
	})
	if applyErr != nil {
		return u.fail(ctx, target, "regenerate_manifest", report.n, applyErr, true, []string{backupDir}, priorVersion)
	}

	applyErr = report.run("start_services", func() (string, bool, error) {
		return "", false, u.services.Start(ctx, target.Name)
	})
	if applyErr != nil {
		return u.fail(ctx, target, "start_services", report.n, applyErr, true, []string{backupDir}, priorVersion)
	}

	applyErr = report.run("verify_online", func() (string, bool, error) {
		return "", false, u.verifyOnline(ctx, target.Name)
	})
	if applyErr != nil {
		return u.fail(ctx, target, "verify_online", report.n, applyErr, true, []string{backupDir}, priorVersion)
	}

	pruneOldSnapshots(filepath.Join(target.InstallDir, ".backup"), backupDir)
	return nil, nil
}

// fail builds the failure report and, if rollback is requested, replays the
// most recent snapshot, restores the registry's prior version, and restarts
// services (spec.md §4.F step 7). priorVersion is whatever InstalledVersion
// returned before regenerate_manifest (step 6) ran — components.json lives
// outside target.InstallDir, so restoring it here is what keeps a rollback
// from start_services or verify_online leaving the registry pointed at the
// new release while the install directory reverts to the old one.
func (u *Upgrader) fail(ctx context.Context, target Target, step string, stepNumber int, cause error, rollback bool, snapshots []string, priorVersion string) (*Report, error) {
	report := &Report{FailedStep: step, FailedStepNumber: stepNumber, Error: cause.Error()}
	if !rollback || len(snapshots) == 0 {
		return report, nil
	}

	var steps []string
	backupDir := snapshots[0]
	if err := copyTree(backupDir, target.InstallDir, nil); err != nil {
		u.logger.Error("rollback copy failed", zap.Error(err), zap.String("target", target.Name))
		steps = append(steps, "restore_files:failed")
	} else {
		steps = append(steps, "restore_files:done")
	}

	if err := u.registry.SetVersion(ctx, target.Name, priorVersion, time.Now().UTC()); err != nil {
		u.logger.Error("rollback registry restore failed", zap.Error(err), zap.String("target", target.Name))
		steps = append(steps, "restore_registry:failed")
	} else {
		steps = append(steps, "restore_registry:done")
	}

	if err := u.services.Start(ctx, target.Name); err != nil {
		u.logger.Error("rollback service restart failed", zap.Error(err), zap.String("target", target.Name))
		steps = append(steps, "restart_services:failed")
	} else {
		steps = append(steps, "restart_services:done")
	}

	report.Rollback = RollbackReport{Performed: true, Steps: steps}
	return report, nil
}

func (u *Upgrader) verifyOnline(ctx context.Context, name string) error {
	deadline := time.Now().Add(u.verifyTimeout)
	for {
		online, err := u.services.IsOnline(ctx, name)
		if err == nil && online {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("upgrade: %s did not come online within %s", name, u.verifyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// stepper numbers and emits StepReports as each named step runs.
type stepper struct {
	total  int
	n      int
	onStep func(StepReport)
}

func newStepper(total int, onStep func(StepReport)) *stepper {
	return &stepper{total: total, onStep: onStep}
}

// run executes fn as the next numbered step and emits its StepReport. fn
// returns skipped=true when the step had nothing to do (no hook configured,
// no platform installer wired) rather than having done the work.
func (s *stepper) run(name string, fn func() (msg string, skipped bool, err error)) error {
	s.n++
	msg, skipped, err := fn()
	status := StepDone
	errStr := ""
	switch {
	case err != nil:
		status = StepFailed
		errStr = err.Error()
	case skipped:
		status = StepSkipped
	}
	if s.onStep != nil {
		s.onStep(StepReport{Step: s.n, Total: s.total, Name: name, Status: status, Message: msg, Error: errStr})
	}
	return err
}

// copyTree recursively copies src into dst, skipping any relative path in
// ignore. Existing files at dst are overwritten.
func copyTree(src, dst string, ignore []string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if isIgnored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// pruneOldSnapshots keeps only the snapshot at keep under backupsDir,
// deleting every other entry (spec.md §4.F step 8, "keep only the most
// recent snapshot").
func pruneOldSnapshots(backupsDir, keep string) {
	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		full := filepath.Join(backupsDir, e.Name())
		if full == keep {
			continue
		}
		os.RemoveAll(full)
	}
}
