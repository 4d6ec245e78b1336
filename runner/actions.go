package runner

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Action is a built-in step referenced with `uses:`. It may change the
// unit's environment and returns text for the step output.
type Action func(ctx context.Context, ac *ActionContext) (string, error)

// ActionContext is what an action can see and touch
type ActionContext struct {
	Env       *Environment
	Step      Step
	SourceDir string
	CacheDir  string
	// Skip lists directories checkout never copies, such as the run
	// database and cache store when they live inside the project.
	Skip []string
}

// ErrUnknownAction is returned for a `uses:` name with no registered action
var ErrUnknownAction = errors.New("unknown action")

// DefaultActions returns the built-in actions
func DefaultActions() map[string]Action {
	return map[string]Action{
		"checkout":        checkoutAction,
		"cache":           cacheAction,
		"setup-toolchain": setupToolchainAction,
	}
}

// checkoutAction copies the project source into the unit workspace.
// with.path selects a subdirectory of the workspace, with.exclude a
// comma-separated list of glob patterns matched against base names.
func checkoutAction(ctx context.Context, ac *ActionContext) (string, error) {
	if ac.SourceDir == "" {
		return "", errors.New("no source directory to check out")
	}
	dest := ac.Env.Workspace
	if sub := ac.Step.With["path"]; sub != "" {
		dest = ac.Env.resolve(sub)
	}
	exclude := splitList(ac.Step.With["exclude"])

	files, err := copyTree(ctx, ac.SourceDir, dest, exclude, ac.Skip...)
	if err != nil {
		return "", errors.Wrap(err, "checkout failed")
	}
	return fmt.Sprintf("Checked out %d file(s) from %s into %s\n", files, ac.SourceDir, dest), nil
}

// cacheAction restores with.path from the cache store under with.key and
// saves it back once the unit has passed. Entries are scoped per job and
// platform so units never share a cache directory.
func cacheAction(ctx context.Context, ac *ActionContext) (string, error) {
	key := ac.Step.With["key"]
	target := ac.Step.With["path"]
	if key == "" || target == "" {
		return "", errors.New("cache requires 'key' and 'path'")
	}
	if ac.CacheDir == "" {
		return "Cache disabled, nothing restored\n", nil
	}

	unit := ac.Env.Unit
	entry := filepath.Join(ac.CacheDir, sanitize(unit.Job.Name), sanitize(string(unit.Platform)), sanitize(key))
	dest := ac.Env.resolve(target)

	var out strings.Builder
	if info, err := os.Stat(entry); err == nil && info.IsDir() {
		files, err := copyTree(ctx, entry, dest, nil)
		if err != nil {
			return "", errors.Wrap(err, "cache restore failed")
		}
		fmt.Fprintf(&out, "Cache hit for key %s: restored %d file(s)\n", key, files)
	} else {
		fmt.Fprintf(&out, "Cache miss for key %s\n", key)
	}

	ac.Env.afterSuccess(func() error {
		return saveCache(dest, entry)
	})
	return out.String(), nil
}

func saveCache(src, entry string) error {
	if _, err := os.Stat(src); err != nil {
		// nothing produced, nothing to save
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(entry), 0755); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	tmp, err := os.MkdirTemp(filepath.Dir(entry), ".save-*")
	if err != nil {
		return errors.Wrap(err, "failed to create cache staging directory")
	}
	if _, err := copyTree(context.Background(), src, tmp, nil); err != nil {
		_ = os.RemoveAll(tmp)
		return errors.Wrap(err, "failed to save cache")
	}
	if err := os.RemoveAll(entry); err != nil {
		_ = os.RemoveAll(tmp)
		return errors.Wrap(err, "failed to replace cache entry")
	}
	return os.Rename(tmp, entry)
}

// setupToolchainAction makes a toolchain available to later steps:
// with.path lists directories to prepend to PATH, with.env_NAME exports NAME,
// and with.check names binaries that must then be resolvable.
func setupToolchainAction(ctx context.Context, ac *ActionContext) (string, error) {
	var out strings.Builder

	for _, dir := range splitList(ac.Step.With["path"]) {
		resolved := ac.Env.resolve(dir)
		ac.Env.PrependPath(resolved)
		fmt.Fprintf(&out, "Added %s to PATH\n", resolved)
	}

	keys := make([]string, 0, len(ac.Step.With))
	for k := range ac.Step.With {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, "env_"); ok && name != "" {
			ac.Env.Setenv(strings.ToUpper(name), ac.Step.With[k])
			fmt.Fprintf(&out, "Exported %s\n", strings.ToUpper(name))
		}
	}

	environ := ac.Env.Environ(nil)
	for _, bin := range splitList(ac.Step.With["check"]) {
		found, err := lookPathIn(bin, environ)
		if err != nil {
			return out.String(), errors.Wrapf(ErrCommandNotFound, "toolchain binary %s", bin)
		}
		fmt.Fprintf(&out, "Found %s at %s\n", bin, found)
	}
	return out.String(), nil
}

// splitList splits on commas, newlines and the OS path list separator
func splitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == '\n' || r == os.PathListSeparator
	})
	items := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			items = append(items, f)
		}
	}
	return items
}

// copyTree copies regular files, directories and symlinks from src into dst,
// replacing entries already in dst, and returns the number of files copied.
// Directories listed in skip are left out.
func copyTree(ctx context.Context, src, dst string, exclude []string, skip ...string) (int, error) {
	src, err := filepath.Abs(src)
	if err != nil {
		return 0, err
	}
	skipped := make(map[string]bool, len(skip))
	for _, dir := range skip {
		if abs, err := filepath.Abs(dir); err == nil {
			skipped[abs] = true
		}
	}

	count := 0
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." && (excluded(d.Name(), exclude) || skipped[p]) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return err
			}
			count++
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			count++
			return copyFile(p, target, info.Mode().Perm())
		}
		return nil
	})
	return count, err
}

func excluded(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
