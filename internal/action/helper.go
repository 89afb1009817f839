package action

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"vdev/internal/device"
	"vdev/internal/logging"
	"vdev/internal/subprocess"
)

const fallbackPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// environment is the variable set shared by helper commands and symlink expansion.
type environment map[string]string

// helperEnv derives the environment for req: the daemon's own environment without
// inherited VDEV_ variables, the request description, and PATH prefixed with the
// helpers directory.
func (e *Engine) helperEnv(req *device.Request) environment {
	env := environment{}
	for _, entry := range e.baseEnv {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.HasPrefix(key, "VDEV_") {
			continue
		}
		env[key] = value
	}

	env["VDEV_ACTION"] = string(req.Kind)
	env["VDEV_MOUNTPOINT"] = e.cfg.Mountpoint
	env["VDEV_PATH"] = req.Path
	env["VDEV_DEVNAME"] = filepath.Join(e.cfg.Mountpoint, req.Path)
	env["VDEV_MAJOR"] = strconv.FormatUint(uint64(req.Dev.Major), 10)
	env["VDEV_MINOR"] = strconv.FormatUint(uint64(req.Dev.Minor), 10)
	env["VDEV_MODE"] = string(req.Mode)
	env["VDEV_METADATA"] = e.meta.Dir(req.Path)
	env["VDEV_HELPERS"] = e.cfg.HelpersDir
	env["VDEV_INSTANCE"] = e.cfg.Nonce
	if e.cfg.FirmwareDir != "" {
		env["VDEV_FIRMWARE_DIR"] = e.cfg.FirmwareDir
	}
	for key, value := range req.Params {
		env["VDEV_OS_"+paramVar(key)] = value
	}

	pathValue := env["PATH"]
	if pathValue == "" {
		pathValue = fallbackPath
	}
	if e.cfg.HelpersDir != "" {
		pathValue = e.cfg.HelpersDir + string(os.PathListSeparator) + pathValue
	}
	env["PATH"] = pathValue
	return env
}

// with returns a copy of env extended by the rule's env entries.
func (env environment) with(extra map[string]string) environment {
	out := make(environment, len(env)+len(extra))
	for key, value := range env {
		out[key] = value
	}
	for key, value := range extra {
		out[key] = os.Expand(value, func(name string) string { return env[name] })
	}
	return out
}

func (env environment) expand(value string) string {
	return os.Expand(value, func(name string) string { return env[name] })
}

func (env environment) list() []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	slices.Sort(out)
	return out
}

// paramVar turns an OS attribute name into an environment variable suffix.
func paramVar(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

// runHelper runs the rule's command. Failures are soft: they are logged and the
// request keeps going.
func (e *Engine) runHelper(ctx context.Context, req *device.Request, rule *Rule, env environment) {
	cmd := subprocess.Command{
		Shell: rule.Command,
		Env:   env.list(),
		Dir:   e.cfg.Mountpoint,
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldDevicePath, req.Path),
		logging.String(logging.FieldRule, rule.Label()),
		logging.String("command", rule.Command),
	}

	run := func(ctx context.Context) {
		status, err := e.runner.Run(ctx, cmd)
		if err != nil {
			logging.WarnWithContext(e.logger, "helper failed", "helper_failed",
				append(attrs,
					logging.Int("exit_status", status),
					logging.Error(err),
					logging.String(logging.FieldErrorKind, device.KindName(err)),
					logging.String(logging.FieldErrorHint, "run the helper by hand with the VDEV_ environment"),
					logging.String(logging.FieldImpact, "device event continues without this helper"),
				)...)
			return
		}
		e.logger.Debug("helper finished", logging.Args(attrs...)...)
	}

	if rule.Async {
		e.async.Add(1)
		go func() {
			defer e.async.Done()
			run(e.asyncCtx)
		}()
		return
	}
	run(ctx)
}
