package integrity

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/harrylevesque/hcsguard/internal/features"
	"github.com/harrylevesque/hcsguard/internal/models"
)

const (
	CheckDebugger      = "debugger"
	CheckDevtools      = "devtools"
	CheckAutomation    = "automation"
	CheckTimingJitter  = "timing_jitter"
	CheckPlatform      = "platform_consistency"
	CheckStorage       = "storage_integrity"
	CheckAuthenticator = "authenticator"
)

// devtoolsGap is the window-minus-viewport size beyond which docked
// inspection tooling is assumed.
const devtoolsGap = 160

// automationGlobals are markers left by webdriver and headless harnesses.
var automationGlobals = []string{
	"webdriver",
	"__nightmare",
	"_phantom",
	"callPhantom",
	"__selenium_unwrapped",
	"__webdriver_evaluate",
	"__driver_evaluate",
	"domAutomation",
	"domAutomationController",
	"cdc_",
}

// StorageVerifier reports profile records whose integrity hash no longer matches.
type StorageVerifier interface {
	Verify(ctx context.Context) ([]string, error)
}

// AuthenticatorStatus reports whether the platform authenticator can be used.
type AuthenticatorStatus interface {
	Available(ctx context.Context) bool
}

// DefaultChecks returns the full battery in scan order. Either dependency may
// be nil, in which case its check is omitted.
func DefaultChecks(storage StorageVerifier, auth AuthenticatorStatus) []Check {
	checks := []Check{
		{Name: CheckDebugger, Severity: models.SeverityHigh, Run: debuggerCheck},
		{Name: CheckDevtools, Severity: models.SeverityMedium, Run: devtoolsCheck},
		{Name: CheckAutomation, Severity: models.SeverityHigh, Run: automationCheck},
		{Name: CheckTimingJitter, Severity: models.SeverityMedium, Run: jitterCheck},
		{Name: CheckPlatform, Severity: models.SeverityMedium, Run: platformCheck},
	}
	if storage != nil {
		checks = append(checks, Check{Name: CheckStorage, Severity: models.SeverityCritical, Run: storageCheck(storage)})
	}
	if auth != nil {
		checks = append(checks, Check{Name: CheckAuthenticator, Severity: models.SeverityLow, Run: authenticatorCheck(auth)})
	}
	return checks
}

func debuggerCheck(ctx context.Context, _ *Environment) (bool, string, error) {
	if pid := tracerPid(); pid > 0 {
		return true, fmt.Sprintf("traced by pid %d", pid), nil
	}
	if name, ok := debuggerParent(); ok {
		return true, "parent process " + name, nil
	}
	if d := timedWorkload(); d > 100*time.Millisecond {
		return true, fmt.Sprintf("timed workload took %s", d), nil
	}
	return false, "", nil
}

// timedWorkload times a short fixed workload. Single-stepping inflates it by
// orders of magnitude.
func timedWorkload() time.Duration {
	start := time.Now()
	var acc uint64
	for i := uint64(0); i < 100000; i++ {
		acc = acc*31 + i
	}
	runtime.KeepAlive(acc)
	return time.Since(start)
}

func devtoolsCheck(_ context.Context, env *Environment) (bool, string, error) {
	if env == nil || env.ViewportWidth <= 0 || env.ViewportHeight <= 0 {
		return false, "", nil
	}
	dw := env.WindowWidth - env.ViewportWidth
	dh := env.WindowHeight - env.ViewportHeight
	if dw > devtoolsGap || dh > devtoolsGap {
		return true, fmt.Sprintf("window exceeds viewport by %dx%d", dw, dh), nil
	}
	return false, "", nil
}

func automationCheck(_ context.Context, env *Environment) (bool, string, error) {
	if env == nil {
		return false, "", nil
	}
	var hits []string
	for _, g := range env.Globals {
		for _, marker := range automationGlobals {
			if g == marker || (strings.HasSuffix(marker, "_") && strings.HasPrefix(g, marker)) {
				hits = append(hits, g)
				break
			}
		}
	}
	if strings.Contains(env.UserAgent, "HeadlessChrome") {
		hits = append(hits, "HeadlessChrome")
	}
	if len(hits) > 0 {
		return true, strings.Join(hits, ","), nil
	}
	return false, "", nil
}

// jitterCheck schedules a run of 1ms sleeps and looks at the overshoot. A
// virtualised or replayed clock shows no spread at all; heavy instrumentation
// shows a very wide one.
func jitterCheck(ctx context.Context, _ *Environment) (bool, string, error) {
	const samples = 10
	overshoot := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		t := time.NewTimer(time.Millisecond)
		start := time.Now()
		select {
		case <-ctx.Done():
			t.Stop()
			return false, "", ctx.Err()
		case <-t.C:
		}
		overshoot = append(overshoot, float64(time.Since(start)-time.Millisecond)/float64(time.Millisecond))
	}
	return jitterVerdict(overshoot)
}

func jitterVerdict(overshootMs []float64) (bool, string, error) {
	std := features.StdDev(overshootMs)
	switch {
	case std == 0:
		return true, "zero timer jitter", nil
	case std > 50:
		return true, fmt.Sprintf("timer jitter %.1fms", std), nil
	}
	return false, "", nil
}

var kernelNames = map[string]string{
	"linux":   "Linux",
	"darwin":  "Darwin",
	"freebsd": "FreeBSD",
	"openbsd": "OpenBSD",
	"netbsd":  "NetBSD",
}

func platformCheck(_ context.Context, env *Environment) (bool, string, error) {
	if want, ok := kernelNames[runtime.GOOS]; ok {
		if got := kernelName(); got != "" && !strings.EqualFold(got, want) {
			return true, fmt.Sprintf("runtime %s on kernel %s", runtime.GOOS, got), nil
		}
	}
	if env == nil || env.UserAgent == "" || env.Platform == "" {
		return false, "", nil
	}
	ua, pf := uaFamily(env.UserAgent), platformFamily(env.Platform)
	if ua == "android" && pf == "linux" {
		return false, "", nil
	}
	if ua != "" && pf != "" && ua != pf {
		return true, fmt.Sprintf("user agent %s, platform %s", ua, pf), nil
	}
	return false, "", nil
}

func uaFamily(ua string) string {
	switch {
	case strings.Contains(ua, "Android"):
		return "android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "ios"
	case strings.Contains(ua, "Windows"):
		return "windows"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return "mac"
	case strings.Contains(ua, "Linux"), strings.Contains(ua, "X11"):
		return "linux"
	}
	return ""
}

func platformFamily(p string) string {
	p = strings.ToLower(p)
	switch {
	case strings.HasPrefix(p, "win"):
		return "windows"
	case strings.HasPrefix(p, "mac"):
		return "mac"
	case strings.HasPrefix(p, "iphone"), strings.HasPrefix(p, "ipad"):
		return "ios"
	case strings.Contains(p, "android"):
		return "android"
	case strings.HasPrefix(p, "linux"):
		return "linux"
	}
	return ""
}

func storageCheck(v StorageVerifier) func(context.Context, *Environment) (bool, string, error) {
	return func(ctx context.Context, _ *Environment) (bool, string, error) {
		bad, err := v.Verify(ctx)
		if err != nil {
			return false, "", err
		}
		if len(bad) > 0 {
			return true, fmt.Sprintf("%d profile record(s) failed hash verification", len(bad)), nil
		}
		return false, "", nil
	}
}

func authenticatorCheck(a AuthenticatorStatus) func(context.Context, *Environment) (bool, string, error) {
	return func(ctx context.Context, _ *Environment) (bool, string, error) {
		if !a.Available(ctx) {
			return true, "platform authenticator unavailable", nil
		}
		return false, "", nil
	}
}
