package headless

import (
	"context"
	"math/rand"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// stealthScript overrides the fingerprint surfaces bot detectors probe
// before any page script runs
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
const origQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
	parameters.name === 'notifications'
		? Promise.resolve({ state: Notification.permission })
		: origQuery(parameters)
);
`

// viewportPool is the fixed set of realistic desktop resolutions a session
// randomizes between
var viewportPool = [][2]int64{
	{1920, 1080},
	{1680, 1050},
	{1600, 900},
	{1536, 864},
	{1440, 900},
	{1366, 768},
}

// trackingHosts identifies analytics and ad requests aborted by the
// interception handler
var trackingHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
	"facebook.com/tr",
	"hotjar.com",
	"segment.io",
	"mixpanel.com",
	"amplitude.com",
	"newrelic.com",
	"sentry.io",
}

// heavyResourceTypes are additionally aborted in paid-proxy mode to cut
// bandwidth spend
var heavyResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeStylesheet: true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeMedia:      true,
}

// installStealth registers the fingerprint overrides on a browser context
func installStealth(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	}))
}

// randomizeViewport applies one viewport from the fixed pool
func randomizeViewport(ctx context.Context) error {
	vp := viewportPool[rand.Intn(len(viewportPool))]
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return emulation.SetDeviceMetricsOverride(vp[0], vp[1], 1, false).Do(ctx)
	}))
}

// installInterception registers the request-interception handler. Tracking
// URLs are always aborted; heavy resource types only when blockHeavy is
// set. Callers guard this with the session's once flag so the handler is
// registered a single time per browser context.
func installInterception(ctx context.Context, blockHeavy bool) error {
	execCtx := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Target)

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			if shouldAbort(paused.Request.URL, paused.ResourceType, blockHeavy) {
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
				return
			}
			_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
		}()
	})

	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return fetch.Enable().Do(ctx)
	}))
}

func shouldAbort(url string, resourceType network.ResourceType, blockHeavy bool) bool {
	lower := strings.ToLower(url)
	for _, host := range trackingHosts {
		if strings.Contains(lower, host) {
			return true
		}
	}
	return blockHeavy && heavyResourceTypes[resourceType]
}
