package portal

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"bidfetch/internal/components/assert"
	"bidfetch/internal/components/telemetry"
	"bidfetch/internal/history"
	"bidfetch/internal/keyword"
	"bidfetch/internal/tracker"
	"bidfetch/lib/restyutil"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

type ChromeOptions struct {
	TopPage      string
	ProjectTitle string
	PageSize     int
	// ExecPath is the chrome executable, empty uses the one on PATH.
	ExecPath string
	Headless bool
	// NavigationTimeout bounds each browser action on its own.
	NavigationTimeout time.Duration
	// ClickDelay is the minimum spacing between two document clicks.
	ClickDelay time.Duration
	// HttpDumpDir receives the probe's http exchanges when set.
	HttpDumpDir string
}

const (
	report_chrome_open           = "chrome.open"
	report_chrome_request_paused = "chrome.request-paused"
	report_chrome_dialog         = "chrome.dialog"
	report_chrome_wait           = "chrome.wait"
)

const pollInterval = 200 * time.Millisecond

// scope is the chain of frame selectors that leads from the top document
// to the document a selector is evaluated in.
type scope []string

var (
	topScope     = scope{}
	rightScope   = scope{selRightFrame}
	listingScope = scope{selRightFrame, selListingFrame}
)

// Chrome is a Session backed by a local chrome driven over the devtools protocol.
type Chrome struct {
	tel   telemetry.API
	opts  ChromeOptions
	http  *resty.Client
	pacer *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Session = (*Chrome)(nil)

func NewChrome(opts ChromeOptions, tel telemetry.API) *Chrome {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.TopPage)
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 90 * time.Second
	}
	delay := tracker.EffectiveClickDelay(opts.ClickDelay)

	tel = telemetry.NewScopedAPI("portal", tel)
	client := NewProbeClient(tel, opts.NavigationTimeout)
	if opts.HttpDumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(opts.HttpDumpDir)
		if err != nil {
			tel.ReportWarning(report_chrome_open, fmt.Errorf("http dump disabled: %w", err))
		} else {
			restyutil.DumpExchanges(client, output)
		}
	}

	return &Chrome{
		tel:   tel,
		opts:  opts,
		http:  client,
		pacer: rate.NewLimiter(rate.Every(delay), 1),
	}
}

func (c *Chrome) Probe(ctx context.Context) error {
	return Probe(ctx, c.http, c.opts.TopPage)
}

func (c *Chrome) Open(ctx context.Context) error {
	if c.ctx != nil {
		return fmt.Errorf("browser is already open")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(UserAgent),
	)
	if c.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.opts.ExecPath))
	}

	// the browser lives until Close, not until the caller's ctx is done
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(
		allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			c.tel.ReportDebug("chromedp error", fmt.Sprintf(format, args...))
		}),
	)
	c.ctx = tabCtx
	c.cancel = func() {
		tabCancel()
		allocCancel()
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		c.onTargetEvent(tabCtx, ev)
	})

	// the first Run launches the browser and must use the tab context itself
	err := chromedp.Run(tabCtx,
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageResponse},
		}),
	)
	if err != nil {
		c.tel.ReportBroken(report_chrome_open, err)
		c.cancel()
		c.ctx = nil
		c.cancel = nil
		return fmt.Errorf("launch browser: %w", err)
	}
	c.tel.ReportDebug("browser launched", c.opts.ExecPath, c.opts.Headless)
	return nil
}

func (c *Chrome) onTargetEvent(tabCtx context.Context, ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		// listeners run on the event loop, commands must be sent from elsewhere
		go c.onRequestPaused(executor(tabCtx), ev)
	case *page.EventJavascriptDialogOpening:
		go c.acceptDialog(executor(tabCtx), ev)
	}
}

func executor(tabCtx context.Context) context.Context {
	return cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
}

// attachmentHeaders adds content-disposition: attachment to pdf and xml
// responses so chrome downloads them instead of opening its viewer. ok is
// false for every other response.
func attachmentHeaders(headers []*fetch.HeaderEntry) (out []*fetch.HeaderEntry, ok bool) {
	contentType := ""
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-type") {
			contentType = strings.ToLower(strings.TrimSpace(h.Value))
			break
		}
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if !strings.HasSuffix(contentType, "pdf") && !strings.HasSuffix(contentType, "xml") {
		return headers, false
	}

	out = make([]*fetch.HeaderEntry, 0, len(headers)+1)
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-disposition") {
			continue
		}
		out = append(out, h)
	}
	out = append(out, &fetch.HeaderEntry{Name: "content-disposition", Value: "attachment"})
	return out, true
}

func (c *Chrome) onRequestPaused(ctx context.Context, ev *fetch.EventRequestPaused) {
	headers, ok := attachmentHeaders(ev.ResponseHeaders)
	if !ok || ev.ResponseErrorReason != "" || ev.ResponseStatusCode >= 300 {
		err := fetch.ContinueRequest(ev.RequestID).Do(ctx)
		if err != nil && ctx.Err() == nil {
			c.tel.ReportWarning(report_chrome_request_paused, err, ev.Request.URL)
		}
		return
	}

	body, err := fetch.GetResponseBody(ev.RequestID).Do(ctx)
	if err != nil {
		c.tel.ReportWarning(report_chrome_request_paused, fmt.Errorf("get response body: %w", err), ev.Request.URL)
		fetch.ContinueRequest(ev.RequestID).Do(ctx)
		return
	}
	err = fetch.FulfillRequest(ev.RequestID, 200).
		WithResponseHeaders(headers).
		WithBody(base64.StdEncoding.EncodeToString(body)).
		Do(ctx)
	if err != nil {
		c.tel.ReportWarning(report_chrome_request_paused, fmt.Errorf("fulfill request: %w", err), ev.Request.URL)
	}
}

// acceptDialog answers OK to every alert and confirm, the search form asks
// for confirmation before an unfiltered search.
func (c *Chrome) acceptDialog(ctx context.Context, ev *page.EventJavascriptDialogOpening) {
	c.tel.ReportDebug("accepting dialog", ev.Message)
	err := page.HandleJavaScriptDialog(true).Do(ctx)
	if err != nil {
		c.tel.ReportWarning(report_chrome_dialog, err, ev.Message)
	}
}

// step derives the context of one browser step: it targets the tab, is
// bounded by the navigation timeout and is canceled along with ctx.
func (c *Chrome) step(ctx context.Context) (context.Context, context.CancelFunc) {
	assert.NotNil(c.ctx)
	stepCtx, cancel := context.WithTimeout(c.ctx, c.opts.NavigationTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return stepCtx, func() {
		stop()
		cancel()
	}
}

func queryOpts(parent *cdp.Node, extra ...chromedp.QueryOption) []chromedp.QueryOption {
	opts := []chromedp.QueryOption{chromedp.ByQuery}
	if parent != nil {
		opts = append(opts, chromedp.FromNode(parent))
	}
	return append(opts, extra...)
}

// lookup resolves the frames of s and reports whether sel currently matches
// inside the innermost one. It never waits.
func (c *Chrome) lookup(ctx context.Context, s scope, sel string) (frame *cdp.Node, found bool, err error) {
	for _, frameSel := range s {
		var nodes []*cdp.Node
		err = chromedp.Run(ctx, chromedp.Nodes(frameSel, &nodes, queryOpts(frame, chromedp.AtLeast(0))...))
		if err != nil {
			return nil, false, err
		}
		if len(nodes) == 0 {
			return nil, false, nil
		}
		frame = nodes[0]
	}

	var nodes []*cdp.Node
	err = chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, queryOpts(frame, chromedp.AtLeast(0))...))
	if err != nil {
		return nil, false, err
	}
	return frame, len(nodes) > 0, nil
}

// wait polls until sel matches inside s. The frames are resolved again on
// every poll since a navigation replaces their documents.
func (c *Chrome) wait(ctx context.Context, s scope, sel string) (*cdp.Node, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		frame, found, err := c.lookup(ctx, s, sel)
		if err != nil && ctx.Err() == nil {
			c.tel.ReportDebug("lookup failed, retrying", sel, err)
		}
		if found {
			return frame, nil
		}
		select {
		case <-ctx.Done():
			c.tel.ReportWarning(report_chrome_wait, ctx.Err(), strings.Join(append(s, sel), " > "))
			return nil, fmt.Errorf("wait for %s: %w", sel, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Chrome) click(ctx context.Context, s scope, sel string) error {
	frame, err := c.wait(ctx, s, sel)
	if err != nil {
		return err
	}
	err = chromedp.Run(ctx, chromedp.Click(sel, queryOpts(frame, chromedp.NodeVisible)...))
	if err != nil {
		return fmt.Errorf("click %s: %w", sel, err)
	}
	return nil
}

func (c *Chrome) outerHTML(ctx context.Context, s scope) (string, error) {
	frame, err := c.wait(ctx, s, "body")
	if err != nil {
		return "", err
	}
	var source string
	err = chromedp.Run(ctx, chromedp.OuterHTML("html", &source, queryOpts(frame)...))
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return source, nil
}

// attrSelector builds tag[attr="value"] with value quoted for css.
func attrSelector(tag, attr, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf(`%s[%s="%s"]`, tag, attr, escaped)
}

// inStep runs fn under a fresh step context, so every action gets the whole
// navigation timeout.
func (c *Chrome) inStep(ctx context.Context, fn func(stepCtx context.Context) error) error {
	stepCtx, cancel := c.step(ctx)
	defer cancel()
	return fn(stepCtx)
}

func (c *Chrome) clickStep(ctx context.Context, s scope, sel string) error {
	return c.inStep(ctx, func(stepCtx context.Context) error {
		return c.click(stepCtx, s, sel)
	})
}

func (c *Chrome) Search(ctx context.Context) ([]history.ContractSummary, error) {
	sizeValue, err := PageSizeValue(c.opts.PageSize)
	if err != nil {
		return nil, err
	}

	err = c.inStep(ctx, func(stepCtx context.Context) error {
		res, err := chromedp.RunResponse(stepCtx, chromedp.Navigate(c.opts.TopPage))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnectivity, err)
		}
		if res != nil && (res.Status < 200 || res.Status >= 300) {
			return fmt.Errorf("%w: %s answered %d", ErrConnectivity, c.opts.TopPage, res.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = c.clickStep(ctx, topScope, selConsultantMenu)
	if err != nil {
		return nil, fmt.Errorf("open consultant menu: %w", err)
	}
	err = c.clickStep(ctx, rightScope, selOrderSearch)
	if err != nil {
		return nil, fmt.Errorf("open order search: %w", err)
	}

	err = c.inStep(ctx, func(stepCtx context.Context) error {
		frame, err := c.wait(stepCtx, rightScope, selPageSize)
		if err != nil {
			return fmt.Errorf("open order search: %w", err)
		}
		err = chromedp.Run(stepCtx,
			chromedp.SetValue(selPageSize, sizeValue, queryOpts(frame)...),
			chromedp.SendKeys(selProjectName, c.opts.ProjectTitle, queryOpts(frame)...),
		)
		if err != nil {
			return fmt.Errorf("fill search form: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.tel.ReportDebug("search form filled", c.opts.PageSize, c.opts.ProjectTitle)

	err = c.clickStep(ctx, rightScope, selSearchButton)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var source string
	err = c.inStep(ctx, func(stepCtx context.Context) (err error) {
		source, err = c.outerHTML(stepCtx, listingScope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	return ParseListing(source)
}

func (c *Chrome) OpenContract(ctx context.Context, contract history.ContractSummary, downloadDir string) ([]keyword.Document, error) {
	err := os.MkdirAll(downloadDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	err = c.clickStep(ctx, listingScope, attrSelector("a", "href", contract.LinkArg))
	if err != nil {
		return nil, fmt.Errorf("open contract %s: %w", contract.ContractID, err)
	}
	err = c.inStep(ctx, func(stepCtx context.Context) error {
		_, err := c.wait(stepCtx, rightScope, selBackButton)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open contract %s: %w", contract.ContractID, err)
	}

	err = c.inStep(ctx, func(stepCtx context.Context) error {
		return chromedp.Run(stepCtx,
			browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
				WithDownloadPath(downloadDir).
				WithEventsEnabled(true),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("set download dir: %w", err)
	}

	var source string
	err = c.inStep(ctx, func(stepCtx context.Context) (err error) {
		source, err = c.outerHTML(stepCtx, rightScope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", contract.ContractID, err)
	}
	return ParseDocuments(source)
}

// downloadState maps the browser's download state, ok is false for states
// the tracker does not know.
func downloadState(state browser.DownloadProgressState) (tracker.DownloadState, bool) {
	switch state {
	case browser.DownloadProgressStateInProgress:
		return tracker.DownloadInProgress, true
	case browser.DownloadProgressStateCompleted:
		return tracker.DownloadCompleted, true
	case browser.DownloadProgressStateCanceled:
		return tracker.DownloadCanceled, true
	default:
		return "", false
	}
}

func (c *Chrome) Subscribe(sink DownloadSink) func() {
	assert.NotNil(c.ctx)
	assert.NotNil(sink)

	listenCtx, unsubscribe := context.WithCancel(c.ctx)
	chromedp.ListenTarget(listenCtx, func(ev any) {
		switch ev := ev.(type) {
		case *browser.EventDownloadWillBegin:
			sink.OnBegin(ev.GUID, ev.SuggestedFilename)
		case *browser.EventDownloadProgress:
			state, ok := downloadState(ev.State)
			if !ok {
				c.tel.ReportDebug("unknown download state", ev.GUID, ev.State)
				return
			}
			sink.OnProgress(ev.GUID, state)
		}
	})
	return unsubscribe
}

func (c *Chrome) Download(ctx context.Context, document keyword.Document) error {
	err := c.pacer.Wait(ctx)
	if err != nil {
		return err
	}

	err = c.clickStep(ctx, rightScope, attrSelector("a", "href", document.Href))
	if err != nil {
		return fmt.Errorf("download %s: %w", document.Name, err)
	}
	return nil
}

func (c *Chrome) Back(ctx context.Context) error {
	err := c.clickStep(ctx, rightScope, selBackButton)
	if err != nil {
		return fmt.Errorf("back to listing: %w", err)
	}
	err = c.inStep(ctx, func(stepCtx context.Context) error {
		_, err := c.wait(stepCtx, listingScope, "body")
		return err
	})
	if err != nil {
		return fmt.Errorf("back to listing: %w", err)
	}
	return nil
}

func (c *Chrome) Close() error {
	if c.ctx == nil {
		return nil
	}
	err := chromedp.Cancel(c.ctx)
	c.cancel()
	c.ctx = nil
	c.cancel = nil
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
