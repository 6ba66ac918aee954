package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PDFRenderer turns rendered certificate HTML into a PDF.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

var chromeCandidates = []string{"chromium-browser", "chromium", "google-chrome"}

// Flags for running inside a container without a sandbox or GPU.
var headlessFlags = []chromedp.ExecAllocatorOption{
	chromedp.Flag("headless", true),
	chromedp.Flag("disable-gpu", true),
	chromedp.Flag("no-sandbox", true),
	chromedp.Flag("disable-dev-shm-usage", true),
	chromedp.Flag("disable-setuid-sandbox", true),
}

const certificateFooter = `<div style="font-size:8px;width:100%;text-align:center;color:#666">` +
	`Masterflow approval certificate &middot; page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`

type chromeRenderer struct {
	execPath string
	timeout  time.Duration
}

// ChromePDF returns a renderer that prints through headless Chrome. An empty
// execPath looks up chromium on PATH at render time.
func ChromePDF(execPath string, timeout time.Duration) PDFRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := chromeRenderer{execPath: execPath, timeout: timeout}
	return r.render
}

func (r chromeRenderer) render(parent context.Context, html string) ([]byte, error) {
	execPath := r.execPath
	if execPath == "" {
		found, err := findChromium()
		if err != nil {
			return nil, err
		}
		execPath = found
	}

	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:], headlessFlags...)
	opts = append(opts, chromedp.ExecPath(execPath))
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdf []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("data:text/html;charset=utf-8,"+percentEncodeForDataURL(html)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			// A4 portrait
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.6).
				WithMarginBottom(0.8).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(certificateFooter).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("render certificate pdf: %w", err)
	}
	return pdf, nil
}

func findChromium() (string, error) {
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chromium binary on PATH", ErrPDFDependencyMissing)
}

// percentEncodeForDataURL escapes everything outside the RFC 3986 unreserved
// set. Spaces become %20; url.QueryEscape would produce '+'.
func percentEncodeForDataURL(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}

// sanitizeFilename keeps letters, digits, hyphens and underscores and turns
// spaces into hyphens.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "certificate"
	}
	return result
}
