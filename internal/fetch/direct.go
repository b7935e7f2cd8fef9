package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vfaronov/httpheader"
	"golang.org/x/net/proxy"

	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/utils"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"

	// IncompleteSuffix marks a file still being written.
	IncompleteSuffix = ".part"

	copyBufferSize = 256 * types.KB
)

// Direct fetches plain files over HTTP without the external tool.
type Direct struct {
	// Client overrides the per-request client built from the proxy setting.
	Client *http.Client
}

func NewDirect() *Direct {
	return &Direct{}
}

func (d *Direct) client(proxyURL string) *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Transport: newTransport(proxyURL)}
}

// newTransport routes through proxyURL, falling back to the environment.
func newTransport(proxyURL string) *http.Transport {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if proxyURL == "" {
		return transport
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		utils.Debug("Direct: invalid proxy URL %s: %v", proxyURL, err)
		return transport
	}
	if strings.HasPrefix(parsed.Scheme, "socks5") {
		var auth *proxy.Auth
		if parsed.User != nil {
			pw, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: pw}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			utils.Debug("Direct: failed to create SOCKS5 dialer: %v", err)
			return transport
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		return transport
	}
	transport.Proxy = http.ProxyURL(parsed)
	return transport
}

func (d *Direct) get(ctx context.Context, req Request, probe bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if probe {
		httpReq.Header.Set("Range", "bytes=0-0")
	}
	resp, err := d.client(req.ProxyURL).Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp, nil
}

// filenameFor picks the output name: Content-Disposition, then the URL
// path, then the title.
func filenameFor(resp *http.Response, req Request) string {
	if resp != nil {
		if _, name, _ := httpheader.ContentDisposition(resp.Header); name != "" {
			if clean := utils.SanitizeFilename(filepath.Base(name)); clean != "" {
				return clean
			}
		}
	}
	if name := utils.URLFilename(req.URL); name != "" {
		return name
	}
	if name := utils.SanitizeFilename(req.Title); name != "" {
		return name
	}
	return "download.bin"
}

// uniquePath returns dir/name, or dir/name(N).ext for the first N not in use.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if !exists(candidate) && !exists(candidate+IncompleteSuffix) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, i, ext))
		if !exists(candidate) && !exists(candidate+IncompleteSuffix) {
			return candidate
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Start downloads req.URL into req.OutputDir.
func (d *Direct) Start(ctx context.Context, req Request) (<-chan Event, error) {
	if req.URL == "" {
		return nil, errors.New("url is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	ch := make(chan Event, types.EventChannelBuffer)
	go func() {
		defer close(ch)
		if err := d.download(ctx, req, ch); err != nil {
			if ctx.Err() != nil || IsCancellation(err) {
				utils.Debug("Direct[%s]: cancelled", req.URLID)
			} else {
				ch <- Event{Kind: EventError, Err: err}
			}
		}
		ch <- Event{Kind: EventClose}
	}()
	return ch, nil
}

func (d *Direct) download(ctx context.Context, req Request, ch chan<- Event) error {
	resp, err := d.get(ctx, req, false)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	total := resp.ContentLength
	name := filenameFor(resp, req)

	// Same name and size on disk counts as already downloaded.
	existing := filepath.Join(req.OutputDir, name)
	if info, err := os.Stat(existing); err == nil && info.Mode().IsRegular() && total > 0 && info.Size() == total {
		ch <- Event{Kind: EventAlreadyDownloaded, Path: existing}
		return nil
	}

	destPath := uniquePath(req.OutputDir, name)
	ch <- Event{Kind: EventDestination, Path: destPath}

	workingPath := destPath + IncompleteSuffix
	out, err := os.Create(workingPath)
	if err != nil {
		return err
	}
	success := false
	defer func() {
		_ = out.Close()
		if !success {
			_ = os.Remove(workingPath)
		}
	}()

	start := time.Now()
	var (
		written  int64
		lastPct  = -1.0
		buf      = make([]byte, copyBufferSize)
		emitStep = 1.0
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		nr, readErr := resp.Body.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return fmt.Errorf("write error: %w", writeErr)
			}
			if nw != nr {
				return io.ErrShortWrite
			}
			if total > 0 {
				pct := float64(written) * 100 / float64(total)
				if pct-lastPct >= emitStep || written == total {
					lastPct = pct
					ch <- Event{Kind: EventProgress, Percent: min(pct, 100)}
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read error: %w", readErr)
		}
	}

	if total > 0 && written != total {
		return fmt.Errorf("short body: got %d of %d bytes", written, total)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close error: %w", err)
	}
	if err := os.Rename(workingPath, destPath); err != nil {
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	success = true

	if total <= 0 {
		ch <- Event{Kind: EventProgress, Percent: 100}
	}

	elapsed := time.Since(start)
	utils.Debug("Direct[%s]: downloaded %s (%s) in %s",
		req.URLID, destPath, humanize.Bytes(uint64(written)), elapsed.Round(time.Millisecond))
	return nil
}

// Title probes the server for the file name it would serve.
func (d *Direct) Title(ctx context.Context, req Request) string {
	ctx, cancel := context.WithTimeout(ctx, types.ProbeTimeout)
	defer cancel()

	resp, err := d.get(ctx, req, true)
	if err != nil {
		utils.Debug("Direct: title probe for %s failed: %v", req.URLID, err)
		return utils.URLFilename(req.URL)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*types.KB))
		_ = resp.Body.Close()
	}()
	return filenameFor(resp, req)
}

// ResolveOutput returns the path a finished direct download would occupy.
func (d *Direct) ResolveOutput(ctx context.Context, req Request, title string) string {
	candidates := []string{utils.URLFilename(req.URL), utils.SanitizeFilename(title)}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		p := filepath.Join(req.OutputDir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}
