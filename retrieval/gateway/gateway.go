package gateway

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/metrics"
	"github.com/overlaynode/nodeupdater/updater"
)

var log = logging.Logger("gateway")

// BlockSize is the unit progress is reported in.
const BlockSize = 32 << 10

const DefaultGateway = "https://ipfs.io/ipfs/"

var errTooLarge = xerrors.New("gateway returned more data than expected")

type Config struct {
	// Gateways are base URLs the content address is appended to. They are
	// tried in turn.
	Gateways []string
	// MaxAttempts bounds the number of requests per retrieval. Zero retries
	// until the context is cancelled.
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	Client *http.Client
}

// Engine is the primary retrieval source. It downloads dependencies by
// content address from HTTP gateways, resuming interrupted transfers with
// range requests.
type Engine struct {
	cfg    Config
	client *http.Client
}

var _ updater.Source = (*Engine)(nil)

func New(cfg Config) *Engine {
	if len(cfg.Gateways) == 0 {
		cfg.Gateways = []string{DefaultGateway}
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{cfg: cfg, client: client}
}

func (e *Engine) Retrieve(ctx context.Context, req updater.Request, progress updater.ProgressFunc) <-chan updater.Completion {
	out := make(chan updater.Completion, 1)
	go func() {
		n, err := e.retrieve(ctx, req, progress)
		out <- updater.Completion{Written: n, Err: err}
	}()
	return out
}

func (e *Engine) retrieve(ctx context.Context, req updater.Request, progress updater.ProgressFunc) (int64, error) {
	d := req.Descriptor

	f, err := os.OpenFile(req.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, xerrors.Errorf("opening %s: %w", req.Path, err)
	}
	defer f.Close() //nolint:errcheck

	pw := &progressWriter{w: f, total: d.Size, report: progress}

	b := &backoff.Backoff{
		Min:    e.cfg.MinBackoff,
		Max:    e.cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; ; attempt++ {
		gw := e.cfg.Gateways[attempt%len(e.cfg.Gateways)]

		err := e.fetchOnce(ctx, gw, d, f, pw)
		if err == nil {
			pw.finalize()
			return pw.have, nil
		}
		if ctx.Err() != nil {
			return pw.have, ctx.Err()
		}
		if xerrors.Is(err, errTooLarge) {
			return pw.have, err
		}
		if e.cfg.MaxAttempts > 0 && attempt+1 >= e.cfg.MaxAttempts {
			return pw.have, xerrors.Errorf("giving up on %s after %d attempts: %w", d.Name, attempt+1, err)
		}

		wait := b.Duration()
		stats.Record(ctx, metrics.GatewayRetries.M(1))
		log.Warnw("gateway retrieval failed, retrying", "dep", d.Name, "cid", d.Cid, "gateway", gw, "have", pw.have, "attempt", attempt+1, "wait", wait, "error", err)

		select {
		case <-build.Clock.After(wait):
		case <-ctx.Done():
			return pw.have, ctx.Err()
		}
	}
}

func (e *Engine) fetchOnce(ctx context.Context, gw string, d updater.DependencyDescriptor, f *os.File, pw *progressWriter) error {
	if pw.have == d.Size {
		return nil
	}

	u := strings.TrimSuffix(gw, "/") + "/" + d.Cid.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if pw.have > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(pw.have, 10)+"-")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		// full body; range not honoured
		if err := pw.reset(f); err != nil {
			return err
		}
	case http.StatusPartialContent:
		if _, err := f.Seek(pw.have, io.SeekStart); err != nil {
			return err
		}
	default:
		return xerrors.Errorf("gateway %s: unexpected status %s", gw, resp.Status)
	}

	// one extra byte detects oversized content
	n, err := io.Copy(pw, io.LimitReader(resp.Body, d.Size-pw.have+1))
	if err != nil {
		return xerrors.Errorf("reading body after %d bytes: %w", n, err)
	}
	if pw.have > d.Size {
		return xerrors.Errorf("%w: %d > %d", errTooLarge, pw.have, d.Size)
	}
	if pw.have < d.Size {
		return xerrors.Errorf("short body: have %d of %d bytes", pw.have, d.Size)
	}
	return nil
}

// progressWriter counts written bytes and reports progress in BlockSize
// units.
type progressWriter struct {
	w      io.Writer
	total  int64
	have   int64
	blocks int
	report updater.ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.have += int64(n)
	if blk := int(p.have / BlockSize); blk != p.blocks {
		p.blocks = blk
		p.emit(false)
	}
	return n, err
}

func (p *progressWriter) reset(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	p.have, p.blocks = 0, 0
	return nil
}

func (p *progressWriter) finalize() {
	p.blocks = blocks(p.have)
	p.emit(true)
}

func (p *progressWriter) emit(final bool) {
	if p.report == nil {
		return
	}
	total := blocks(p.total)
	p.report(updater.ProgressSnapshot{
		Succeeded:   p.blocks,
		MinRequired: total,
		Total:       total,
		Finalized:   final,
	})
}

func blocks(n int64) int {
	return int((n + BlockSize - 1) / BlockSize)
}
