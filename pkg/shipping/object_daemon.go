package shipping

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/ferry/pkg/extcmd"
	"github.com/cuemby/ferry/pkg/objstore"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const abortTimeout = 30 * time.Second

// ObjectDaemon ships one volume to or from object storage. One worker
// drives the pipeline process, the other the transfer against the store.
type ObjectDaemon struct {
	lifecycle

	store    objstore.Store
	key      string
	argv     []string
	restore  bool
	compress bool

	ctx      context.Context
	cancel   context.CancelFunc
	uploadID string
}

// ObjectDaemonConfig configures an ObjectDaemon
type ObjectDaemonConfig struct {
	Store objstore.Store
	// Key is the object name of the backup
	Key     string
	Argv    []string
	Restore bool
	// Compress runs zstd on the stream inside the daemon
	Compress bool
}

// NewObjectDaemon creates a stopped ObjectDaemon
func NewObjectDaemon(cfg ObjectDaemonConfig, post PostAction, logger zerolog.Logger) *ObjectDaemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &ObjectDaemon{
		lifecycle: newLifecycle(post, logger.With().Str("object", cfg.Key).Logger()),
		store:     cfg.Store,
		key:       cfg.Key,
		argv:      cfg.Argv,
		restore:   cfg.Restore,
		compress:  cfg.Compress,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start initiates the multipart upload when sending, then spawns the
// pipeline and both workers. It returns the upload id.
func (d *ObjectDaemon) Start() string {
	if !d.begin() {
		return ""
	}
	defer d.sealWorkers()

	if !d.restore {
		id, err := d.store.InitMultipart(d.ctx, d.key)
		if err != nil {
			d.logger.Error().Err(err).Msg("Failed to initiate multipart upload")
			d.fireAsync(false, 0)
			return ""
		}
		d.uploadID = id
	}

	proc, err := extcmd.Start(d.ctx, d.argv, extcmd.Options{
		StdoutAsData: !d.restore,
		StdinPipe:    d.restore,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to start pipeline")
		d.abortUpload()
		d.fireAsync(false, 0)
		return d.uploadID
	}

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		return d.onFailure(d.runProcess(proc))
	})
	g.Go(func() error {
		if d.restore {
			return d.onFailure(d.download(gctx, proc))
		}
		return d.onFailure(d.upload(gctx, proc))
	})

	d.spawn(func() {
		err := g.Wait()
		d.cancel()
		if err != nil {
			d.abortUpload()
			return
		}
		d.logger.Debug().Bool("restore", d.restore).Msg("Transfer finished")
		d.fire(true, 0)
	})
	return d.uploadID
}

// onFailure reports a failing side right away instead of waiting for the
// other one, and stops the pipeline
func (d *ObjectDaemon) onFailure(err error) error {
	if err != nil {
		d.failure(err, 0)
		d.cancel()
	}
	return err
}

func (d *ObjectDaemon) runProcess(proc *extcmd.Process) error {
	var exitCode int
	for ev := range proc.Events() {
		switch ev.Type {
		case extcmd.EventStdErr:
			d.logger.Warn().Str("line", ev.Line).Msg("stderr")
		case extcmd.EventStdOut:
			d.logger.Debug().Str("line", ev.Line).Msg("stdout")
		case extcmd.EventException:
			d.logger.Warn().Err(ev.Err).Msg("Failed to read pipeline output")
		case extcmd.EventEOF:
			exitCode = ev.ExitCode
		}
	}
	if exitCode != 0 {
		return fmt.Errorf("pipeline exited with code %d", exitCode)
	}
	return nil
}

func (d *ObjectDaemon) upload(ctx context.Context, proc *extcmd.Process) error {
	stdout := proc.Stdout()
	defer stdout.Close()

	var body io.Reader = &exitReader{r: stdout, proc: proc}
	if d.compress {
		src := body
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(compressInto(pw, src))
		}()
		// unblocks the compressor when the upload gives up early
		defer pr.Close()
		body = pr
	}

	if err := d.store.PutObjectMultipart(ctx, d.key, d.uploadID, body); err != nil {
		return fmt.Errorf("failed to upload %s: %w", d.key, err)
	}
	return nil
}

// exitReader turns the end of the process output into an error when the
// process failed, so a broken stream never completes an upload
type exitReader struct {
	r    io.Reader
	proc *extcmd.Process
}

func (e *exitReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		<-e.proc.Done()
		if code, _ := e.proc.ExitCode(); code != 0 {
			return n, fmt.Errorf("pipeline exited with code %d", code)
		}
	}
	return n, err
}

func compressInto(w io.Writer, r io.Reader) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func (d *ObjectDaemon) download(ctx context.Context, proc *extcmd.Process) error {
	stdin := proc.Stdin()
	defer stdin.Close()

	body, err := d.store.GetObject(ctx, d.key)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", d.key, err)
	}
	defer body.Close()

	var src io.Reader = body
	if d.compress {
		dec, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("failed to open zstd stream of %s: %w", d.key, err)
		}
		defer dec.Close()
		src = dec
	}

	if _, err := io.Copy(stdin, src); err != nil {
		return fmt.Errorf("failed to feed %s into pipeline: %w", d.key, err)
	}
	return nil
}

// abortUpload discards the multipart upload of a failed transfer
func (d *ObjectDaemon) abortUpload() {
	if d.restore || d.uploadID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	err := d.store.AbortMultipart(ctx, d.key, d.uploadID)
	if err != nil && !objstore.IsNotFound(err) {
		d.logger.Error().Err(err).Str("upload_id", d.uploadID).Msg("Failed to abort multipart upload")
	}
}

// Shutdown cancels both workers. A running upload is aborted by the
// supervising worker.
func (d *ObjectDaemon) Shutdown(runPostAction bool) {
	d.stop()
	d.cancel()
	if runPostAction {
		d.fireAsync(false, 0)
	}
}

// AwaitShutdown waits for the workers to exit
func (d *ObjectDaemon) AwaitShutdown(timeout time.Duration) bool {
	return d.awaitShutdown(timeout)
}

// SetPrepareAbort marks errors from now on as expected
func (d *ObjectDaemon) SetPrepareAbort() {
	d.setPrepareAbort()
}

// UploadID returns the id of the multipart upload, "" before Start
func (d *ObjectDaemon) UploadID() string {
	return d.uploadID
}
