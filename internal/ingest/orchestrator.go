// Package ingest turns one sensor recording (a CSV body plus its filename)
// into a committed dataset: metadata from the filename, dimension upserts,
// a bulk load into a private staging relation and one set-oriented transfer
// into the signals fact table, all inside a single transaction.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"sensoretl/internal/metadata"
	"sensoretl/internal/metrics"
	"sensoretl/internal/storage"
)

// State is a step of one ingestion attempt.
type State string

const (
	StateReceived    State = "received"
	StateValidated   State = "validated"
	StateStaged      State = "staged"
	StateTransacting State = "transacting"
	StateCommitted   State = "committed"
	StateAborted     State = "aborted"
)

// Options configures an Orchestrator.
type Options struct {
	// UploadDir receives uploaded bodies before they are loaded. Empty
	// disables persistence; the body is then loaded straight from the request.
	UploadDir string

	// AllowReset enables Reset. It is off unless an operator opts in.
	AllowReset bool

	// Parser overrides metadata.DefaultParser.
	Parser *metadata.Parser

	Logger Logger
}

// Summary describes one committed dataset.
type Summary struct {
	DatasetID    int64             `json:"dataset_id"`
	FileName     string            `json:"file_name"`
	Metadata     metadata.Metadata `json:"metadata"`
	RowsInserted int64             `json:"rows_inserted"`
	Elapsed      time.Duration     `json:"-"`
}

// MarshalJSON adds duration_seconds rounded to milliseconds.
func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	return json.Marshal(struct {
		plain
		DurationSeconds float64 `json:"duration_seconds"`
	}{plain: plain(s), DurationSeconds: s.Elapsed.Truncate(time.Millisecond).Seconds()})
}

// ErrResetDisabled is returned by Reset unless Options.AllowReset is set.
var ErrResetDisabled = errors.New("admin reset disabled")

// Orchestrator drives ingestion attempts through
// received → validated → staged → transacting → committed | aborted.
//
// It holds no per-attempt state and is safe for concurrent use; each
// attempt takes one transaction from the Gateway.
type Orchestrator struct {
	gw         storage.Gateway
	parser     metadata.Parser
	uploadDir  string
	allowReset bool
	log        Logger

	guard    *DuplicateGuard
	loader   *StagingLoader
	inserter *TransformingInserter
	upserter *DimensionUpserter
}

func New(gw storage.Gateway, opts Options) *Orchestrator {
	p := metadata.DefaultParser
	if opts.Parser != nil {
		p = *opts.Parser
	}
	return &Orchestrator{
		gw:         gw,
		parser:     p,
		uploadDir:  opts.UploadDir,
		allowReset: opts.AllowReset,
		log:        loggerOrDiscard(opts.Logger),
		guard:      NewDuplicateGuard(gw),
		loader:     NewStagingLoader(),
		inserter:   NewTransformingInserter(),
		upserter:   NewDimensionUpserter(),
	}
}

// UploadDir is the directory uploads are persisted to.
func (o *Orchestrator) UploadDir() string { return o.uploadDir }

// ResetAllowed reports whether Reset is enabled.
func (o *Orchestrator) ResetAllowed() bool { return o.allowReset }

// EnsureSchema creates the sensor tables if they are missing.
func (o *Orchestrator) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	if err := o.gw.EnsureTables(ctx, storage.SensorSchema()); err != nil {
		return resourceFailure("ensure_schema", err)
	}
	o.log.Printf("stage=ddl ok duration=%s", durMS(start))
	return nil
}

// Exists reports whether fileName was already ingested.
func (o *Orchestrator) Exists(ctx context.Context, fileName string) (bool, error) {
	return o.guard.Exists(ctx, fileName)
}

// Ingest runs the upload path: body is persisted under UploadDir, then
// loaded. The scratch file is kept when the attempt aborts so it can be
// retried through IngestDir.
func (o *Orchestrator) Ingest(ctx context.Context, fileName string, body io.Reader) (Summary, error) {
	start := time.Now()
	name := filepath.Base(fileName)

	s, err := o.ingest(ctx, name, start, func() (io.ReadCloser, error) {
		if o.uploadDir == "" {
			return io.NopCloser(body), nil
		}
		path, err := o.persist(name, body)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, resourceFailure("persist", err)
		}
		return f, nil
	})
	o.finish(name, start, err)
	return s, err
}

// IngestFile runs the batch path for a file that is already on disk.
func (o *Orchestrator) IngestFile(ctx context.Context, path string) (Summary, error) {
	start := time.Now()
	name := filepath.Base(path)

	s, err := o.ingest(ctx, name, start, func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, resourceFailure("open", err)
		}
		return f, nil
	})
	o.finish(name, start, err)
	return s, err
}

func (o *Orchestrator) ingest(ctx context.Context, name string, start time.Time, open func() (io.ReadCloser, error)) (Summary, error) {
	o.log.Printf("stage=receive state=%s file=%q", StateReceived, name)

	if err := o.validate(ctx, name); err != nil {
		return Summary{}, err
	}

	src, err := open()
	if err != nil {
		return Summary{}, err
	}
	defer src.Close()

	m, err := o.parse(name)
	if err != nil {
		return Summary{}, err
	}

	s, err := o.transact(ctx, name, m, src)
	if err != nil {
		return Summary{}, err
	}
	s.Elapsed = time.Since(start)
	return s, nil
}

func (o *Orchestrator) validate(ctx context.Context, name string) error {
	t := time.Now()
	err := func() error {
		if name == "" || name == "." || name == string(filepath.Separator) {
			return rejected("validate", "missing file name", nil)
		}
		if !strings.EqualFold(filepath.Ext(name), ".csv") {
			return rejected("validate", fmt.Sprintf("file %q: only .csv files are accepted", name), nil)
		}
		exists, err := o.guard.Exists(ctx, name)
		if err != nil {
			return resourceFailure("validate", err)
		}
		if exists {
			return conflict("validate", fmt.Sprintf("file %q already exists in the database", name), nil)
		}
		return nil
	}()
	o.step("validate", t, err)
	if err == nil {
		o.log.Printf("stage=validate state=%s file=%q duration=%s", StateValidated, name, durMS(t))
	}
	return err
}

// persist writes body to UploadDir/name through a temp file and rename so a
// partially written upload never appears under its final name.
func (o *Orchestrator) persist(name string, body io.Reader) (string, error) {
	t := time.Now()
	path, n, err := writeAtomic(o.uploadDir, name, body)
	o.step("persist", t, err)
	if err != nil {
		return "", err
	}
	o.log.Printf("stage=persist file=%q path=%q size=%s duration=%s", name, path, humanize.Bytes(uint64(n)), durMS(t))
	return path, nil
}

func writeAtomic(dir, name string, body io.Reader) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, resourceFailure("persist", err)
	}
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+"."+uuid.NewString()+".part")

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, resourceFailure("persist", err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", n, resourceFailure("persist", err)
	}
	return final, n, nil
}

func (o *Orchestrator) parse(name string) (metadata.Metadata, error) {
	t := time.Now()
	res := o.parser.Parse(name)
	var err error
	if !res.OK() {
		err = rejected("parse", "failed to parse filename: "+res.Failure.Reason, res.Failure)
	}
	o.step("parse", t, err)
	if err != nil {
		return metadata.Metadata{}, err
	}
	o.log.Printf("stage=parse state=%s file=%q flight=%s box=%s/%s person=%q date=%s",
		StateStaged, name, res.Metadata.FlightCode, res.Metadata.BoxName, res.Metadata.BoxColor, res.Metadata.PersonName, res.Metadata.Date())
	return res.Metadata, nil
}

// transact performs every write of one attempt in one transaction. Any
// failure rolls back with a context detached from ctx so a cancelled
// request still releases its transaction.
func (o *Orchestrator) transact(ctx context.Context, name string, m metadata.Metadata, src io.Reader) (Summary, error) {
	d := o.gw.Dialect()

	t := time.Now()
	tx, err := o.gw.Begin(ctx)
	if err != nil {
		err = resourceFailure("begin", err)
		o.step("begin", t, err)
		return Summary{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			o.log.Printf("stage=rollback file=%q err=%v", name, rerr)
		}
	}()
	o.log.Printf("stage=begin state=%s file=%q", StateTransacting, name)

	t = time.Now()
	id, err := o.upserter.Upsert(ctx, tx, d, name, m)
	if err != nil {
		err = o.classifyTx(d, "dimensions", name, err)
		o.step("dimensions", t, err)
		return Summary{}, err
	}
	o.step("dimensions", t, nil)

	t = time.Now()
	staging := d.StagingName(uuid.NewString())
	if err := o.loader.Create(ctx, tx, d, staging); err != nil {
		err = txFailure("stage", err)
		o.step("stage", t, err)
		return Summary{}, err
	}
	staged, err := o.loader.Load(ctx, tx, staging, src)
	if err != nil {
		err = classifyLoad(err)
		o.step("stage", t, err)
		return Summary{}, err
	}
	o.step("stage", t, nil)
	metrics.RecordRows("staged", staged)
	o.log.Printf("stage=stage file=%q staging=%s rows=%s duration=%s", name, staging, humanize.Comma(staged), durMS(t))

	t = time.Now()
	rows, err := o.inserter.Transfer(ctx, tx, d, staging, id)
	if err == nil {
		err = o.loader.Drop(ctx, tx, d, staging)
	}
	if err != nil {
		err = txFailure("transfer", err)
		o.step("transfer", t, err)
		return Summary{}, err
	}
	o.step("transfer", t, nil)
	o.log.Printf("stage=transfer file=%q dataset_id=%d rows=%s duration=%s", name, id, humanize.Comma(rows), durMS(t))

	t = time.Now()
	if err := tx.Commit(ctx); err != nil {
		err = o.classifyTx(d, "commit", name, err)
		o.step("commit", t, err)
		return Summary{}, err
	}
	committed = true
	o.step("commit", t, nil)
	metrics.RecordRows("inserted", rows)

	return Summary{DatasetID: id, FileName: name, Metadata: m, RowsInserted: rows}, nil
}

// classifyTx maps a store error inside the transaction. A unique violation
// means another attempt committed the same filename first.
func (o *Orchestrator) classifyTx(d storage.Dialect, op, name string, err error) error {
	if d.IsUniqueViolation(err) {
		return conflict(op, fmt.Sprintf("file %q already exists in the database", name), err)
	}
	return txFailure(op, err)
}

func classifyLoad(err error) error {
	switch {
	case errors.Is(err, ErrEmptyInput):
		return rejected("stage", "file has no header line", err)
	case errors.Is(err, ErrHeaderMismatch):
		return rejected("stage", "unexpected column layout", err)
	case errors.Is(err, storage.ErrMalformedInput):
		return rejected("stage", "malformed row", err)
	}
	return txFailure("stage", err)
}

func (o *Orchestrator) step(name string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if k := KindOf(err); k != "" {
			status = string(k)
		}
	}
	metrics.RecordStep(name, status, time.Since(start))
}

func (o *Orchestrator) finish(name string, start time.Time, err error) {
	if err != nil {
		metrics.RecordStep("ingest", string(kindOrUnknown(err)), time.Since(start))
		metrics.RecordFile("failed")
		o.log.Printf("stage=done state=%s file=%q kind=%s err=%v duration=%s", StateAborted, name, kindOrUnknown(err), err, durMS(start))
		return
	}
	metrics.RecordStep("ingest", "ok", time.Since(start))
	metrics.RecordFile("uploaded")
	o.log.Printf("stage=done state=%s file=%q duration=%s", StateCommitted, name, durMS(start))
}

func kindOrUnknown(err error) Kind {
	if k := KindOf(err); k != "" {
		return k
	}
	return "unknown"
}
