package bakta

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"defensepipe/internal/batch"
	"defensepipe/internal/fsutil"
	"defensepipe/internal/logging"
	"defensepipe/internal/metadata"
	"defensepipe/internal/store"
	"defensepipe/internal/ux"
)

// ReportFile is written into the results directory after a run.
const ReportFile = "bakta_run_report.txt"

// JobState is the local state of one assembly's job.
type JobState string

const (
	JobPending        JobState = "pending"
	JobRunning        JobState = "running"
	JobCompleted      JobState = "completed"
	JobFailed         JobState = "failed"
	JobTimeout        JobState = "timeout"
	JobDownloadFailed JobState = "download_failed"
	JobNoResults      JobState = "no_results"
)

// Failed reports whether the state counts as a failure in the run report.
func (s JobState) Failed() bool {
	switch s {
	case JobFailed, JobTimeout, JobDownloadFailed, JobNoResults:
		return true
	}
	return false
}

// Job tracks one assembly through submission and monitoring.
type Job struct {
	FileID       string
	FastaPath    string
	Ref          JobRef
	State        JobState
	SubmitTime   time.Time
	CompleteTime time.Time
	Error        string
	ResultPath   string
	Retries      int
}

// Duration is how long the job took from submission to completion.
func (j *Job) Duration() time.Duration {
	if j.SubmitTime.IsZero() || j.CompleteTime.IsZero() {
		return 0
	}
	return j.CompleteTime.Sub(j.SubmitTime)
}

// LocusTag derives a locus tag prefix: the first two letters of the genus and
// three of the species, upper-cased, when both are long enough; otherwise
// the first five characters of genus+species. Without a taxon the first five
// alphanumerics of fileID are used, falling back to BAKTA.
func LocusTag(genus, species, fileID string) string {
	if genus != "" && species != "" {
		g, sp := []rune(genus), []rune(species)
		if len(g) >= 2 && len(sp) >= 3 {
			return strings.ToUpper(string(g[:2]) + string(sp[:3]))
		}
		tag := []rune(strings.ToUpper(genus + species))
		if len(tag) > 5 {
			tag = tag[:5]
		}
		return string(tag)
	}
	var b strings.Builder
	for _, r := range fileID {
		if b.Len() == 5 {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "BAKTA"
	}
	return b.String()
}

// Locus is the locus identifier for a job.
func Locus(tag, jobID string) string {
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}
	return tag + "_" + jobID
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	ResultsDir    string
	BatchSize     int
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    time.Duration
	PollInterval  time.Duration
	MaxWait       time.Duration
	BatchPause    time.Duration
	DryRun        bool

	Recorder batch.Recorder
	Printer  *ux.Printer
	Logger   *zap.Logger
}

// Runner submits and monitors Bakta jobs in batches.
type Runner struct {
	client *Client
	cfg    RunnerConfig
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRunner creates a runner.
func NewRunner(client *Client, cfg RunnerConfig) *Runner {
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "bakta_results"
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Hour
	}
	if cfg.Recorder == nil {
		cfg.Recorder = batch.NopRecorder{}
	}
	if cfg.Printer == nil {
		cfg.Printer = ux.Discard()
	}
	return &Runner{
		client: client,
		cfg:    cfg,
		logger: logging.Named(cfg.Logger, logging.CategoryBakta).Named("runner"),
		now:    time.Now,
		jobs:   make(map[string]*Job),
	}
}

// Report is the outcome of a run.
type Report struct {
	Jobs       []*Job // in file id order
	Successful int
	Failed     int
	Path       string // empty for a dry run
}

// Run annotates every assembly in params. replicons may be nil. Individual
// job failures are reported, not returned; the error is non-nil only when
// the results directory is unusable or ctx is canceled.
func (r *Runner) Run(ctx context.Context, params map[string]Params, replicons *metadata.Table) (*Report, error) {
	ids := SortedIDs(params)
	r.logger.Info("starting bakta run", zap.Int("files", len(ids)),
		zap.Int("batch_size", r.cfg.BatchSize), zap.Int("max_concurrent", r.cfg.MaxConcurrent))

	if r.cfg.DryRun {
		r.cfg.Printer.Step("Dry run: no API calls will be made")
		for _, id := range ids {
			r.cfg.Printer.Detail("Would process: %s -> %s", id, params[id].FastaFile)
		}
		return &Report{}, nil
	}
	if err := fsutil.EnsureDir(r.cfg.ResultsDir); err != nil {
		return nil, err
	}

	runID, err := r.cfg.Recorder.CreateRun(ctx, "bakta", r.cfg.ResultsDir, len(ids))
	if err != nil {
		r.logger.Warn("ledger unavailable, continuing without it", zap.Error(err))
		r.cfg.Recorder = batch.NopRecorder{}
	}

	for start := 0; start < len(ids); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(ids))
		r.cfg.Printer.Step("Processing batch %d: files %d-%d", start/r.cfg.BatchSize+1, start+1, end)
		r.runBatch(ctx, ids[start:end], params, replicons)
		if ctx.Err() != nil {
			break
		}
		if end < len(ids) && r.cfg.BatchPause > 0 {
			r.cfg.Printer.Detail("Pausing %s between batches", r.cfg.BatchPause)
			if err := sleep(ctx, r.cfg.BatchPause); err != nil {
				break
			}
		}
	}

	rep := r.report(ids)
	for i, job := range rep.Jobs {
		rec := store.FileRecord{
			Seq:      i + 1,
			Input:    job.FastaPath,
			Output:   job.ResultPath,
			Status:   string(job.State),
			Duration: job.Duration(),
			Message:  job.Error,
		}
		if err := r.cfg.Recorder.RecordFile(context.WithoutCancel(ctx), runID, rec); err != nil {
			r.logger.Warn("failed to record job outcome", zap.String("file_id", job.FileID), zap.Error(err))
		}
	}

	status := store.RunSucceeded
	var runErr error
	switch {
	case ctx.Err() != nil:
		status, runErr = store.RunCanceled, ctx.Err()
	case rep.Failed > 0:
		status, runErr = store.RunFailed, fmt.Errorf("%d of %d jobs failed", rep.Failed, len(rep.Jobs))
	}
	if err := r.cfg.Recorder.FinishRun(context.WithoutCancel(ctx), runID, status, runErr); err != nil {
		r.logger.Warn("failed to finish run in ledger", zap.Error(err))
	}

	path := filepath.Join(r.cfg.ResultsDir, ReportFile)
	if err := writeReport(path, rep); err != nil {
		return rep, err
	}
	rep.Path = path
	r.cfg.Printer.Success("%d successful, %d failed out of %d total", rep.Successful, rep.Failed, len(rep.Jobs))
	return rep, ctx.Err()
}

// runBatch submits the batch concurrently, then monitors the submitted jobs.
func (r *Runner) runBatch(ctx context.Context, ids []string, params map[string]Params, replicons *metadata.Table) {
	var mu sync.Mutex
	var submitted []*Job

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrent)
	for _, id := range ids {
		g.Go(func() error {
			job := r.submitWithRetry(gctx, id, params[id], replicons)
			r.mu.Lock()
			r.jobs[id] = job
			r.mu.Unlock()
			if job.State == JobRunning {
				mu.Lock()
				submitted = append(submitted, job)
				mu.Unlock()
			} else {
				r.logger.Error("job submission failed", zap.String("file_id", id), zap.String("error", job.Error))
			}
			return nil
		})
	}
	_ = g.Wait()
	r.cfg.Printer.Detail("Submitted %d jobs in batch", len(submitted))

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrent)
	var done int
	for _, job := range submitted {
		g.Go(func() error {
			ok := r.monitor(gctx, job)
			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if ok {
				r.cfg.Printer.Detail("%s completed (%d/%d)", job.FileID, n, len(submitted))
			} else {
				r.cfg.Printer.Warn("%s %s: %s", job.FileID, job.State, job.Error)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) submitWithRetry(ctx context.Context, id string, p Params, replicons *metadata.Table) *Job {
	var job *Job
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying submission", zap.String("file_id", id), zap.Int("attempt", attempt+1))
			if err := sleep(ctx, r.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				job.Error = err.Error()
				return job
			}
		}
		job = r.submit(ctx, id, p, replicons)
		job.Retries = attempt
		if job.State == JobRunning || ctx.Err() != nil {
			return job
		}
	}
	return job
}

// submit initialises, uploads and starts one job.
func (r *Runner) submit(ctx context.Context, id string, p Params, replicons *metadata.Table) *Job {
	job := &Job{FileID: id, FastaPath: p.FastaFile, State: JobPending}
	fail := func(msg string, err error) *Job {
		job.State = JobFailed
		job.Error = msg
		if err != nil {
			job.Error = msg + ": " + err.Error()
		}
		return job
	}

	ref, links, err := r.client.InitJob(ctx, "bakta_job_"+id)
	if err != nil {
		return fail("Job initialization failed", err)
	}
	job.Ref = ref
	job.SubmitTime = r.now()

	if err := r.client.Upload(ctx, links.Fasta, p.FastaFile); err != nil {
		return fail("FASTA upload failed", err)
	}

	if replicons != nil && links.Replicons != "" {
		if path, err := r.repliconFile(id, p, replicons); err != nil {
			r.logger.Warn("no replicon table for file", zap.String("file_id", id), zap.Error(err))
		} else if err := r.client.Upload(ctx, links.Replicons, path); err != nil {
			r.logger.Warn("replicon table upload failed, continuing without it", zap.String("file_id", id), zap.Error(err))
		}
	}

	var genus, species string
	if p.Genus != nil {
		genus = *p.Genus
	}
	if p.Species != nil {
		species = *p.Species
	}
	tag := LocusTag(genus, species, id)
	cfg := NewJobConfig(genus, species, "", tag, Locus(tag, ref.ID), p.Circular)
	if err := r.client.StartJob(ctx, ref, cfg); err != nil {
		return fail("Job start failed", err)
	}

	job.State = JobRunning
	r.logger.Info("job submitted", zap.String("file_id", id), zap.String("job_id", ref.ID))
	return job
}

var errNoReplicons = errors.New("no replicon rows")

// repliconFile writes the replicon rows of one assembly.
func (r *Runner) repliconFile(id string, p Params, replicons *metadata.Table) (string, error) {
	seqID := p.SequenceID
	if seqID == "" {
		seqID = id
	}
	rows := replicons.Filter(func(row int) bool { return replicons.Get(row, "locus") == seqID })
	if rows.Len() == 0 {
		return "", errNoReplicons
	}
	path := filepath.Join(r.cfg.ResultsDir, id+"_replicons.csv")
	if err := rows.WriteMinimal(path); err != nil {
		return "", err
	}
	return path, nil
}

// resultTypes are the result files tried in order.
var resultTypes = []struct{ key, ext string }{
	{"JSON", ".json"},
	{"JSONGZ", ".json.gz"},
}

// monitor polls a job until it finishes, fails or exceeds MaxWait.
func (r *Runner) monitor(ctx context.Context, job *Job) bool {
	var elapsed time.Duration
	for elapsed < r.cfg.MaxWait {
		st, err := r.client.JobStatus(ctx, job.Ref)
		if err != nil {
			if ctx.Err() != nil {
				job.State, job.Error = JobFailed, ctx.Err().Error()
				return false
			}
			job.State, job.Error = JobFailed, "could not get status: "+err.Error()
			r.logger.Error("status check failed", zap.String("file_id", job.FileID), zap.Error(err))
			return false
		}
		r.logger.Debug("job status", zap.String("file_id", job.FileID), zap.String("status", st.Status))

		switch {
		case st.Status == StateSuccessful:
			job.CompleteTime = r.now()
			return r.download(ctx, job)
		case st.Status == StateError:
			job.State, job.Error = JobFailed, st.ErrorMessage()
			if logs, err := r.client.JobLogs(ctx, job.Ref); err == nil {
				r.logger.Debug("failed job logs", zap.String("file_id", job.FileID), zap.String("logs", logs))
			}
			return false
		case !PendingStates[st.Status]:
			r.logger.Warn("unknown job status", zap.String("file_id", job.FileID), zap.String("status", st.Status))
		}

		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			job.State, job.Error = JobFailed, err.Error()
			return false
		}
		elapsed += r.cfg.PollInterval
	}
	job.State, job.Error = JobTimeout, fmt.Sprintf("no result after %s", r.cfg.MaxWait)
	r.logger.Error("job timed out", zap.String("file_id", job.FileID))
	return false
}

func (r *Runner) download(ctx context.Context, job *Job) bool {
	files, err := r.client.JobResults(ctx, job.Ref)
	if err != nil {
		job.State, job.Error = JobNoResults, err.Error()
		return false
	}
	for _, rt := range resultTypes {
		u, ok := files[rt.key]
		if !ok {
			continue
		}
		path := filepath.Join(r.cfg.ResultsDir, job.FileID+"_bakta_results"+rt.ext)
		if err := r.client.Download(ctx, u, path); err != nil {
			r.logger.Warn("result download failed", zap.String("file_id", job.FileID),
				zap.String("type", rt.key), zap.Error(err))
			continue
		}
		job.State = JobCompleted
		job.ResultPath = path
		return true
	}
	job.State, job.Error = JobDownloadFailed, "no result file could be downloaded"
	return false
}

func (r *Runner) report(ids []string) *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := &Report{}
	for _, id := range ids {
		job, ok := r.jobs[id]
		if !ok {
			continue
		}
		rep.Jobs = append(rep.Jobs, job)
		switch {
		case job.State == JobCompleted:
			rep.Successful++
		case job.State.Failed():
			rep.Failed++
		}
	}
	return rep
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
