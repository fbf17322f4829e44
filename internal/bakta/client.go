package bakta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"defensepipe/internal/logging"
)

// DefaultBaseURL is the public Bakta API.
const DefaultBaseURL = "https://api.bakta.computational.bio"

// Transfer deadlines for presigned uploads and result downloads.
const (
	UploadTimeout   = 5 * time.Minute
	DownloadTimeout = 10 * time.Minute
)

// Job states reported by the API.
const (
	StateSuccessful = "SUCCESSFUL"
	StateError      = "ERROR"
)

// PendingStates are states in which a job is still progressing.
var PendingStates = map[string]bool{
	"PENDING": true, "SUBMITTED": true, "RUNNING": true, "INIT": true, "UPLOADING": true,
}

// APIError is a non-200 response from the API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("bakta %s: HTTP %d: %s", e.Op, e.StatusCode, body)
}

// JobRef identifies a job and authorises access to it.
type JobRef struct {
	ID     string `json:"jobID"`
	Secret string `json:"secret"`
}

// UploadLinks are the presigned URLs returned by InitJob.
type UploadLinks struct {
	Fasta     string `json:"uploadLinkFasta"`
	Prodigal  string `json:"uploadLinkProdigal"`
	Replicons string `json:"uploadLinkReplicons"`
}

// JobConfig is the annotation configuration sent by StartJob.
type JobConfig struct {
	TranslationTable     int     `json:"translationTable"`
	CompleteGenome       bool    `json:"completeGenome"`
	KeepContigHeaders    bool    `json:"keepContigHeaders"`
	MinContigLength      int     `json:"minContigLength"`
	Compliant            bool    `json:"compliant"`
	Genus                string  `json:"genus"`
	Species              string  `json:"species"`
	Strain               string  `json:"strain"`
	LocusTag             string  `json:"locusTag"`
	Locus                string  `json:"locus"`
	HasReplicons         bool    `json:"hasReplicons"`
	DermType             *string `json:"dermType"`
	Plasmid              *string `json:"plasmid"`
	ProdigalTrainingFile *string `json:"prodigalTrainingFile"`
}

// NewJobConfig returns the defaults used for bacterial assemblies.
func NewJobConfig(genus, species, strain, locusTag, locus string, complete bool) JobConfig {
	return JobConfig{
		TranslationTable: 11,
		CompleteGenome:   complete,
		MinContigLength:  1,
		Compliant:        true,
		Genus:            genus,
		Species:          species,
		Strain:           strain,
		LocusTag:         locusTag,
		Locus:            locus,
	}
}

// JobStatus is one entry of a job list response.
type JobStatus struct {
	JobID  string          `json:"jobID"`
	Status string          `json:"jobStatus"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ErrorMessage renders the job's error field.
func (s *JobStatus) ErrorMessage() string {
	if len(s.Error) == 0 || string(s.Error) == "null" {
		return "Unknown error"
	}
	var msg string
	if err := json.Unmarshal(s.Error, &msg); err == nil {
		return msg
	}
	return string(s.Error)
}

// Client talks to the Bakta API.
type Client struct {
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	userAgent string
	logger    *zap.Logger
}

// NewClient creates a client. timeout bounds each API call; transfers use
// UploadTimeout and DownloadTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{},
		timeout:   timeout,
		userAgent: "defensepipe-bakta/1.0",
		logger:    logging.Named(logger, logging.CategoryBakta).Named("client"),
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// postJSON sends body to path and decodes a 200 response into out.
func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bakta %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bakta %s: invalid response: %w", op, err)
	}
	return nil
}

// InitJob creates a job and returns its credentials and upload links.
func (c *Client) InitJob(ctx context.Context, name string) (JobRef, UploadLinks, error) {
	var resp struct {
		Job JobRef `json:"job"`
		UploadLinks
	}
	err := c.postJSON(ctx, "init job", "/api/v1/job/init",
		map[string]string{"name": name, "repliconTableType": "CSV"}, &resp)
	if err != nil {
		return JobRef{}, UploadLinks{}, err
	}
	if resp.Job.ID == "" {
		return JobRef{}, UploadLinks{}, fmt.Errorf("bakta init job: response carried no job id")
	}
	c.logger.Info("job initialized", zap.String("job_id", resp.Job.ID))
	return resp.Job, resp.UploadLinks, nil
}

// Upload PUTs the file at path to a presigned URL.
func (c *Client) Upload(ctx context.Context, uploadURL, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bakta upload %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: "upload", StatusCode: resp.StatusCode, Body: string(b)}
	}
	c.logger.Info("file uploaded", zap.String("file", path), zap.Int64("bytes", info.Size()))
	return nil
}

// StartJob starts annotation of an uploaded job.
func (c *Client) StartJob(ctx context.Context, job JobRef, cfg JobConfig) error {
	body := map[string]any{"job": job, "config": cfg}
	if err := c.postJSON(ctx, "start job", "/api/v1/job/start", body, nil); err != nil {
		return err
	}
	c.logger.Info("job started", zap.String("job_id", job.ID))
	return nil
}

// JobStatus returns the state of one job.
func (c *Client) JobStatus(ctx context.Context, job JobRef) (*JobStatus, error) {
	var resp struct {
		Jobs []JobStatus `json:"jobs"`
	}
	if err := c.postJSON(ctx, "job status", "/api/v1/job/list",
		map[string]any{"jobs": []JobRef{job}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Jobs) == 0 {
		return nil, fmt.Errorf("bakta job status: no data for job %s", job.ID)
	}
	st := resp.Jobs[0]
	if st.Status == "" {
		st.Status = "UNKNOWN"
	}
	return &st, nil
}

// JobLogs returns the job's log text.
func (c *Client) JobLogs(ctx context.Context, job JobRef) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/api/v1/job/" + url.PathEscape(job.ID) + "/logs?" + url.Values{"secret": {job.Secret}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("bakta job logs: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Op: "job logs", StatusCode: resp.StatusCode, Body: string(b)}
	}
	return string(b), nil
}

// JobResults returns the result file URLs of a finished job, keyed by type
// (JSON, JSONGZ, GFF3, ...).
func (c *Client) JobResults(ctx context.Context, job JobRef) (map[string]string, error) {
	var resp struct {
		ResultFiles map[string]string `json:"ResultFiles"`
	}
	if err := c.postJSON(ctx, "job results", "/api/v1/job/result", job, &resp); err != nil {
		return nil, err
	}
	if resp.ResultFiles == nil {
		return nil, fmt.Errorf("bakta job results: no result files for job %s", job.ID)
	}
	return resp.ResultFiles, nil
}

// Download stores the body of downloadURL at path.
func (c *Client) Download(ctx context.Context, downloadURL, path string) error {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bakta download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: "download", StatusCode: resp.StatusCode, Body: string(b)}
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("bakta download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	c.logger.Info("result downloaded", zap.String("path", path))
	return nil
}
